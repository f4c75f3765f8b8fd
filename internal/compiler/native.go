package compiler

import (
	"context"
	"fmt"

	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/internal/transform"
)

// NativeGraph compiles an in-memory model through its scripted or traced
// graph.
type NativeGraph struct {
	Toolchain NativeToolchain
	Log       logger.Logger
	// CachePath overrides the calibration cache location.
	CachePath string
}

func (s *NativeGraph) Name() string { return "native" }

func (s *NativeGraph) SupportTable() SupportTable { return TensorRTSupport }

func (s *NativeGraph) Execute(ctx context.Context, req Request) (Result, error) {
	if !Supported(s.SupportTable(), req.Device, req.Quantization) {
		return notApplicable(), nil
	}
	if req.Quantization == quant.Static && req.Data == nil {
		return Result{}, invalidArgument("input data is required for static quantization")
	}
	if req.Model == nil {
		return Result{}, invalidArgument("native compilation needs a model")
	}
	if s.Toolchain == nil {
		return Result{}, invalidArgument("native compilation needs a toolchain")
	}
	if err := req.Params.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	log := s.logger()
	log.Info("optimizing", "strategy", s.Name(), "quantization", req.Quantization, "model", req.Model.Name())
	if err := quant.CheckThreshold(req.Quantization, req.MetricDropThreshold); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	cache := calibration.Guard(s.CachePath)
	defer func() {
		if rerr := cache.Release(); rerr != nil {
			log.Warn("calibration cache cleanup failed", "error", rerr)
		}
	}()

	precision := quant.Negotiate(req.Quantization)
	pipeline := req.Transforms
	if pipeline == nil {
		pipeline = transform.NewPipeline()
	}

	var calib *calibration.Calibrator
	if req.Quantization == quant.Static {
		split, err := req.Data.Split(dataset.TrainSplit)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		calib, err = calibration.ForSplit(split)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		calib.CachePath = cache.Path()
	}

	inputs, err := exampleInputs(req.Data, req.Params)
	if err != nil {
		return Result{}, err
	}

	if err := backendDo("prepare", func() error { return s.Toolchain.Prepare(ctx, req.Model) }); err != nil {
		return Result{}, err
	}
	graph, err := acquireGraph(ctx, s.Toolchain, req.Model, inputs, log)
	if err != nil {
		return Result{}, err
	}
	defer release(ctx, graph.Module, log)

	target := graph.Module
	if precision == quant.PrecisionFP16 {
		// Scripted graphs share parameters with their source, so the cast
		// always happens on a copy.
		target, err = backendCall("clone", graph.Module.Clone)
		if err != nil {
			return Result{}, err
		}
		defer release(ctx, target, log)
		if err := backendDo("half", target.Half); err != nil {
			return Result{}, err
		}
	}

	spec := NativeSpec{
		Inputs:                inputSpecs(inputs, precision),
		EnabledPrecisions:     quant.EnabledPrecisions(precision),
		Calibrator:            calib,
		WorkspaceSize:         DefaultWorkspaceSize,
		Device:                PrimaryDeviceSpec(),
		DisableTF32:           false,
		TruncateLongAndDouble: true,
	}
	module, err := backendCall("compile", func() (CompiledModule, error) {
		return s.Toolchain.Compile(ctx, target, spec)
	})
	if err != nil {
		return Result{}, err
	}

	artifact := &Artifact{
		Kind:      KindModule,
		Module:    module,
		Precision: precision,
		Strategy:  s.Name(),
	}
	if graph.Kind == Traced {
		artifact.FixedShapes = graph.ExemplarShapes
	}
	if req.Quantization == quant.Half {
		pipeline.Append(transform.HalfPrecision{})
	}
	return Result{
		Status:     StatusCompiled,
		Artifact:   artifact,
		Transforms: pipeline,
		Graph:      graph.Kind,
	}, nil
}

// release frees an intermediate handle. The call outlives ctx so a
// cancelled compilation still returns its objects.
func release(ctx context.Context, h any, log logger.Logger) {
	r, ok := h.(Releaser)
	if !ok {
		return
	}
	if err := r.Release(context.WithoutCancel(ctx)); err != nil {
		log.Debug("release failed", "error", err)
	}
}

func (s *NativeGraph) logger() logger.Logger {
	if s.Log == nil {
		return logger.Discard()
	}
	return s.Log
}

// exampleInputs returns the first sample of the data source or, without
// data, zero tensors shaped from params. Int64 tensors are narrowed to int32.
func exampleInputs(data *dataset.Manager, p *params.ModelParams) ([]tensor.Tensor, error) {
	var raw []tensor.Tensor
	if data != nil {
		samples := data.List(1)
		if len(samples) == 0 {
			return nil, invalidArgument("input data holds no samples")
		}
		raw = samples[0]
	} else {
		names := p.InputNames
		raw = make([]tensor.Tensor, len(p.InputInfos))
		for i, info := range p.InputInfos {
			name := fmt.Sprintf("input_%d", i)
			if i < len(names) {
				name = names[i]
			}
			z, err := tensor.Zeros(name, info.DType, p.InputShape(i))
			if err != nil {
				return nil, fmt.Errorf("%w: synthesize input %d: %v", ErrInvalidArgument, i, err)
			}
			raw[i] = z
		}
	}

	out := make([]tensor.Tensor, len(raw))
	for i, t := range raw {
		n, err := tensor.NarrowInt64(t)
		if err != nil {
			return nil, fmt.Errorf("%w: input %s: %v", ErrInvalidArgument, t.Name, err)
		}
		out[i] = n
	}
	return out, nil
}

// inputSpecs declares inputs at the working precision. Int8 and int32
// tensors keep their dtype under FP16.
func inputSpecs(inputs []tensor.Tensor, precision quant.Precision) []InputSpec {
	specs := make([]InputSpec, len(inputs))
	for i, in := range inputs {
		dt := in.DType
		if precision == quant.PrecisionFP16 && dt != tensor.I8 && dt != tensor.I32 {
			dt = tensor.F16
		}
		specs[i] = InputSpec{Name: in.Name, Shape: in.Shape.Clone(), DType: dt}
	}
	return specs
}
