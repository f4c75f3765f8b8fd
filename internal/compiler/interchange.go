package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/profile"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/internal/transform"
)

// InterchangeFormat compiles a serialized graph file through a builder
// session.
type InterchangeFormat struct {
	NewBuilder func() (Builder, error)
	// Simplifier is optional.
	Simplifier Simplifier
	Log        logger.Logger
	// WorkspaceSize overrides DefaultWorkspaceSize when positive.
	WorkspaceSize int64
	CachePath     string
}

func (s *InterchangeFormat) Name() string { return "interchange" }

func (s *InterchangeFormat) SupportTable() SupportTable { return TensorRTSupport }

func (s *InterchangeFormat) Execute(ctx context.Context, req Request) (Result, error) {
	if !Supported(s.SupportTable(), req.Device, req.Quantization) {
		return notApplicable(), nil
	}
	if req.Quantization == quant.Static && req.Data == nil {
		return Result{}, invalidArgument("input data is required for static quantization")
	}
	if err := req.Params.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if s.NewBuilder == nil {
		return Result{}, invalidArgument("interchange compilation needs a builder")
	}
	log := s.logger()
	log.Info("optimizing", "strategy", s.Name(), "quantization", req.Quantization, "path", req.Path)
	if err := quant.CheckThreshold(req.Quantization, req.MetricDropThreshold); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if st, err := os.Stat(req.Path); err != nil {
		return Result{}, fmt.Errorf("%w: model file: %v", ErrInvalidArgument, err)
	} else if !st.Mode().IsRegular() {
		return Result{}, invalidArgument("model path %s is not a regular file", req.Path)
	}

	cache := calibration.Guard(s.CachePath)
	defer func() {
		if rerr := cache.Release(); rerr != nil {
			log.Warn("calibration cache cleanup failed", "error", rerr)
		}
	}()

	var arrays [][]tensor.Tensor
	if req.Quantization == quant.Static {
		split, err := req.Data.Split(dataset.TrainSplit)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		arrays = split.NumericArrays(dataset.QuantizationDataNum)
	}

	simp, err := Simplify(ctx, s.Simplifier, req.Path)
	if err != nil {
		return Result{}, err
	}
	if !simp.Simplified() {
		log.Debug("simplification skipped", "path", req.Path, "reason", simp.Skipped)
	}

	pipeline := req.Transforms
	if pipeline == nil {
		pipeline = transform.NewPipeline()
	}
	sess := session{
		log:          log,
		source:       simp.Path,
		params:       req.Params,
		quantization: req.Quantization,
		calibArrays:  arrays,
		cachePath:    cache.Path(),
		workspace:    s.WorkspaceSize,
	}
	if sess.workspace <= 0 {
		sess.workspace = DefaultWorkspaceSize
	}

	steps := []step{
		s.openSession,
		setWorkspace,
		applyQuantization,
		parseNetwork,
		attachProfile,
		buildEngine,
	}
	for _, st := range steps {
		if sess, err = st(ctx, sess); err != nil {
			return Result{}, err
		}
	}
	// Inputs are cast only for engines that were actually built at FP16.
	if req.Quantization == quant.Half {
		pipeline.Append(transform.HalfPrecision{})
	}

	return Result{
		Status: StatusCompiled,
		Artifact: &Artifact{
			Kind:       KindSerialized,
			Engine:     sess.engine,
			SourcePath: sess.source,
			Precision:  quant.Negotiate(req.Quantization),
			Strategy:   s.Name(),
		},
		Transforms:     pipeline,
		Simplification: &simp,
		Profile:        sess.profile,
	}, nil
}

func (s *InterchangeFormat) logger() logger.Logger {
	if s.Log == nil {
		return logger.Discard()
	}
	return s.Log
}

// session owns every backend object of one interchange build. Steps take it
// by value and return the updated copy, so no step sees a half-built handle.
type session struct {
	log          logger.Logger
	source       string
	params       *params.ModelParams
	quantization quant.Type
	calibArrays  [][]tensor.Tensor
	cachePath    string
	workspace    int64

	builder Builder
	network Network
	config  BuilderConfig
	profile *profile.Profile
	engine  []byte
}

type step func(ctx context.Context, s session) (session, error)

func (s *InterchangeFormat) openSession(_ context.Context, sess session) (session, error) {
	b, err := backendCall("create builder", s.NewBuilder)
	if err != nil {
		return sess, err
	}
	network, err := backendCall("create network", func() (Network, error) {
		return b.CreateNetwork(ExplicitBatch)
	})
	if err != nil {
		return sess, err
	}
	cfg, err := backendCall("create builder config", b.CreateBuilderConfig)
	if err != nil {
		return sess, err
	}
	sess.builder, sess.network, sess.config = b, network, cfg
	return sess, nil
}

func setWorkspace(_ context.Context, sess session) (session, error) {
	err := backendDo("set memory pool limit", func() error {
		return sess.config.SetMemoryPoolLimit(Workspace, sess.workspace)
	})
	if errors.Is(err, ErrUnsupported) {
		sess.log.Warn("backend cannot limit workspace memory, using its default", "error", err)
		return sess, nil
	}
	return sess, err
}

func applyQuantization(_ context.Context, sess session) (session, error) {
	switch sess.quantization {
	case quant.Half:
		if err := backendDo("set fp16 flag", func() error { return sess.config.SetFlag(FlagFP16) }); err != nil {
			return sess, err
		}
	case quant.Static:
		calib, err := calibration.ForArrays(sess.calibArrays, sess.params.BatchSize)
		if err != nil {
			return sess, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		calib.CachePath = sess.cachePath
		if err := backendDo("set int8 flag", func() error { return sess.config.SetFlag(FlagINT8) }); err != nil {
			return sess, err
		}
		if err := backendDo("set int8 calibrator", func() error { return sess.config.SetInt8Calibrator(calib) }); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

func parseNetwork(ctx context.Context, sess session) (session, error) {
	parser, err := backendCall("create parser", func() (Parser, error) {
		return sess.builder.NewParser(sess.network)
	})
	if err != nil {
		return sess, err
	}
	ok, err := backendCall("parse", func() (bool, error) {
		return parser.ParseFromFile(ctx, sess.source)
	})
	if err != nil {
		return sess, err
	}
	if !ok {
		diags := parser.Errors()
		for _, d := range diags {
			sess.log.Debug("parser diagnostic", "path", sess.source, "error", d)
		}
		return sess, &InvalidModelError{Path: sess.source, Diagnostics: diags}
	}
	return sess, nil
}

func attachProfile(_ context.Context, sess session) (session, error) {
	if sess.params.DynamicInfo == nil {
		return sess, nil
	}
	prof, err := profile.Build(sess.params, sess.network.InputNames())
	if err != nil {
		return sess, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	op, err := backendCall("create optimization profile", sess.builder.CreateOptimizationProfile)
	if err != nil {
		return sess, err
	}
	for _, e := range prof.Entries {
		if err := backendDo("set shape "+e.Name, func() error { return op.SetShape(e.Name, e.Min, e.Opt, e.Max) }); err != nil {
			return sess, err
		}
	}
	if err := backendDo("add optimization profile", func() error { return sess.config.AddOptimizationProfile(op) }); err != nil {
		return sess, err
	}
	sess.profile = &prof
	return sess, nil
}

func buildEngine(ctx context.Context, sess session) (session, error) {
	engine, err := backendCall("build serialized network", func() ([]byte, error) {
		return sess.builder.BuildSerializedNetwork(ctx, sess.network, sess.config)
	})
	if err != nil {
		return sess, err
	}
	if len(engine) == 0 {
		return sess, &BackendError{Op: "build serialized network", Err: errors.New("builder returned an empty engine")}
	}
	sess.engine = engine
	return sess, nil
}
