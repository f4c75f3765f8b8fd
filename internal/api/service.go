package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/history"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/version"
	"github.com/samcharles93/kiln/pkg/kef"
)

// Strategies resolves strategy names and loads in-memory models for the
// native path. *backend.Toolchains implements it.
type Strategies interface {
	Strategy(name string) (compiler.Strategy, error)
	LoadModel(ctx context.Context, path string) (compiler.Model, func(), error)
}

type ServiceConfig struct {
	Strategies Strategies
	// Toolchain is recorded in artifact manifests.
	Toolchain string
	History   *history.Store
	Metrics   *metrics.Metrics
	Log       logger.Logger
	// OutDir receives artifacts for requests without an explicit output.
	OutDir string
}

// CompileService runs compilations one at a time, writes the artifact
// container, and records every outcome.
type CompileService struct {
	cfg   ServiceConfig
	log   logger.Logger
	clock func() time.Time

	// mu serializes Execute: the calibration cache path is process-global.
	mu sync.Mutex
}

func NewCompileService(cfg ServiceConfig) *CompileService {
	log := cfg.Log
	if log == nil {
		log = logger.Discard()
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "."
	}
	return &CompileService{cfg: cfg, log: log, clock: time.Now}
}

// job is a validated request.
type job struct {
	id     string
	req    CompilationRequest
	params *params.ModelParams
	data   *dataset.Manager
	device compiler.Device
	output string
}

func (s *CompileService) prepare(req CompilationRequest) (job, error) {
	if strings.TrimSpace(req.Model) == "" {
		return job{}, newInvalidRequest("model is required")
	}
	device, err := compiler.ParseDevice(req.Device)
	if err != nil {
		return job{}, wrapInvalidRequest(err)
	}

	j := job{id: req.ID, req: req, device: device}
	if j.id == "" {
		j.id = uuid.NewString()
	}

	switch {
	case req.ModelParams != nil:
		if err := req.ModelParams.Validate(); err != nil {
			return job{}, wrapInvalidRequest(fmt.Errorf("model_params: %w", err))
		}
		j.params = req.ModelParams
	case req.Params != "":
		p, err := params.Load(req.Params)
		if err != nil {
			return job{}, wrapInvalidRequest(err)
		}
		j.params = p
	default:
		return job{}, newInvalidRequest("params or model_params is required")
	}

	if req.Data != "" {
		m, err := dataset.Load(req.Data)
		if err != nil {
			return job{}, wrapInvalidRequest(fmt.Errorf("data %s: %w", req.Data, err))
		}
		j.data = m
	}

	j.output = req.Output
	if j.output == "" {
		stem := strings.TrimSuffix(filepath.Base(req.Model), filepath.Ext(req.Model))
		j.output = filepath.Join(s.cfg.OutDir, fmt.Sprintf("%s-%s.kef", stem, shortID(j.id)))
	}
	return j, nil
}

// confineOutput resolves an output path supplied by a remote client. It must
// be a relative path that stays inside OutDir.
func (s *CompileService) confineOutput(out string) (string, error) {
	if out == "" {
		return "", nil
	}
	if !filepath.IsLocal(out) {
		return "", newInvalidRequest("output must be a relative path inside the server output directory")
	}
	return filepath.Join(s.cfg.OutDir, out), nil
}

// Compile validates req, runs the strategy and writes the artifact. A
// request that fails validation returns an ErrInvalidRequest error and is
// not recorded. Once running, the returned Compilation is always populated,
// including when err is non-nil.
func (s *CompileService) Compile(ctx context.Context, req CompilationRequest) (Compilation, error) {
	j, err := s.prepare(req)
	if err != nil {
		return Compilation{}, err
	}
	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = "interchange"
	}

	c := Compilation{
		ID:           j.id,
		Object:       "compilation",
		Status:       history.StatusRunning,
		Strategy:     strategyName,
		Quantization: req.Quantization.String(),
		Device:       string(j.device),
		Source:       req.Model,
		CreatedAt:    s.clock().UTC(),
	}
	s.record(ctx, c)

	log := s.log.With("id", j.id, "strategy", strategyName, "quantization", c.Quantization)

	s.mu.Lock()
	done := s.cfg.Metrics.Track()
	start := s.clock()
	manifest, runErr := s.run(ctx, j, strategyName)
	c.Duration = s.clock().Sub(start)
	done()
	s.mu.Unlock()

	switch {
	case runErr != nil:
		c.Status = history.StatusFailed
		c.Error = runErr.Error()
		var invalid *compiler.InvalidModelError
		if errors.As(runErr, &invalid) {
			c.Diagnostics = invalid.Diagnostics
		}
		log.Error("compilation failed", "error", runErr, "duration", c.Duration)
	case manifest == nil:
		c.Status = history.StatusNotApplicable
		log.Info("compilation not applicable", "device", c.Device)
	default:
		c.Status = history.StatusCompiled
		c.Artifact = j.output
		c.Manifest = manifest
		log.Info("compilation finished", "artifact", j.output, "duration", c.Duration)
	}

	s.cfg.Metrics.Observe(strategyName, c.Quantization, c.Status, c.Duration)
	s.record(context.WithoutCancel(ctx), c)
	return c, runErr
}

// run executes the strategy. A nil manifest with a nil error means the
// strategy does not apply to the request.
func (s *CompileService) run(ctx context.Context, j job, strategyName string) (*kef.Manifest, error) {
	if s.cfg.Strategies == nil {
		return nil, errors.New("no toolchain configured")
	}
	strategy, err := s.cfg.Strategies.Strategy(strategyName)
	if err != nil {
		return nil, err
	}

	req := compiler.Request{
		Path:                j.req.Model,
		Params:              j.params,
		Quantization:        j.req.Quantization,
		MetricDropThreshold: j.req.MetricDropThreshold,
		Data:                j.data,
		Device:              j.device,
	}
	if strategy.Name() == "native" && strategy.SupportTable().Supports(j.device, j.req.Quantization) {
		model, release, err := s.cfg.Strategies.LoadModel(ctx, j.req.Model)
		if err != nil {
			return nil, err
		}
		defer release()
		req.Model = model
	}

	res, err := strategy.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Applicable() {
		return nil, nil
	}
	defer func() {
		if rerr := res.Artifact.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.log.Debug("release compiled module", "error", rerr)
		}
	}()

	var engine bytes.Buffer
	if err := res.Artifact.Save(&engine); err != nil {
		return nil, fmt.Errorf("serialize artifact: %w", err)
	}
	m, err := kef.WriteFile(j.output, s.manifest(j, res), engine.Bytes())
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", j.output, err)
	}
	return &m, nil
}

func (s *CompileService) manifest(j job, res compiler.Result) kef.Manifest {
	art := res.Artifact
	m := kef.Manifest{
		ID:           j.id,
		Strategy:     art.Strategy,
		Toolchain:    s.cfg.Toolchain,
		ArtifactKind: art.Kind.String(),
		Quantization: j.req.Quantization.String(),
		Precision:    string(art.Precision),
		Device:       string(j.device),
		SourcePath:   art.SourcePath,
		BatchSize:    j.params.BatchSize,
		CreatedAt:    s.clock().UTC(),
		KilnVersion:  version.String(),
	}
	if res.Profile != nil {
		for _, e := range res.Profile.Entries {
			m.Profile = append(m.Profile, kef.ShapeRange{Name: e.Name, Min: e.Min, Opt: e.Opt, Max: e.Max})
		}
	}
	for _, shape := range art.FixedShapes {
		m.FixedShapes = append(m.FixedShapes, []int(shape))
	}
	if res.Transforms != nil {
		m.Transforms = res.Transforms.Names()
	}
	return m
}

func (s *CompileService) record(ctx context.Context, c Compilation) {
	if s.cfg.History == nil {
		return
	}
	err := s.cfg.History.Record(ctx, history.Record{
		ID:           c.ID,
		Strategy:     c.Strategy,
		Quantization: c.Quantization,
		Device:       c.Device,
		Status:       c.Status,
		Source:       c.Source,
		Artifact:     c.Artifact,
		Error:        c.Error,
		Duration:     c.Duration,
		CreatedAt:    c.CreatedAt,
	})
	if err != nil {
		s.log.Warn("record compilation", "id", c.ID, "error", err)
	}
}

// Get returns a recorded compilation, with its manifest when the artifact is
// still on disk.
func (s *CompileService) Get(ctx context.Context, id string) (Compilation, error) {
	if s.cfg.History == nil {
		return Compilation{}, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	r, err := s.cfg.History.Get(ctx, id)
	if err != nil {
		return Compilation{}, err
	}
	c := fromRecord(r)
	if c.Artifact != "" {
		if f, err := kef.Open(c.Artifact); err == nil {
			if m, err := f.Manifest(); err == nil {
				c.Manifest = &m
			}
			_ = f.Close()
		}
	}
	return c, nil
}

func (s *CompileService) List(ctx context.Context, f history.Filter) ([]Compilation, error) {
	if s.cfg.History == nil {
		return nil, nil
	}
	records, err := s.cfg.History.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Compilation, len(records))
	for i, r := range records {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Capabilities reports, per strategy, whether it can run with the configured
// toolchain and which (device, quantization) pairs it accepts.
func (s *CompileService) Capabilities() CapabilitiesResponse {
	resp := CapabilitiesResponse{Object: "list", Toolchain: s.cfg.Toolchain}
	for _, name := range []string{"interchange", "native"} {
		entry := StrategyCapabilities{Name: name}
		if s.cfg.Strategies == nil {
			entry.Reason = "no toolchain configured"
		} else if strategy, err := s.cfg.Strategies.Strategy(name); err != nil {
			entry.Reason = err.Error()
		} else {
			entry.Available = true
			entry.Capabilities = strategy.SupportTable().Pairs()
		}
		resp.Strategies = append(resp.Strategies, entry)
	}
	return resp
}

func fromRecord(r history.Record) Compilation {
	return Compilation{
		ID:           r.ID,
		Object:       "compilation",
		Status:       r.Status,
		Strategy:     r.Strategy,
		Quantization: r.Quantization,
		Device:       r.Device,
		Source:       r.Source,
		Artifact:     r.Artifact,
		Error:        r.Error,
		Duration:     r.Duration,
		CreatedAt:    r.CreatedAt,
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
