package compiler

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/tensor"
)

type modelState struct {
	half bool
}

// fakeModel shares state with anything scripted or traced from it, the way
// a compiled graph shares parameters with its source module.
type fakeModel struct {
	name  string
	state *modelState
	// owner is set on handles the toolchain created.
	owner *fakeToolchain
}

func newFakeModel(name string) *fakeModel { return &fakeModel{name: name, state: &modelState{}} }

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Clone() (Model, error) {
	st := *m.state
	m.owner.track()
	return &fakeModel{name: m.name + "_copy", state: &st, owner: m.owner}, nil
}

func (m *fakeModel) Release(context.Context) error {
	m.owner.untrack()
	return nil
}

func (m *fakeModel) Half() error {
	m.state.half = true
	return nil
}

type fakeModule struct {
	payload string
	owner   *fakeToolchain
}

func (m *fakeModule) Save(w io.Writer) error {
	_, err := io.WriteString(w, m.payload)
	return err
}

func (m *fakeModule) Release(context.Context) error {
	m.owner.untrack()
	return nil
}

type fakeToolchain struct {
	scriptErr   error
	scriptPanic bool
	compileErr  error
	// cacheFile is written during Compile to stand in for a calibrator.
	cacheFile string

	calls       []string
	traceInputs []tensor.Tensor
	compiled    Model
	spec        NativeSpec
	// live counts handles created and not yet released.
	live int
}

func (f *fakeToolchain) track() {
	if f != nil {
		f.live++
	}
}

func (f *fakeToolchain) untrack() {
	if f != nil {
		f.live--
	}
}

func (f *fakeToolchain) Prepare(_ context.Context, m Model) error {
	f.calls = append(f.calls, "prepare")
	return nil
}

func (f *fakeToolchain) Script(_ context.Context, m Model) (Model, error) {
	f.calls = append(f.calls, "script")
	if f.scriptPanic {
		panic("unsupported control flow")
	}
	if f.scriptErr != nil {
		return nil, f.scriptErr
	}
	src := m.(*fakeModel)
	f.track()
	return &fakeModel{name: src.name + "_scripted", state: src.state, owner: f}, nil
}

func (f *fakeToolchain) Trace(_ context.Context, m Model, inputs []tensor.Tensor) (Model, error) {
	f.calls = append(f.calls, "trace")
	f.traceInputs = inputs
	src := m.(*fakeModel)
	f.track()
	return &fakeModel{name: src.name + "_traced", state: src.state, owner: f}, nil
}

func (f *fakeToolchain) Compile(_ context.Context, m Model, spec NativeSpec) (CompiledModule, error) {
	f.calls = append(f.calls, "compile")
	f.compiled = m
	f.spec = spec
	if f.cacheFile != "" {
		if err := os.WriteFile(f.cacheFile, []byte("cache"), 0o644); err != nil {
			return nil, err
		}
	}
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	f.track()
	return &fakeModule{payload: "module:" + m.Name(), owner: f}, nil
}

type fakeNetwork struct{ inputs []string }

func (n *fakeNetwork) InputNames() []string { return n.inputs }

type shapeCall struct {
	name          string
	min, opt, max tensor.Shape
}

type fakeProfile struct{ shapes []shapeCall }

func (p *fakeProfile) SetShape(name string, lo, opt, hi tensor.Shape) error {
	p.shapes = append(p.shapes, shapeCall{name, lo, opt, hi})
	return nil
}

type fakeConfig struct {
	poolErr    error
	pool       int64
	flags      []BuilderFlag
	calibrator *calibration.Calibrator
	profiles   []*fakeProfile
}

func (c *fakeConfig) SetMemoryPoolLimit(_ MemoryPool, n int64) error {
	if c.poolErr != nil {
		return c.poolErr
	}
	c.pool = n
	return nil
}

func (c *fakeConfig) SetFlag(f BuilderFlag) error {
	c.flags = append(c.flags, f)
	return nil
}

func (c *fakeConfig) SetInt8Calibrator(cal *calibration.Calibrator) error {
	c.calibrator = cal
	return nil
}

func (c *fakeConfig) AddOptimizationProfile(p OptimizationProfile) error {
	c.profiles = append(c.profiles, p.(*fakeProfile))
	return nil
}

type fakeParser struct {
	b *fakeBuilder
	n *fakeNetwork
}

func (p *fakeParser) ParseFromFile(_ context.Context, path string) (bool, error) {
	p.b.parsed = path
	if p.b.parseErr != nil {
		return false, p.b.parseErr
	}
	if len(p.b.diagnostics) > 0 {
		return false, nil
	}
	p.n.inputs = p.b.inputs
	return true, nil
}

func (p *fakeParser) Errors() []string { return p.b.diagnostics }

type fakeBuilder struct {
	inputs      []string
	diagnostics []string
	parseErr    error
	engine      []byte
	buildErr    error
	cacheFile   string

	parsed  string
	network *fakeNetwork
	config  *fakeConfig
	poolErr error
}

func (b *fakeBuilder) CreateNetwork(flags NetworkFlags) (Network, error) {
	if flags&ExplicitBatch == 0 {
		return nil, errors.New("implicit batch networks are not supported")
	}
	b.network = &fakeNetwork{}
	return b.network, nil
}

func (b *fakeBuilder) CreateBuilderConfig() (BuilderConfig, error) {
	b.config = &fakeConfig{poolErr: b.poolErr}
	return b.config, nil
}

func (b *fakeBuilder) CreateOptimizationProfile() (OptimizationProfile, error) {
	return &fakeProfile{}, nil
}

func (b *fakeBuilder) NewParser(n Network) (Parser, error) {
	return &fakeParser{b: b, n: n.(*fakeNetwork)}, nil
}

func (b *fakeBuilder) BuildSerializedNetwork(context.Context, Network, BuilderConfig) ([]byte, error) {
	if b.cacheFile != "" {
		if err := os.WriteFile(b.cacheFile, []byte("cache"), 0o644); err != nil {
			return nil, err
		}
	}
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	return b.engine, nil
}

func imageParams() *params.ModelParams {
	return &params.ModelParams{
		BatchSize:  1,
		InputInfos: []params.InputInfo{{Size: []int{3, 4, 4}, DType: tensor.F32}},
	}
}

func imageData(t *testing.T, n int) *dataset.Manager {
	t.Helper()
	samples := make([]dataset.Sample, n)
	for i := range samples {
		x, err := tensor.FromFloat32s("x", tensor.Shape{1, 3, 4, 4}, make([]float32, 48))
		if err != nil {
			t.Fatalf("tensor: %v", err)
		}
		samples[i] = dataset.Sample{x}
	}
	return dataset.FromSamples(samples...)
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to be absent, stat err = %v", path, err)
	}
}

func tokenParams() *params.ModelParams {
	return &params.ModelParams{
		BatchSize:  2,
		InputInfos: []params.InputInfo{{Size: []int{4}, DType: tensor.I64}},
	}
}

func tokenData(t *testing.T, n int) *dataset.Manager {
	t.Helper()
	samples := make([]dataset.Sample, n)
	for i := range samples {
		ids, err := tensor.FromInt64s("input_ids", tensor.Shape{2, 4}, []int64{1, 2, 3, 4, 5, 6, 7, int64(i)})
		if err != nil {
			t.Fatalf("tensor: %v", err)
		}
		samples[i] = dataset.Sample{ids}
	}
	return dataset.FromSamples(samples...)
}

func assertInt32Batches(t *testing.T, cal *calibration.Calibrator, want int) {
	t.Helper()
	if cal == nil {
		t.Fatalf("static quantization should attach a calibrator")
	}
	batches, err := cal.Loader.All()
	if err != nil {
		t.Fatalf("drain calibrator: %v", err)
	}
	if len(batches) != want {
		t.Fatalf("calibration batches = %d, want %d", len(batches), want)
	}
	for i, b := range batches {
		for _, in := range b {
			if in.DType != tensor.I32 {
				t.Fatalf("batch %d: %s reached the backend as %s", i, in.Name, in.DType)
			}
		}
	}
}
