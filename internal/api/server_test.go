package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/history"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
	"github.com/samcharles93/kiln/internal/profile"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/internal/transform"
	"github.com/samcharles93/kiln/pkg/kef"
)

type fakeStrategy struct {
	name string
	err  error
	// seen receives the request of every Execute call.
	seen *[]compiler.Request
	// released counts module releases of native artifacts.
	released *int
}

func (s fakeStrategy) Name() string                        { return s.name }
func (s fakeStrategy) SupportTable() compiler.SupportTable { return compiler.TensorRTSupport }

func (s fakeStrategy) Execute(ctx context.Context, req compiler.Request) (compiler.Result, error) {
	if s.seen != nil {
		*s.seen = append(*s.seen, req)
	}
	if !compiler.Supported(s.SupportTable(), req.Device, req.Quantization) {
		return compiler.Result{Status: compiler.StatusNotApplicable}, nil
	}
	if s.err != nil {
		return compiler.Result{}, s.err
	}
	pipeline := transform.NewPipeline()
	if req.Quantization == quant.Half {
		pipeline.Append(transform.HalfPrecision{})
	}
	art := &compiler.Artifact{
		Kind:       compiler.KindSerialized,
		Engine:     []byte("engine:" + req.Path),
		SourcePath: req.Path,
		Precision:  quant.Negotiate(req.Quantization),
		Strategy:   s.name,
	}
	if req.Model != nil {
		art.Kind, art.Engine = compiler.KindModule, nil
		art.Module = &fakeModule{name: req.Model.Name(), released: s.released}
	}
	return compiler.Result{
		Status:     compiler.StatusCompiled,
		Artifact:   art,
		Transforms: pipeline,
		Profile: &profile.Profile{Entries: []profile.Entry{
			{Name: "input", Min: tensor.Shape{1, 3}, Opt: tensor.Shape{2, 3}, Max: tensor.Shape{2, 3}},
		}},
	}, nil
}

type fakeModule struct {
	name     string
	released *int
}

func (m *fakeModule) Save(w io.Writer) error {
	_, err := io.WriteString(w, "module:"+m.name)
	return err
}

func (m *fakeModule) Release(context.Context) error {
	*m.released++
	return nil
}

type fakeModel struct{ name string }

func (m *fakeModel) Name() string                   { return m.name }
func (m *fakeModel) Clone() (compiler.Model, error) { return &fakeModel{name: m.name}, nil }
func (m *fakeModel) Half() error                    { return nil }

type fakeStrategies struct {
	strategies map[string]compiler.Strategy
	loaded     []string
	released   int
}

func (f *fakeStrategies) Strategy(name string) (compiler.Strategy, error) {
	if name == "" {
		name = "interchange"
	}
	s, ok := f.strategies[name]
	if !ok {
		return nil, errors.New(name + " unavailable")
	}
	return s, nil
}

func (f *fakeStrategies) LoadModel(ctx context.Context, path string) (compiler.Model, func(), error) {
	f.loaded = append(f.loaded, path)
	return &fakeModel{name: filepath.Base(path)}, func() { f.released++ }, nil
}

type testEnv struct {
	e          *echo.Echo
	outDir     string
	strategies *fakeStrategies
	metrics    *metrics.Metrics
	seen       *[]compiler.Request
	// modulesReleased counts compiled modules the service released.
	modulesReleased *int
}

func newTestEnv(t *testing.T, cfg ServerConfig, interchangeErr error) *testEnv {
	t.Helper()

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	seen := &[]compiler.Request{}
	released := new(int)
	strategies := &fakeStrategies{strategies: map[string]compiler.Strategy{
		"interchange": fakeStrategy{name: "interchange", err: interchangeErr, seen: seen},
		"native":      fakeStrategy{name: "native", seen: seen, released: released},
	}}
	m := metrics.New()
	outDir := t.TempDir()
	cfg.Service = NewCompileService(ServiceConfig{
		Strategies: strategies,
		Toolchain:  "fake",
		History:    store,
		Metrics:    m,
		Log:        logger.Discard(),
		OutDir:     outDir,
	})
	cfg.Metrics = m
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = -1
	}

	e := echo.New()
	NewServer(cfg).Register(e)
	return &testEnv{e: e, outDir: outDir, strategies: strategies, metrics: m, seen: seen, modulesReleased: released}
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

const inlineParams = `"model_params":{"batch_size":2,"input_infos":[{"size":[3],"dtype":"float32"}]}`

func TestCompilationLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations",
		`{"model":"/models/net.onnx","quantization":"half",`+inlineParams+`}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[Compilation](t, rec)
	if created.ID == "" || created.Status != history.StatusCompiled {
		t.Fatalf("unexpected compilation %+v", created)
	}
	if filepath.Dir(created.Artifact) != env.outDir || !strings.HasPrefix(filepath.Base(created.Artifact), "net-") {
		t.Fatalf("artifact %q not under %s", created.Artifact, env.outDir)
	}

	f, err := kef.Open(created.Artifact)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()
	if err := f.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	m, err := f.Manifest()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.ID != created.ID || m.Toolchain != "fake" || m.Precision != string(quant.PrecisionFP16) || m.BatchSize != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if len(m.Transforms) != 1 || m.Transforms[0] != "half_precision" {
		t.Fatalf("transforms = %v", m.Transforms)
	}
	if len(m.Profile) != 1 || m.Profile[0].Name != "input" {
		t.Fatalf("profile = %+v", m.Profile)
	}
	engine, err := f.Engine()
	if err != nil || string(engine) != "engine:/models/net.onnx" {
		t.Fatalf("engine = %q, %v", engine, err)
	}

	getRec := doJSON(t, env.e, http.MethodGet, "/v1/compilations/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	got := decodeBody[Compilation](t, getRec)
	if got.Status != history.StatusCompiled || got.Manifest == nil || got.Manifest.EngineSHA256 == "" {
		t.Fatalf("unexpected get %+v", got)
	}

	listRec := doJSON(t, env.e, http.MethodGet, "/v1/compilations?status=compiled", "")
	list := decodeBody[CompilationList](t, listRec)
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestCompilationNotApplicable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations",
		`{"model":"/models/net.onnx","device":"cpu","quantization":"static",`+inlineParams+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	c := decodeBody[Compilation](t, rec)
	if c.Status != history.StatusNotApplicable || c.Artifact != "" {
		t.Fatalf("unexpected compilation %+v", c)
	}
	entries, err := os.ReadDir(env.outDir)
	if err != nil {
		t.Fatalf("read out dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("out dir not empty: %v", entries)
	}
}

func TestCompilationInvalidModelRecorded(t *testing.T) {
	t.Parallel()
	invalid := &compiler.InvalidModelError{Path: "/models/bad.onnx", Diagnostics: []string{"node 3: unknown op"}}
	env := newTestEnv(t, ServerConfig{}, invalid)

	rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations", `{"model":"/models/bad.onnx",`+inlineParams+`}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	c := decodeBody[Compilation](t, rec)
	if c.Status != history.StatusFailed || len(c.Diagnostics) != 1 {
		t.Fatalf("unexpected compilation %+v", c)
	}

	getRec := doJSON(t, env.e, http.MethodGet, "/v1/compilations/"+c.ID, "")
	got := decodeBody[Compilation](t, getRec)
	if got.Status != history.StatusFailed || !strings.Contains(got.Error, "unknown op") {
		t.Fatalf("history = %+v", got)
	}
}

func TestCompilationValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{}, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", ``, "invalid_request_error"},
		{"no model", `{` + inlineParams + `}`, "model is required"},
		{"no params", `{"model":"x.onnx"}`, "params"},
		{"bad device", `{"model":"x.onnx","device":"tpu",` + inlineParams + `}`, "unknown device"},
		{"bad quantization", `{"model":"x.onnx","quantization":"int4",` + inlineParams + `}`, "int4"},
		{"bad params", `{"model":"x.onnx","model_params":{"batch_size":0}}`, "batch_size"},
		{"absolute output", `{"model":"x.onnx","output":"/etc/x.kef",` + inlineParams + `}`, "output"},
		{"escaping output", `{"model":"x.onnx","output":"../x.kef",` + inlineParams + `}`, "output"},
	}
	for _, tt := range tests {
		rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d body=%s", tt.name, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tt.want) {
			t.Fatalf("%s: body %s missing %q", tt.name, rec.Body.String(), tt.want)
		}
	}
	if len(*env.seen) != 0 {
		t.Fatalf("strategy executed for invalid requests: %d", len(*env.seen))
	}
}

func TestCompilationOutputStaysInOutDir(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations",
		`{"model":"/models/net.onnx","output":"nested/net.kef",`+inlineParams+`}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	comp := decodeBody[Compilation](t, rec)
	want := filepath.Join(env.outDir, "nested", "net.kef")
	if comp.Artifact != want {
		t.Fatalf("artifact = %s, want %s", comp.Artifact, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
}

func TestCompilationNativeLoadsModel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations",
		`{"strategy":"native","model":"/models/net.pt",`+inlineParams+`}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(env.strategies.loaded) != 1 || env.strategies.released != 1 {
		t.Fatalf("loaded=%v released=%d", env.strategies.loaded, env.strategies.released)
	}
	if (*env.seen)[0].Model == nil {
		t.Fatalf("native request carried no model")
	}
	if *env.modulesReleased != 1 {
		t.Fatalf("compiled module released %d times, want 1", *env.modulesReleased)
	}

	// Unsupported pairs never load the model.
	rec = doJSON(t, env.e, http.MethodPost, "/v1/compilations",
		`{"strategy":"native","device":"cpu","quantization":"half","model":"/models/net.pt",`+inlineParams+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(env.strategies.loaded) != 1 {
		t.Fatalf("model loaded for a not-applicable request")
	}
}

func TestCompilationRateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{RatePerSecond: 0.0001, Burst: 1}, nil)

	body := `{"model":"/models/net.onnx",` + inlineParams + `}`
	if rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations", body); rec.Code != http.StatusCreated {
		t.Fatalf("first status: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, env.e, http.MethodPost, "/v1/compilations", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status: got %d body=%s", rec.Code, rec.Body.String())
	}

	metricsRec := doJSON(t, env.e, http.MethodGet, "/metrics", "")
	text, _ := io.ReadAll(metricsRec.Body)
	if !strings.Contains(string(text), `outcome="rejected"`) {
		t.Fatalf("rejection not counted:\n%s", text)
	}
}

func TestGetUnknownCompilation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := doJSON(t, env.e, http.MethodGet, "/v1/compilations/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, env.e, http.MethodGet, "/v1/compilations?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status: %d", rec.Code)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerConfig{}, nil)
	delete(env.strategies.strategies, "native")

	rec := doJSON(t, env.e, http.MethodGet, "/v1/capabilities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	caps := decodeBody[CapabilitiesResponse](t, rec)
	if caps.Toolchain != "fake" || len(caps.Strategies) != 2 {
		t.Fatalf("unexpected %+v", caps)
	}
	inter, native := caps.Strategies[0], caps.Strategies[1]
	if !inter.Available || len(inter.Capabilities) != 3 {
		t.Fatalf("interchange = %+v", inter)
	}
	for _, c := range inter.Capabilities {
		if c.Device != compiler.GPU {
			t.Fatalf("unexpected device in %+v", c)
		}
	}
	if native.Available || !strings.Contains(native.Reason, "unavailable") {
		t.Fatalf("native = %+v", native)
	}
}
