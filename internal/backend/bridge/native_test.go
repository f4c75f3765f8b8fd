package bridge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/safetensors"
	"github.com/samcharles93/kiln/internal/tensor"
)

// torchHelper fakes a helper that cannot script, so compilation goes
// through tracing.
func torchHelper(t *testing.T) (*fakeHelper, *CompileParams, *safetensors.File) {
	t.Helper()
	h := newFakeHelper()
	var compiled CompileParams
	var traced safetensors.File

	h.handle(MethodLoad, func(raw json.RawMessage) (any, *RemoteError) {
		return HandleResult{Handle: h.newHandle("model"), Name: "bert"}, nil
	})
	h.handle(MethodPrepare, func(json.RawMessage) (any, *RemoteError) { return nil, nil })
	h.handle(MethodScript, func(json.RawMessage) (any, *RemoteError) {
		return nil, &RemoteError{Code: CodeInternal, Message: "cannot script dynamic control flow"}
	})
	h.handle(MethodTrace, func(raw json.RawMessage) (any, *RemoteError) {
		p := decode[TraceParams](t, raw)
		f, err := safetensors.Open(p.InputsPath)
		if err != nil {
			return nil, &RemoteError{Code: CodeInvalidParams, Message: err.Error()}
		}
		traced = *f
		return HandleResult{Handle: h.newHandle("traced")}, nil
	})
	h.handle(MethodClone, func(json.RawMessage) (any, *RemoteError) {
		return HandleResult{Handle: h.newHandle("clone")}, nil
	})
	h.handle(MethodHalf, func(json.RawMessage) (any, *RemoteError) { return nil, nil })
	h.handle(MethodCompile, func(raw json.RawMessage) (any, *RemoteError) {
		compiled = decode[CompileParams](t, raw)
		if c := compiled.Calibration; c != nil {
			entries, err := os.ReadDir(c.Dir)
			if err != nil || len(entries) != c.Batches {
				return nil, &RemoteError{Code: CodeInvalidParams, Message: "calibration batches missing"}
			}
			if err := os.WriteFile(c.CachePath, []byte("cache"), 0o644); err != nil {
				return nil, &RemoteError{Code: CodeInternal, Message: err.Error()}
			}
		}
		return HandleResult{Handle: h.newHandle("module")}, nil
	})
	h.handle(MethodSave, func(raw json.RawMessage) (any, *RemoteError) {
		p := decode[SaveParams](t, raw)
		if err := os.WriteFile(p.Path, []byte("torchscript:"+string(p.Handle)), 0o644); err != nil {
			return nil, &RemoteError{Code: CodeInternal, Message: err.Error()}
		}
		return nil, nil
	})
	h.handleRelease(t)
	return h, &compiled, &traced
}

func tokenParams() *params.ModelParams {
	return &params.ModelParams{
		BatchSize:  2,
		InputInfos: []params.InputInfo{{Size: []int{4}, DType: tensor.I64}},
		InputNames: []string{"input_ids"},
	}
}

func tokenData(t *testing.T, n int) *dataset.Manager {
	t.Helper()
	samples := make([]dataset.Sample, n)
	for i := range samples {
		ids, err := tensor.FromInt64s("input_ids", tensor.Shape{2, 4}, []int64{1, 2, 3, 4, 5, 6, 7, 8})
		if err != nil {
			t.Fatalf("tensor: %v", err)
		}
		samples[i] = dataset.Sample{ids}
	}
	return dataset.FromSamples(samples...)
}

func TestNativeGraphThroughBridge(t *testing.T) {
	t.Parallel()

	h, compiled, traced := torchHelper(t)
	client := connect(t, h)
	stageDir := t.TempDir()
	tc := &Toolchain{Client: client, StageDir: stageDir}

	model, err := tc.Load(context.Background(), "bert.pt")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	strategy := &compiler.NativeGraph{
		Toolchain: tc,
		Log:       logger.Discard(),
		CachePath: filepath.Join(t.TempDir(), "calibration.cache"),
	}
	threshold := 0.02
	res, err := strategy.Execute(context.Background(), compiler.Request{
		Model:               model,
		Params:              tokenParams(),
		Quantization:        quant.Static,
		MetricDropThreshold: &threshold,
		Data:                tokenData(t, 3),
		Device:              compiler.GPU,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Graph != compiler.Traced {
		t.Fatalf("graph = %s, want traced", res.Graph)
	}

	info, ok := traced.Tensors["input_ids"]
	if !ok || info.DType != tensor.I32 {
		t.Fatalf("traced inputs = %+v", traced.Tensors)
	}
	if compiled.Calibration == nil || compiled.Calibration.Batches != 3 || compiled.Calibration.BatchSize != 2 {
		t.Fatalf("calibration = %+v", compiled.Calibration)
	}
	if compiled.Calibration.Algorithm != "entropy_calibration_2" || compiled.Calibration.UseCache {
		t.Fatalf("calibration = %+v", compiled.Calibration)
	}
	if _, err := os.Stat(strategy.CachePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("calibration cache left behind: %v", err)
	}
	wantInputs := []InputSpec{{Name: "input_ids", Shape: tensor.Shape{2, 4}, DType: tensor.I32}}
	if diff := cmp.Diff(wantInputs, compiled.Inputs); diff != "" {
		t.Fatalf("inputs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tensor.DType{tensor.F32, tensor.F16, tensor.I8}, compiled.EnabledPrecisions); diff != "" {
		t.Fatalf("precisions (-want +got):\n%s", diff)
	}
	if !compiled.TruncateLongAndDouble || compiled.Device.Type != "gpu" || compiled.WorkspaceSize != 1<<30 {
		t.Fatalf("compile params = %+v", compiled)
	}

	var buf bytes.Buffer
	if err := res.Artifact.Save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	if buf.String() != "torchscript:module-3" {
		t.Fatalf("saved %q", buf.String())
	}
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging directories left behind: %d", len(entries))
	}
	if diff := cmp.Diff([]string{MethodLoad, MethodPrepare, MethodScript, MethodTrace, MethodCompile, MethodRelease, MethodSave}, h.called()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if err := res.Artifact.Release(context.Background()); err != nil {
		t.Fatalf("release module: %v", err)
	}
	// the traced graph goes when Execute returns, the module when the caller is done
	if diff := cmp.Diff([]Handle{"traced-2", "module-3"}, h.releasedHandles()); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
}

func TestNativeHalfClonesThroughBridge(t *testing.T) {
	t.Parallel()

	h, compiled, _ := torchHelper(t)
	client := connect(t, h)
	tc := &Toolchain{Client: client, StageDir: t.TempDir()}
	model, err := tc.Load(context.Background(), "bert.pt")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	strategy := &compiler.NativeGraph{Toolchain: tc, CachePath: filepath.Join(t.TempDir(), "calibration.cache")}
	threshold := 0.1
	if _, err := strategy.Execute(context.Background(), compiler.Request{
		Model:               model,
		Params:              tokenParams(),
		Quantization:        quant.Half,
		MetricDropThreshold: &threshold,
		Device:              compiler.GPU,
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// compile received the clone, never the loaded model
	if compiled.Handle != "clone-3" {
		t.Fatalf("compiled handle = %s", compiled.Handle)
	}
	want := []string{MethodLoad, MethodPrepare, MethodScript, MethodTrace, MethodClone, MethodHalf, MethodCompile, MethodRelease, MethodRelease}
	if diff := cmp.Diff(want, h.called()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Handle{"clone-3", "traced-2"}, h.releasedHandles()); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
}

func TestToolchainRejectsForeignModels(t *testing.T) {
	t.Parallel()

	a := &Toolchain{Client: connect(t, newFakeHelper())}
	b := &Toolchain{Client: connect(t, newFakeHelper())}
	m := &Model{client: b.Client, handle: "model-1", name: "m"}
	if err := a.Prepare(context.Background(), m); err == nil {
		t.Fatalf("expected foreign model error")
	}
}
