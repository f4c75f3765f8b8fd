package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Toolchain implements compiler.NativeToolchain on top of a helper.
type Toolchain struct {
	Client *Client
	// StageDir is where per-request scratch directories are created.
	StageDir string
}

// Model is a model held by the helper.
type Model struct {
	client *Client
	handle Handle
	name   string
}

func (m *Model) Name() string   { return m.name }
func (m *Model) Handle() Handle { return m.handle }

func (m *Model) Clone() (compiler.Model, error) {
	var res HandleResult
	if err := m.client.Call(context.Background(), MethodClone, HandleParams{Handle: m.handle}, &res); err != nil {
		return nil, err
	}
	return &Model{client: m.client, handle: res.Handle, name: m.name}, nil
}

func (m *Model) Half() error {
	return m.client.Call(context.Background(), MethodHalf, HandleParams{Handle: m.handle}, nil)
}

// Release frees the helper-side object.
func (m *Model) Release(ctx context.Context) error {
	return m.client.Call(ctx, MethodRelease, HandleParams{Handle: m.handle}, nil)
}

// Module is a compiled module held by the helper.
type Module struct {
	client   *Client
	handle   Handle
	stageDir string
}

// Save asks the helper to serialize the module and copies the bytes to w.
func (m *Module) Save(w io.Writer) error {
	st, err := newStage(m.stageDir)
	if err != nil {
		return err
	}
	defer st.Remove()

	path := st.path("module.bin")
	if err := m.client.Call(context.Background(), MethodSave, SaveParams{Handle: m.handle, Path: path}, nil); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read saved module: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Release frees the compiled module held by the helper.
func (m *Module) Release(ctx context.Context) error {
	return m.client.Call(ctx, MethodRelease, HandleParams{Handle: m.handle}, nil)
}

// Load asks the helper to load a model file it understands.
func (t *Toolchain) Load(ctx context.Context, path string) (*Model, error) {
	var res HandleResult
	if err := t.Client.Call(ctx, MethodLoad, LoadParams{Path: absPath(path)}, &res); err != nil {
		return nil, err
	}
	name := res.Name
	if name == "" {
		name = string(res.Handle)
	}
	return &Model{client: t.Client, handle: res.Handle, name: name}, nil
}

func (t *Toolchain) Prepare(ctx context.Context, m compiler.Model) error {
	bm, err := t.own(m)
	if err != nil {
		return err
	}
	return t.Client.Call(ctx, MethodPrepare, HandleParams{Handle: bm.handle}, nil)
}

func (t *Toolchain) Script(ctx context.Context, m compiler.Model) (compiler.Model, error) {
	bm, err := t.own(m)
	if err != nil {
		return nil, err
	}
	var res HandleResult
	if err := t.Client.Call(ctx, MethodScript, HandleParams{Handle: bm.handle}, &res); err != nil {
		return nil, err
	}
	return &Model{client: t.Client, handle: res.Handle, name: bm.name}, nil
}

func (t *Toolchain) Trace(ctx context.Context, m compiler.Model, inputs []tensor.Tensor) (compiler.Model, error) {
	bm, err := t.own(m)
	if err != nil {
		return nil, err
	}
	st, err := newStage(t.StageDir)
	if err != nil {
		return nil, err
	}
	defer st.Remove()

	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Name
	}
	path, err := st.writeTensors("inputs.safetensors", inputs, nil)
	if err != nil {
		return nil, fmt.Errorf("stage example inputs: %w", err)
	}
	var res HandleResult
	if err := t.Client.Call(ctx, MethodTrace, TraceParams{Handle: bm.handle, InputsPath: path, InputNames: names}, &res); err != nil {
		return nil, err
	}
	return &Model{client: t.Client, handle: res.Handle, name: bm.name}, nil
}

func (t *Toolchain) Compile(ctx context.Context, m compiler.Model, spec compiler.NativeSpec) (compiler.CompiledModule, error) {
	bm, err := t.own(m)
	if err != nil {
		return nil, err
	}
	st, err := newStage(t.StageDir)
	if err != nil {
		return nil, err
	}
	defer st.Remove()

	calib, err := st.writeCalibration(spec.Calibrator)
	if err != nil {
		return nil, err
	}
	params := CompileParams{
		Handle:            bm.handle,
		EnabledPrecisions: spec.EnabledPrecisions,
		Calibration:       calib,
		WorkspaceSize:     spec.WorkspaceSize,
		Device: DeviceSpec{
			Type:             string(spec.Device.Type),
			GPUID:            spec.Device.GPUID,
			DLACore:          spec.Device.DLACore,
			AllowGPUFallback: spec.Device.AllowGPUFallback,
		},
		DisableTF32:           spec.DisableTF32,
		TruncateLongAndDouble: spec.TruncateLongAndDouble,
	}
	for _, in := range spec.Inputs {
		params.Inputs = append(params.Inputs, InputSpec{Name: in.Name, Shape: in.Shape, DType: in.DType})
	}
	var res HandleResult
	if err := t.Client.Call(ctx, MethodCompile, params, &res); err != nil {
		return nil, err
	}
	return &Module{client: t.Client, handle: res.Handle, stageDir: t.StageDir}, nil
}

func (t *Toolchain) own(m compiler.Model) (*Model, error) {
	bm, ok := m.(*Model)
	if !ok {
		return nil, fmt.Errorf("model %s is not held by the bridge helper", m.Name())
	}
	if bm.client != t.Client {
		return nil, errors.New("model belongs to a different bridge helper")
	}
	return bm, nil
}
