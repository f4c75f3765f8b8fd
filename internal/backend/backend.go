package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/samcharles93/kiln/internal/backend/bridge"
	"github.com/samcharles93/kiln/internal/backend/trtexec"
	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/onnx"
)

const (
	Trtexec = "trtexec"
	Bridge  = "bridge"
	Auto    = "auto"
)

// Strategy names accepted by Toolchains.Strategy.
const (
	StrategyInterchange = "interchange"
	StrategyNative      = "native"
)

// NoSimplifier disables graph simplification when used as the command.
const NoSimplifier = "none"

var ErrNativeNeedsBridge = errors.New("native compilation requires the bridge toolchain")

// ErrScratchCalibrationCache is returned when the precomputed calibration
// cache is the scratch file every compilation removes on exit.
var ErrScratchCalibrationCache = errors.New("calibration cache must not be the scratch cache " + calibration.DefaultCachePath)

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Trtexec, Bridge, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown toolchain %q (expected auto, trtexec, or bridge)", backend)
	}
}

// Options configure how toolchains are located and started.
type Options struct {
	TrtexecCommand   string
	TrtexecLegacy    bool
	CalibrationCache string
	// BridgeCommand is the helper argv.
	BridgeCommand     []string
	SimplifierCommand string
	StageDir          string
	// WorkspaceSize is the interchange builder memory limit in bytes; zero
	// keeps compiler.DefaultWorkspaceSize.
	WorkspaceSize int64
	Log           logger.Logger
}

func (o Options) validate() error {
	if o.CalibrationCache == "" {
		return nil
	}
	given, err := filepath.Abs(o.CalibrationCache)
	if err != nil {
		return fmt.Errorf("calibration cache %s: %w", o.CalibrationCache, err)
	}
	scratch, err := filepath.Abs(calibration.DefaultCachePath)
	if err != nil {
		return err
	}
	if given == scratch {
		return fmt.Errorf("%w: %s", ErrScratchCalibrationCache, o.CalibrationCache)
	}
	return nil
}

func (o Options) logger() logger.Logger {
	if o.Log == nil {
		return logger.Discard()
	}
	return o.Log
}

// Resolve picks a concrete toolchain. auto prefers trtexec when it is
// installed.
func Resolve(name string, opts Options) (string, error) {
	n, err := Normalize(name)
	if err != nil {
		return "", err
	}
	if n != Auto {
		return n, nil
	}
	for _, candidate := range []string{Trtexec, Bridge} {
		if Has(candidate, opts) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no toolchain available: install trtexec or configure a bridge helper")
}

// Toolchains holds the live toolchain for one process.
type Toolchains struct {
	name   string
	opts   Options
	client *bridge.Client
}

// Open starts the named toolchain. The bridge helper is launched here and
// lives until Close.
func Open(ctx context.Context, name string, opts Options) (*Toolchains, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	resolved, err := Resolve(name, opts)
	if err != nil {
		return nil, err
	}
	t := &Toolchains{name: resolved, opts: opts}
	if resolved == Bridge {
		client, err := bridge.Start(ctx, opts.BridgeCommand, opts.logger().With("component", "bridge"))
		if err != nil {
			return nil, err
		}
		t.client = client
	}
	return t, nil
}

func (t *Toolchains) Name() string { return t.name }

// Interchange returns the interchange-format strategy for this toolchain.
func (t *Toolchains) Interchange() *compiler.InterchangeFormat {
	s := &compiler.InterchangeFormat{
		Simplifier:    t.simplifier(),
		Log:           t.opts.logger().With("component", "compiler"),
		WorkspaceSize: t.opts.WorkspaceSize,
	}
	switch t.name {
	case Bridge:
		s.NewBuilder = bridge.New(t.client, t.opts.StageDir)
	default:
		s.NewBuilder = trtexec.New(trtexec.Builder{
			Command:          t.opts.TrtexecCommand,
			CalibrationCache: t.opts.CalibrationCache,
			Legacy:           t.opts.TrtexecLegacy,
			Log:              t.opts.logger().With("component", "trtexec"),
		})
	}
	return s
}

// Native returns the native-graph strategy and a loader for model files.
func (t *Toolchains) Native() (*compiler.NativeGraph, *bridge.Toolchain, error) {
	if t.client == nil {
		return nil, nil, ErrNativeNeedsBridge
	}
	tc := &bridge.Toolchain{Client: t.client, StageDir: t.opts.StageDir}
	return &compiler.NativeGraph{
		Toolchain: tc,
		Log:       t.opts.logger().With("component", "compiler"),
	}, tc, nil
}

// Strategy returns the named strategy bound to this toolchain. An empty name
// selects the interchange strategy.
func (t *Toolchains) Strategy(name string) (compiler.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyInterchange:
		return t.Interchange(), nil
	case StrategyNative:
		s, _, err := t.Native()
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q (expected interchange or native)", compiler.ErrInvalidArgument, name)
	}
}

// LoadModel loads a model file into the bridge helper for a native
// compilation. The returned release frees the helper-side copy.
func (t *Toolchains) LoadModel(ctx context.Context, path string) (compiler.Model, func(), error) {
	if t.client == nil {
		return nil, nil, ErrNativeNeedsBridge
	}
	tc := &bridge.Toolchain{Client: t.client, StageDir: t.opts.StageDir}
	m, err := tc.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := m.Release(context.Background()); err != nil {
			t.opts.logger().Debug("release model", "model", m.Name(), "error", err)
		}
	}
	return m, release, nil
}

func (t *Toolchains) Close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}

func (t *Toolchains) simplifier() compiler.Simplifier {
	command := t.opts.SimplifierCommand
	if command == NoSimplifier {
		return nil
	}
	if command == "" {
		command = onnx.DefaultSimplifierCommand
	}
	if _, err := exec.LookPath(command); err != nil {
		t.opts.logger().Debug("graph simplifier not found", "command", command)
		return nil
	}
	return onnx.CommandSimplifier{Command: command}
}
