// Package compiler turns a trained model plus hardware constraints into a
// compiled artifact by driving a tensor-compiler toolchain.
//
// Two strategies exist, chosen by how the model is handed over: NativeGraph
// takes an in-memory model and compiles its traced or scripted graph, while
// InterchangeFormat takes a serialized graph file and drives a builder
// session. Both gate on a SupportTable first, so an unsupported (device,
// quantization) pair is reported as not applicable instead of failing.
package compiler

import (
	"context"
	"io"

	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/profile"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/tensor"
	"github.com/samcharles93/kiln/internal/transform"
)

// DefaultWorkspaceSize is the builder scratch memory limit in bytes.
const DefaultWorkspaceSize int64 = 1 << 30

// Strategy is one way of handing a model to a compiler backend.
type Strategy interface {
	Name() string
	SupportTable() SupportTable
	// Execute compiles the request. It returns exactly one of a compiled
	// result, a not-applicable result, or an error.
	Execute(ctx context.Context, req Request) (Result, error)
}

// Request is the uniform optimization request handed to a strategy.
type Request struct {
	// Model is the in-memory network for NativeGraph.
	Model Model
	// Path is the serialized graph file for InterchangeFormat.
	Path string

	Params       *params.ModelParams
	Quantization quant.Type
	// MetricDropThreshold is carried for accuracy validation only.
	MetricDropThreshold *float64
	// Transforms receives any input transformation the compiled artifact
	// requires. When nil the strategy allocates one and returns it.
	Transforms *transform.Pipeline
	Data       *dataset.Manager
	Device     Device
}

type Status uint8

const (
	StatusCompiled Status = iota + 1
	StatusNotApplicable
)

func (s Status) String() string {
	switch s {
	case StatusCompiled:
		return "compiled"
	case StatusNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

type Result struct {
	Status     Status
	Artifact   *Artifact
	Transforms *transform.Pipeline
	// Graph is the acquisition kind on the native path.
	Graph GraphKind
	// Simplification and Profile are set on the interchange path.
	Simplification *Simplification
	Profile        *profile.Profile
}

func (r Result) Applicable() bool { return r.Status == StatusCompiled }

func notApplicable() Result { return Result{Status: StatusNotApplicable} }

type ArtifactKind uint8

const (
	// KindModule is an in-memory compiled module.
	KindModule ArtifactKind = iota + 1
	// KindSerialized is a serialized engine blob.
	KindSerialized
)

func (k ArtifactKind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindSerialized:
		return "serialized"
	default:
		return "unknown"
	}
}

// Artifact is the normalized output of every strategy.
type Artifact struct {
	Kind       ArtifactKind
	Module     CompiledModule
	Engine     []byte
	SourcePath string
	Precision  quant.Precision
	Strategy   string
	// FixedShapes is set when the compiled graph came from tracing and only
	// accepts the shapes it was traced with.
	FixedShapes []tensor.Shape
}

// Accepts reports whether the artifact can run on inputs of the given shapes.
func (a *Artifact) Accepts(shapes []tensor.Shape) bool {
	if a.FixedShapes == nil {
		return true
	}
	if len(shapes) != len(a.FixedShapes) {
		return false
	}
	for i := range shapes {
		if !shapes[i].Equal(a.FixedShapes[i]) {
			return false
		}
	}
	return true
}

// Save writes the serialized form of the artifact.
func (a *Artifact) Save(w io.Writer) error {
	if a.Kind == KindSerialized {
		_, err := w.Write(a.Engine)
		return err
	}
	return a.Module.Save(w)
}

// Release frees the compiled module once the caller is done with it.
// Serialized artifacts hold nothing outside the process.
func (a *Artifact) Release(ctx context.Context) error {
	if a == nil {
		return nil
	}
	if r, ok := a.Module.(Releaser); ok {
		return r.Release(ctx)
	}
	return nil
}

// Releaser is implemented by handles whose objects live outside the
// process, such as graphs held by a helper.
type Releaser interface {
	Release(ctx context.Context) error
}

// Model is an in-memory network on the native path.
type Model interface {
	Name() string
	// Clone returns an independent deep copy.
	Clone() (Model, error)
	// Half casts floating point parameters to FP16 in place.
	Half() error
}

// CompiledModule is the handle a native toolchain returns.
type CompiledModule interface {
	Save(w io.Writer) error
}

// NativeToolchain compiles in-memory models. Script, Trace and Compile
// return new handles owned by the caller; those implementing Releaser are
// released when no longer needed.
type NativeToolchain interface {
	// Prepare moves the model to the primary accelerator in inference mode.
	Prepare(ctx context.Context, m Model) error
	Script(ctx context.Context, m Model) (Model, error)
	Trace(ctx context.Context, m Model, inputs []tensor.Tensor) (Model, error)
	Compile(ctx context.Context, m Model, spec NativeSpec) (CompiledModule, error)
}

// InputSpec declares one input of a native compilation.
type InputSpec struct {
	Name  string
	Shape tensor.Shape
	DType tensor.DType
}

type DeviceSpec struct {
	Type             Device
	GPUID            int
	DLACore          int
	AllowGPUFallback bool
}

// NativeSpec is the full settings record of a native compilation.
type NativeSpec struct {
	Inputs                []InputSpec
	EnabledPrecisions     []tensor.DType
	Calibrator            *calibration.Calibrator
	WorkspaceSize         int64
	Device                DeviceSpec
	DisableTF32           bool
	TruncateLongAndDouble bool
}

// PrimaryDeviceSpec targets GPU 0 with no DLA and no GPU fallback.
func PrimaryDeviceSpec() DeviceSpec {
	return DeviceSpec{Type: GPU, GPUID: 0, DLACore: 0, AllowGPUFallback: false}
}

type NetworkFlags uint32

// ExplicitBatch makes the batch dimension part of every tensor shape.
const ExplicitBatch NetworkFlags = 1 << 0

type MemoryPool uint8

const Workspace MemoryPool = iota

type BuilderFlag uint8

const (
	FlagFP16 BuilderFlag = iota
	FlagINT8
)

func (f BuilderFlag) String() string {
	switch f {
	case FlagFP16:
		return "fp16"
	case FlagINT8:
		return "int8"
	default:
		return "unknown"
	}
}

// Builder is the entry point of an interchange-format backend.
type Builder interface {
	CreateNetwork(flags NetworkFlags) (Network, error)
	CreateBuilderConfig() (BuilderConfig, error)
	CreateOptimizationProfile() (OptimizationProfile, error)
	NewParser(n Network) (Parser, error)
	BuildSerializedNetwork(ctx context.Context, n Network, cfg BuilderConfig) ([]byte, error)
}

// Network is the backend's graph under construction.
type Network interface {
	// InputNames lists network inputs in order. It is populated by parsing.
	InputNames() []string
}

type BuilderConfig interface {
	// SetMemoryPoolLimit returns ErrUnsupported on backends without pools.
	SetMemoryPoolLimit(pool MemoryPool, bytes int64) error
	SetFlag(f BuilderFlag) error
	SetInt8Calibrator(c *calibration.Calibrator) error
	AddOptimizationProfile(p OptimizationProfile) error
}

type OptimizationProfile interface {
	SetShape(input string, minShape, optShape, maxShape tensor.Shape) error
}

type Parser interface {
	// ParseFromFile reports whether the graph was accepted. A rejected graph
	// returns false with Errors holding diagnostics; err is reserved for
	// failures to run the parser at all.
	ParseFromFile(ctx context.Context, path string) (bool, error)
	Errors() []string
}

// Simplifier rewrites a graph file into an equivalent simpler one at dst.
type Simplifier interface {
	Simplify(ctx context.Context, src, dst string) error
}
