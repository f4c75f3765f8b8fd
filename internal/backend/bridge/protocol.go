// Package bridge talks to a compiler helper process over stdin/stdout. Each
// line is one JSON message; requests carry an id and the helper answers them
// in order. The helper owns every model and compiled module, kiln only holds
// opaque handles.
package bridge

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/tensor"
)

// ProtocolVersion is sent in the hello request. Helpers reject versions they
// do not speak.
const ProtocolVersion = 1

const (
	MethodHello   = "hello"
	MethodLoad    = "load"
	MethodClone   = "clone"
	MethodHalf    = "half"
	MethodPrepare = "prepare"
	MethodScript  = "script"
	MethodTrace   = "trace"
	MethodCompile = "compile"
	MethodSave    = "save"
	MethodRelease = "release"
	MethodParse   = "parse"
	MethodBuild   = "build"
)

type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// Error codes a helper may return.
const (
	CodeInternal      = "internal"
	CodeUnsupported   = "unsupported"
	CodeInvalidModel  = "invalid_model"
	CodeInvalidParams = "invalid_params"
)

// RemoteError is an error reported by the helper.
type RemoteError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("bridge %s: %s", e.Code, e.Message)
	if len(e.Diagnostics) > 0 {
		msg += " (" + strings.Join(e.Diagnostics, "; ") + ")"
	}
	return msg
}

// Is lets callers match helper errors against the compiler error kinds.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case compiler.ErrUnsupported:
		return e.Code == CodeUnsupported
	case compiler.ErrInvalidModel:
		return e.Code == CodeInvalidModel
	}
	return false
}

type HelloParams struct {
	Version int `json:"version"`
}

type HelloResult struct {
	Version int      `json:"version"`
	Name    string   `json:"name"`
	Methods []string `json:"methods,omitempty"`
}

// Handle names an object held by the helper.
type Handle string

type HandleParams struct {
	Handle Handle `json:"handle"`
}

type HandleResult struct {
	Handle Handle `json:"handle"`
	Name   string `json:"name,omitempty"`
}

type LoadParams struct {
	Path string `json:"path"`
}

// TraceParams points at a safetensors file holding the example inputs in
// model order.
type TraceParams struct {
	Handle     Handle   `json:"handle"`
	InputsPath string   `json:"inputs_path"`
	InputNames []string `json:"input_names"`
}

type InputSpec struct {
	Name  string       `json:"name"`
	Shape tensor.Shape `json:"shape"`
	DType tensor.DType `json:"dtype"`
}

type DeviceSpec struct {
	Type             string `json:"type"`
	GPUID            int    `json:"gpu_id"`
	DLACore          int    `json:"dla_core"`
	AllowGPUFallback bool   `json:"allow_gpu_fallback"`
}

// Calibration describes calibration batches staged on disk as
// batch_00000.safetensors, batch_00001.safetensors, ...
type Calibration struct {
	Dir       string `json:"dir"`
	Batches   int    `json:"batches"`
	BatchSize int    `json:"batch_size"`
	Algorithm string `json:"algorithm"`
	UseCache  bool   `json:"use_cache"`
	CachePath string `json:"cache_path"`
	Device    string `json:"device"`
}

type CompileParams struct {
	Handle                Handle         `json:"handle"`
	Inputs                []InputSpec    `json:"inputs"`
	EnabledPrecisions     []tensor.DType `json:"enabled_precisions"`
	Calibration           *Calibration   `json:"calibration,omitempty"`
	WorkspaceSize         int64          `json:"workspace_size"`
	Device                DeviceSpec     `json:"device"`
	DisableTF32           bool           `json:"disable_tf32"`
	TruncateLongAndDouble bool           `json:"truncate_long_and_double"`
}

type SaveParams struct {
	Handle Handle `json:"handle"`
	Path   string `json:"path"`
}

type ParseParams struct {
	Source string `json:"source"`
}

type ParseResult struct {
	OK          bool     `json:"ok"`
	InputNames  []string `json:"input_names"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

type ShapeRange struct {
	Name string       `json:"name"`
	Min  tensor.Shape `json:"min"`
	Opt  tensor.Shape `json:"opt"`
	Max  tensor.Shape `json:"max"`
}

type BuildParams struct {
	Source        string         `json:"source"`
	ExplicitBatch bool           `json:"explicit_batch"`
	WorkspaceSize int64          `json:"workspace_size,omitempty"`
	FP16          bool           `json:"fp16"`
	INT8          bool           `json:"int8"`
	Calibration   *Calibration   `json:"calibration,omitempty"`
	Profiles      [][]ShapeRange `json:"profiles,omitempty"`
	EnginePath    string         `json:"engine_path"`
}
