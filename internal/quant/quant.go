// Package quant negotiates working precision from a requested quantization
// mode.
package quant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/kiln/internal/tensor"
)

// Type is the requested optimization. The zero value means no quantization.
type Type uint8

const (
	None Type = iota
	Static
	Half
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Static:
		return "static"
	case Half:
		return "half"
	default:
		return fmt.Sprintf("quant.Type(%d)", uint8(t))
	}
}

// Parse accepts none/static/half plus the common aliases int8 and fp16.
// An empty string is None.
func Parse(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "fp32":
		return None, nil
	case "static", "int8":
		return Static, nil
	case "half", "fp16":
		return Half, nil
	default:
		return None, fmt.Errorf("unknown quantization type %q (expected none, static, or half)", s)
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Precision is the working numeric precision of a compiled engine.
type Precision string

const (
	PrecisionFP32 Precision = "FP32"
	PrecisionFP16 Precision = "FP16"
	PrecisionINT8 Precision = "INT8"
)

// DType maps the precision to its tensor element type.
func (p Precision) DType() tensor.DType {
	switch p {
	case PrecisionFP16:
		return tensor.F16
	case PrecisionINT8:
		return tensor.I8
	default:
		return tensor.F32
	}
}

// Negotiate maps a quantization type to the working precision. Anything that
// is not Half or Static compiles at FP32.
func Negotiate(t Type) Precision {
	switch t {
	case Half:
		return PrecisionFP16
	case Static:
		return PrecisionINT8
	default:
		return PrecisionFP32
	}
}

// EnabledPrecisions is the kernel precision set a builder may choose from.
// Lower precisions always keep the wider ones enabled as fallbacks.
func EnabledPrecisions(p Precision) []tensor.DType {
	switch p {
	case PrecisionFP16:
		return []tensor.DType{tensor.F32, tensor.F16}
	case PrecisionINT8:
		return []tensor.DType{tensor.F32, tensor.F16, tensor.I8}
	default:
		return []tensor.DType{tensor.F32}
	}
}

var ErrThresholdMismatch = errors.New("quantization type and metric drop threshold must be given together")

// CheckThreshold requires a quantization type and an accuracy-drop threshold
// to be supplied together.
func CheckThreshold(t Type, threshold *float64) error {
	if t == None && threshold != nil {
		return fmt.Errorf("%w: threshold %g given without a quantization type", ErrThresholdMismatch, *threshold)
	}
	if t != None && threshold == nil {
		return fmt.Errorf("%w: %s quantization given without a threshold", ErrThresholdMismatch, t)
	}
	return nil
}
