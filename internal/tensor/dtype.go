package tensor

import (
	"fmt"
	"strings"
)

// DType is the element type of a tensor as seen by the compiler backends.
type DType uint8

const (
	Invalid DType = iota
	F32
	F16
	BF16
	F64
	I8
	U8
	I32
	I64
	Bool
)

var dtypeNames = [...]string{
	Invalid: "INVALID",
	F32:     "F32",
	F16:     "F16",
	BF16:    "BF16",
	F64:     "F64",
	I8:      "I8",
	U8:      "U8",
	I32:     "I32",
	I64:     "I64",
	Bool:    "BOOL",
}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("DType(%d)", uint8(d))
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F64, I64:
		return 8
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case I8, U8, Bool:
		return 1
	default:
		return 0
	}
}

func (d DType) IsFloat() bool {
	switch d {
	case F32, F16, BF16, F64:
		return true
	default:
		return false
	}
}

// ParseDType accepts safetensors names (F32, I64), numpy/torch names
// (float32, int64) and the short precision aliases (fp16, half).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "float", "fp32":
		return F32, nil
	case "f16", "float16", "half", "fp16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f64", "float64", "double":
		return F64, nil
	case "i8", "int8":
		return I8, nil
	case "u8", "uint8":
		return U8, nil
	case "i32", "int32", "int":
		return I32, nil
	case "i64", "int64", "long":
		return I64, nil
	case "bool":
		return Bool, nil
	default:
		return Invalid, fmt.Errorf("unknown dtype %q", s)
	}
}

func (d DType) MarshalText() ([]byte, error) {
	if d == Invalid {
		return nil, fmt.Errorf("cannot marshal invalid dtype")
	}
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	parsed, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
