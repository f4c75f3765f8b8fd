package onnx

import "github.com/samcharles93/kiln/internal/tensor"

// ElemType is the TensorProto.DataType enum.
type ElemType int32

const (
	ElemUndefined ElemType = iota
	ElemFloat
	ElemUint8
	ElemInt8
	ElemUint16
	ElemInt16
	ElemInt32
	ElemInt64
	ElemString
	ElemBool
	ElemFloat16
	ElemDouble
	ElemUint32
	ElemUint64
	ElemComplex64
	ElemComplex128
	ElemBFloat16
)

var elemNames = map[ElemType]string{
	ElemUndefined:  "undefined",
	ElemFloat:      "float32",
	ElemUint8:      "uint8",
	ElemInt8:       "int8",
	ElemUint16:     "uint16",
	ElemInt16:      "int16",
	ElemInt32:      "int32",
	ElemInt64:      "int64",
	ElemString:     "string",
	ElemBool:       "bool",
	ElemFloat16:    "float16",
	ElemDouble:     "float64",
	ElemUint32:     "uint32",
	ElemUint64:     "uint64",
	ElemComplex64:  "complex64",
	ElemComplex128: "complex128",
	ElemBFloat16:   "bfloat16",
}

func (e ElemType) String() string {
	if s, ok := elemNames[e]; ok {
		return s
	}
	return "unknown"
}

// DType maps the element type to a host tensor dtype, or tensor.Invalid when
// kiln cannot stage tensors of that type.
func (e ElemType) DType() tensor.DType {
	switch e {
	case ElemFloat:
		return tensor.F32
	case ElemFloat16:
		return tensor.F16
	case ElemBFloat16:
		return tensor.BF16
	case ElemDouble:
		return tensor.F64
	case ElemInt8:
		return tensor.I8
	case ElemUint8:
		return tensor.U8
	case ElemInt32:
		return tensor.I32
	case ElemInt64:
		return tensor.I64
	case ElemBool:
		return tensor.Bool
	default:
		return tensor.Invalid
	}
}
