// Package tensor holds the host-side tensors kiln hands to compiler backends:
// example inputs, calibration batches and their dtype conversions.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// Shape is a dense tensor shape, batch dimension first when present.
type Shape []int

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// NumElements returns the element count, rejecting empty shapes,
// non-positive dims and overflow.
func (s Shape) NumElements() (int, error) {
	if len(s) == 0 {
		return 0, errors.New("empty shape")
	}
	n := 1
	maxInt := int(^uint(0) >> 1)
	for _, d := range s {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > maxInt/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

// String renders the shape as 1x3x224x224.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// Tensor is a named, little-endian, row-major host tensor.
type Tensor struct {
	Name  string
	DType DType
	Shape Shape
	Data  []byte
}

// Zeros allocates a zero-filled tensor.
func Zeros(name string, dtype DType, shape Shape) (Tensor, error) {
	n, err := shape.NumElements()
	if err != nil {
		return Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if dtype.Size() == 0 {
		return Tensor{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, dtype)
	}
	return Tensor{Name: name, DType: dtype, Shape: shape.Clone(), Data: make([]byte, n*dtype.Size())}, nil
}

func (t Tensor) Validate() error {
	n, err := t.Shape.NumElements()
	if err != nil {
		return fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	if t.DType.Size() == 0 {
		return fmt.Errorf("tensor %s: unsupported dtype %s", t.Name, t.DType)
	}
	if len(t.Data) != n*t.DType.Size() {
		return fmt.Errorf("tensor %s: data size %d does not match %s %v", t.Name, len(t.Data), t.DType, t.Shape)
	}
	return nil
}

// NarrowInt64 converts I64 tensors to I32, truncating each value the way a
// C cast does. Other dtypes are returned unchanged.
func NarrowInt64(t Tensor) (Tensor, error) {
	if t.DType != I64 {
		return t, nil
	}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	n := len(t.Data) / 8
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		v := int64(binary.LittleEndian.Uint64(t.Data[i*8:]))
		binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(v)))
	}
	return Tensor{Name: t.Name, DType: I32, Shape: t.Shape.Clone(), Data: out}, nil
}

// ToHalf casts floating point tensors to F16. Integer and bool tensors are
// returned unchanged.
func ToHalf(t Tensor) (Tensor, error) {
	if !t.DType.IsFloat() || t.DType == F16 {
		return t, nil
	}
	vals, err := t.Float32s()
	if err != nil {
		return Tensor{}, err
	}
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return Tensor{Name: t.Name, DType: F16, Shape: t.Shape.Clone(), Data: out}, nil
}

// Float32s decodes a floating point tensor into float32 values.
func (t Tensor) Float32s() ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	raw := t.Data
	switch t.DType {
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case F64:
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %s: %s is not a float dtype", t.Name, t.DType)
	}
}

// FromFloat32s builds an F32 tensor.
func FromFloat32s(name string, shape Shape, vals []float32) (Tensor, error) {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	t := Tensor{Name: name, DType: F32, Shape: shape.Clone(), Data: out}
	return t, t.Validate()
}

// FromInt64s builds an I64 tensor.
func FromInt64s(name string, shape Shape, vals []int64) (Tensor, error) {
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	t := Tensor{Name: name, DType: I64, Shape: shape.Clone(), Data: out}
	return t, t.Validate()
}

// Int32s decodes an I32 tensor.
func (t Tensor) Int32s() ([]int32, error) {
	if t.DType != I32 {
		return nil, fmt.Errorf("tensor %s: want I32, got %s", t.Name, t.DType)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	out := make([]int32, len(t.Data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return out, nil
}

// Rows splits a tensor along its leading dimension.
func (t Tensor) Rows() ([]Tensor, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	n := t.Shape[0]
	stride := len(t.Data) / n
	rowShape := append(Shape{1}, t.Shape[1:]...)
	out := make([]Tensor, n)
	for i := 0; i < n; i++ {
		out[i] = Tensor{Name: t.Name, DType: t.DType, Shape: rowShape.Clone(), Data: t.Data[i*stride : (i+1)*stride]}
	}
	return out, nil
}

// ConcatRows joins tensors along the leading dimension. All parts must share
// name, dtype and trailing dimensions.
func ConcatRows(parts []Tensor) (Tensor, error) {
	if len(parts) == 0 {
		return Tensor{}, errors.New("concat: no tensors")
	}
	first := parts[0]
	if len(first.Shape) == 0 {
		return Tensor{}, fmt.Errorf("concat %s: scalar tensor", first.Name)
	}
	rows := 0
	size := 0
	for _, p := range parts {
		if p.DType != first.DType || len(p.Shape) != len(first.Shape) || !p.Shape[1:].Equal(first.Shape[1:]) {
			return Tensor{}, fmt.Errorf("concat %s: mismatched part %s %v", first.Name, p.DType, p.Shape)
		}
		rows += p.Shape[0]
		size += len(p.Data)
	}
	data := make([]byte, 0, size)
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	shape := append(Shape{rows}, first.Shape[1:]...)
	out := Tensor{Name: first.Name, DType: first.DType, Shape: shape, Data: data}
	return out, out.Validate()
}
