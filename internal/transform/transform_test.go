package transform

import (
	"testing"

	"github.com/samcharles93/kiln/internal/tensor"
)

func TestHalfPrecisionPipeline(t *testing.T) {
	t.Parallel()

	p := NewPipeline()
	p.Append(HalfPrecision{})

	x, _ := tensor.FromFloat32s("x", tensor.Shape{1, 2}, []float32{1, 2})
	ids, _ := tensor.FromInt64s("ids", tensor.Shape{1, 2}, []int64{3, 4})
	out, err := p.Apply([]tensor.Tensor{x, ids})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0].DType != tensor.F16 {
		t.Fatalf("float input not cast: %s", out[0].DType)
	}
	if out[1].DType != tensor.I64 {
		t.Fatalf("integer input changed: %s", out[1].DType)
	}
	if CountHalf(p) != 1 {
		t.Fatalf("CountHalf: got %d", CountHalf(p))
	}
}

func TestNilPipeline(t *testing.T) {
	t.Parallel()

	var p *Pipeline
	if p.Len() != 0 || len(p.Names()) != 0 {
		t.Fatalf("nil pipeline should be empty")
	}
	x, _ := tensor.FromFloat32s("x", tensor.Shape{1}, []float32{1})
	out, err := p.Apply([]tensor.Tensor{x})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0].DType != tensor.F32 {
		t.Fatalf("nil pipeline changed dtype")
	}
}
