package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/kiln/internal/tensor"
)

func resnet() *Model {
	return &Model{
		IRVersion:    8,
		ProducerName: "pytorch",
		Opsets:       []Opset{{Version: 17}},
		GraphName:    "main_graph",
		Inputs: []ValueInfo{{
			Name:     "images",
			ElemType: ElemFloat,
			Dims:     []Dim{{Param: "batch"}, {Value: 3}, {Value: 224}, {Value: 224}},
		}},
		Outputs: []ValueInfo{{
			Name:     "logits",
			ElemType: ElemFloat,
			Dims:     []Dim{{Param: "batch"}, {Value: 1000}},
		}},
		OpTypes: map[string]int{"Conv": 2, "Relu": 1},
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	want := resnet()
	got, err := Parse(Marshal(want, "conv1.weight", "conv1.bias"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want.Initializers = 2
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("model mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"images"}, got.InputNames()); diff != "" {
		t.Fatalf("initializers should not be runtime inputs (-want +got):\n%s", diff)
	}
	if diags := got.Check(); len(diags) != 0 {
		t.Fatalf("unexpected diagnostics %v", diags)
	}
}

func TestValueInfoShape(t *testing.T) {
	t.Parallel()

	in := resnet().Inputs[0]
	if _, ok := in.Static(); ok {
		t.Fatalf("dynamic batch reported as static")
	}
	if got := in.ShapeString(); got != "[batch,3,224,224]" {
		t.Fatalf("shape string = %s", got)
	}
	fixed := ValueInfo{Dims: []Dim{{Value: 1}, {Value: 8}}}
	shape, ok := fixed.Static()
	if !ok || !cmp.Equal(shape, []int{1, 8}) {
		t.Fatalf("static = %v, %v", shape, ok)
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	for name, data := range map[string][]byte{
		"truncated": Marshal(resnet())[:20],
		"no graph":  {0x08, 0x08},
		"garbage":   {0xff, 0xff, 0xff},
	} {
		if _, err := Parse(data); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestCheckReportsProblems(t *testing.T) {
	t.Parallel()

	m := resnet()
	m.OpTypes = map[string]int{}
	m.Inputs = append(m.Inputs, ValueInfo{Name: "images"}, ValueInfo{})
	diags := m.Check()
	if len(diags) != 5 {
		t.Fatalf("expected 5 diagnostics, got %d: %v", len(diags), diags)
	}
}

func TestElemTypeDType(t *testing.T) {
	t.Parallel()

	cases := map[ElemType]tensor.DType{
		ElemFloat:   tensor.F32,
		ElemFloat16: tensor.F16,
		ElemInt64:   tensor.I64,
		ElemInt8:    tensor.I8,
		ElemString:  tensor.Invalid,
	}
	for e, want := range cases {
		if got := e.DType(); got != want {
			t.Fatalf("%s.DType() = %s, want %s", e, got, want)
		}
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(path, Marshal(resnet()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.ProducerName != "pytorch" {
		t.Fatalf("producer = %q", m.ProducerName)
	}
}
