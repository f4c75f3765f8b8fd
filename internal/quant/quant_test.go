package quant

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/kiln/internal/tensor"
)

func TestNegotiate(t *testing.T) {
	t.Parallel()
	cases := map[Type]Precision{
		None:     PrecisionFP32,
		Half:     PrecisionFP16,
		Static:   PrecisionINT8,
		Type(42): PrecisionFP32,
	}
	for in, want := range cases {
		if got := Negotiate(in); got != want {
			t.Fatalf("Negotiate(%s): got %s want %s", in, got, want)
		}
	}
}

func TestEnabledPrecisions(t *testing.T) {
	t.Parallel()
	if diff := cmp.Diff([]tensor.DType{tensor.F32, tensor.F16}, EnabledPrecisions(PrecisionFP16)); diff != "" {
		t.Fatalf("fp16 set mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tensor.DType{tensor.F32, tensor.F16, tensor.I8}, EnabledPrecisions(PrecisionINT8)); diff != "" {
		t.Fatalf("int8 set mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]tensor.DType{tensor.F32}, EnabledPrecisions(PrecisionFP32)); diff != "" {
		t.Fatalf("fp32 set mismatch (-want +got):\n%s", diff)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Type{"": None, "NONE": None, "static": Static, "int8": Static, " half ": Half, "fp16": Half} {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q): got %s want %s", in, got, want)
		}
	}
	if _, err := Parse("dynamic"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestCheckThreshold(t *testing.T) {
	t.Parallel()
	ths := 0.1
	if err := CheckThreshold(None, nil); err != nil {
		t.Fatalf("none without threshold: %v", err)
	}
	if err := CheckThreshold(Half, &ths); err != nil {
		t.Fatalf("half with threshold: %v", err)
	}
	if err := CheckThreshold(None, &ths); !errors.Is(err, ErrThresholdMismatch) {
		t.Fatalf("expected mismatch for threshold without type, got %v", err)
	}
	if err := CheckThreshold(Static, nil); !errors.Is(err, ErrThresholdMismatch) {
		t.Fatalf("expected mismatch for type without threshold, got %v", err)
	}
}
