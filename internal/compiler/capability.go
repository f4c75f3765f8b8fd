package compiler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/kiln/internal/quant"
)

// Device is the class of hardware a compilation targets.
type Device string

const (
	CPU Device = "cpu"
	GPU Device = "gpu"
)

// ParseDevice normalizes device names. cuda and cuda:0 select GPU; an empty
// name defaults to GPU. Builds always run on the primary accelerator, so any
// other device index is rejected.
func ParseDevice(name string) (Device, error) {
	d := strings.ToLower(strings.TrimSpace(name))
	if idx, ok := strings.CutPrefix(d, "cuda:"); ok {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: bad device index in %q", ErrInvalidArgument, name)
		}
		if n != 0 {
			return "", fmt.Errorf("%w: device %q: builds run on cuda:0 only", ErrInvalidArgument, name)
		}
		return GPU, nil
	}
	switch {
	case d == "", d == "gpu", d == "cuda":
		return GPU, nil
	case d == "cpu":
		return CPU, nil
	default:
		return "", fmt.Errorf("%w: unknown device %q (expected cpu or gpu)", ErrInvalidArgument, name)
	}
}

// SupportTable lists, per device, the quantization modes a strategy accepts.
// quant.None stands for an unquantized build and must be listed explicitly.
type SupportTable map[Device][]quant.Type

func (t SupportTable) Supports(d Device, q quant.Type) bool {
	return slices.Contains(t[d], q)
}

// Pairs lists every supported (device, quantization) pair, CPU first.
func (t SupportTable) Pairs() []Capability {
	var out []Capability
	for _, d := range []Device{CPU, GPU} {
		for _, q := range t[d] {
			out = append(out, Capability{Device: d, Quantization: q})
		}
	}
	return out
}

// Capability is one supported (device, quantization) pair.
type Capability struct {
	Device       Device     `json:"device"`
	Quantization quant.Type `json:"quantization"`
}

// TensorRTSupport is the table shared by both TensorRT entry paths: GPU only.
var TensorRTSupport = SupportTable{
	CPU: {},
	GPU: {quant.None, quant.Static, quant.Half},
}

// Supported is the gate every Execute runs before doing any work.
func Supported(t SupportTable, d Device, q quant.Type) bool {
	return t.Supports(d, q)
}
