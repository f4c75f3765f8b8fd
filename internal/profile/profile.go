// Package profile derives the per-input shape ranges a compiled engine must
// accept when some dimensions are dynamic.
//
// The range is one-sided: the optimal and maximum shapes are always the
// configured static shape, only the minimum shrinks. Backends tune for the
// optimal shape and merely tolerate smaller inputs down to the minimum.
package profile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/tensor"
)

var ErrNoDynamicInfo = errors.New("profile: model params carry no dynamic info")

// Entry is the (min, opt, max) shape triple for one named input.
type Entry struct {
	Name string       `json:"name"`
	Min  tensor.Shape `json:"min"`
	Opt  tensor.Shape `json:"opt"`
	Max  tensor.Shape `json:"max"`
}

// Profile aggregates the triples of every dynamic-shaped input.
type Profile struct {
	Entries []Entry `json:"entries"`
}

func (p Profile) Lookup(name string) (Entry, bool) {
	for _, e := range p.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Triple computes the shape range of input idx.
func Triple(p *params.ModelParams, idx int) (minShape, optShape, maxShape tensor.Shape) {
	info := p.InputInfos[idx]

	minBatch := p.BatchSize
	if p.DynamicInfo.IsDynamic(idx, 0) {
		minBatch = min(p.BatchSize, 1)
	}
	minShape = make(tensor.Shape, 0, len(info.Size)+1)
	minShape = append(minShape, minBatch)
	for i, size := range info.Size {
		dim := i + 1
		if p.DynamicInfo.IsDynamic(idx, dim) {
			minShape = append(minShape, info.MinSize(dim))
		} else {
			minShape = append(minShape, size)
		}
	}
	optShape = p.InputShape(idx)
	maxShape = p.InputShape(idx)
	return minShape, optShape, maxShape
}

// Build pairs the network's ordered input names with the declared dynamic
// inputs and their infos. Pairing stops at the shortest of the three lists.
func Build(p *params.ModelParams, names []string) (Profile, error) {
	if p == nil || p.DynamicInfo == nil {
		return Profile{}, ErrNoDynamicInfo
	}
	n := min(len(names), len(p.DynamicInfo.Inputs), len(p.InputInfos))
	out := Profile{Entries: make([]Entry, 0, n)}
	for i := 0; i < n; i++ {
		lo, opt, hi := Triple(p, i)
		out.Entries = append(out.Entries, Entry{Name: names[i], Min: lo, Opt: opt, Max: hi})
	}
	return out, nil
}

// Names picks input names for a profile when no network is available:
// declared input_names, else input_0, input_1, ...
func Names(p *params.ModelParams) []string {
	if len(p.InputNames) > 0 {
		return append([]string(nil), p.InputNames...)
	}
	out := make([]string, len(p.InputInfos))
	for i := range out {
		out[i] = fmt.Sprintf("input_%d", i)
	}
	return out
}

// String renders one line per entry: name min=.. opt=.. max=..
func (p Profile) String() string {
	var sb strings.Builder
	for _, e := range p.Entries {
		fmt.Fprintf(&sb, "%s min=%s opt=%s max=%s\n", e.Name, e.Min, e.Opt, e.Max)
	}
	return sb.String()
}
