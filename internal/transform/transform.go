// Package transform holds the ordered input transformations applied to
// sample tensors before they reach a compiled model.
package transform

import (
	"fmt"
	"sync"

	"github.com/samcharles93/kiln/internal/tensor"
)

// Transformation rewrites one input tensor.
type Transformation interface {
	Name() string
	Apply(t tensor.Tensor) (tensor.Tensor, error)
}

// Pipeline is an ordered, append-only list of transformations. A nil
// *Pipeline is valid and applies nothing.
type Pipeline struct {
	mu    sync.Mutex
	steps []Transformation
}

func NewPipeline(steps ...Transformation) *Pipeline {
	return &Pipeline{steps: append([]Transformation(nil), steps...)}
}

func (p *Pipeline) Append(t Transformation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, t)
}

func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}

// Steps returns a copy of the transformations in order.
func (p *Pipeline) Steps() []Transformation {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Transformation(nil), p.steps...)
}

// Names lists step names in order.
func (p *Pipeline) Names() []string {
	steps := p.Steps()
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name()
	}
	return out
}

// Apply runs every step over every tensor.
func (p *Pipeline) Apply(in []tensor.Tensor) ([]tensor.Tensor, error) {
	steps := p.Steps()
	out := make([]tensor.Tensor, len(in))
	for i, t := range in {
		cur := t
		for _, s := range steps {
			next, err := s.Apply(cur)
			if err != nil {
				return nil, fmt.Errorf("transform %s on %s: %w", s.Name(), cur.Name, err)
			}
			cur = next
		}
		out[i] = cur
	}
	return out, nil
}

// HalfPrecision casts floating point inputs to F16 so they match an FP16
// engine. Integer inputs pass through.
type HalfPrecision struct{}

func (HalfPrecision) Name() string { return "half_precision" }

func (HalfPrecision) Apply(t tensor.Tensor) (tensor.Tensor, error) {
	return tensor.ToHalf(t)
}

// CountHalf returns how many HalfPrecision steps the pipeline holds.
func CountHalf(p *Pipeline) int {
	n := 0
	for _, s := range p.Steps() {
		if _, ok := s.(HalfPrecision); ok {
			n++
		}
	}
	return n
}
