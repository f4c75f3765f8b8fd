package compiler

import (
	"context"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/tensor"
)

type GraphKind uint8

const (
	// Scripted graphs are compiled from model structure and accept any
	// shape within the compiled ranges.
	Scripted GraphKind = iota + 1
	// Traced graphs are recorded from one run on exemplar inputs and are
	// only valid for those shapes.
	Traced
)

func (k GraphKind) String() string {
	switch k {
	case Scripted:
		return "scripted"
	case Traced:
		return "traced"
	default:
		return "none"
	}
}

// Graph is the compilable form of a native model.
type Graph struct {
	Kind           GraphKind
	Module         Model
	ExemplarShapes []tensor.Shape
}

// acquireGraph scripts the model and falls back to tracing it with inputs
// when scripting fails for any reason.
func acquireGraph(ctx context.Context, tc NativeToolchain, m Model, inputs []tensor.Tensor, log logger.Logger) (Graph, error) {
	scripted, err := backendCall("script", func() (Model, error) {
		return tc.Script(ctx, m)
	})
	if err == nil {
		return Graph{Kind: Scripted, Module: scripted}, nil
	}
	log.Debug("scripting failed, tracing instead", "model", m.Name(), "error", err)

	traced, err := backendCall("trace", func() (Model, error) {
		return tc.Trace(ctx, m, inputs)
	})
	if err != nil {
		return Graph{}, err
	}
	shapes := make([]tensor.Shape, len(inputs))
	for i, in := range inputs {
		shapes[i] = in.Shape.Clone()
	}
	return Graph{Kind: Traced, Module: traced, ExemplarShapes: shapes}, nil
}
