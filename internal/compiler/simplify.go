package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// SimplifiedSuffix names the sibling file a simplification writes.
const SimplifiedSuffix = "_simplified"

var ErrNoSimplifier = errors.New("no simplifier configured")

// Simplification is the outcome of one simplification attempt. When Skipped
// is non-nil, Path is the original file and compilation proceeds from it.
type Simplification struct {
	Path    string
	Skipped error
}

func (s Simplification) Simplified() bool { return s.Skipped == nil }

func SimplifiedPath(src string) string { return src + SimplifiedSuffix }

// Simplify returns the simplified sibling of src, producing it first if it
// does not exist. A simplifier failure never fails the compilation; only a
// cancelled context is returned as an error.
func Simplify(ctx context.Context, simp Simplifier, src string) (Simplification, error) {
	if simp == nil {
		return Simplification{Path: src, Skipped: ErrNoSimplifier}, nil
	}
	dst := SimplifiedPath(src)
	if st, err := os.Stat(dst); err == nil && st.Mode().IsRegular() {
		return Simplification{Path: dst}, nil
	}

	err := backendDo("simplify", func() error { return simp.Simplify(ctx, src, dst) })
	if err == nil {
		if _, statErr := os.Stat(dst); statErr != nil {
			err = fmt.Errorf("simplifier produced no output: %w", statErr)
		}
	}
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Simplification{}, ctxErr
		}
		return Simplification{Path: src, Skipped: err}, nil
	}
	return Simplification{Path: dst}, nil
}
