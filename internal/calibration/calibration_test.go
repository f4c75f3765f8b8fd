package calibration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/tensor"
)

func sample(t *testing.T, rows int, start float32) dataset.Sample {
	t.Helper()
	vals := make([]float32, rows*2)
	for i := range vals {
		vals[i] = start + float32(i)
	}
	x, err := tensor.FromFloat32s("x", tensor.Shape{rows, 2}, vals)
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	ids := make([]int64, rows)
	for i := range ids {
		ids[i] = int64(start) + int64(i)
	}
	y, err := tensor.FromInt64s("ids", tensor.Shape{rows, 1}, ids)
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	return dataset.Sample{x, y}
}

func TestLoaderRebatchesInOrder(t *testing.T) {
	t.Parallel()

	l, err := NewLoader([]dataset.Sample{sample(t, 2, 0), sample(t, 1, 100)}, 2)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("Len: got %d want 2", l.Len())
	}
	batches, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("got %d batches", len(batches))
	}
	if !batches[0][0].Shape.Equal(tensor.Shape{2, 2}) || !batches[1][0].Shape.Equal(tensor.Shape{1, 2}) {
		t.Fatalf("unexpected shapes: %v %v", batches[0][0].Shape, batches[1][0].Shape)
	}
	vals, err := batches[1][0].Float32s()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vals[0] != 100 {
		t.Fatalf("loader shuffled rows: %v", vals)
	}
	for i, b := range batches {
		if b[1].DType != tensor.I32 {
			t.Fatalf("batch %d: int64 input reached the backend as %s", i, b[1].DType)
		}
	}
	ids, err := batches[1][1].Int32s()
	if err != nil {
		t.Fatalf("decode ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != 100 {
		t.Fatalf("narrowed ids = %v, want [100]", ids)
	}
}

func TestForSplitDefaults(t *testing.T) {
	t.Parallel()

	c, err := ForSplit(&dataset.Split{Name: dataset.TrainSplit, Samples: []dataset.Sample{sample(t, 4, 0)}})
	if err != nil {
		t.Fatalf("ForSplit: %v", err)
	}
	if c.UseCache {
		t.Fatalf("calibrator must not reuse caches")
	}
	if c.Algorithm != Entropy2 || c.Device != PrimaryDevice || c.CachePath != DefaultCachePath {
		t.Fatalf("unexpected calibrator: %+v", c)
	}
	if c.Loader.BatchSize() != 4 {
		t.Fatalf("batch size: got %d want 4", c.Loader.BatchSize())
	}
}

func TestForSplitEmpty(t *testing.T) {
	t.Parallel()

	_, err := ForSplit(&dataset.Split{Name: dataset.TrainSplit})
	if !errors.Is(err, ErrNoSamples) {
		t.Fatalf("expected ErrNoSamples, got %v", err)
	}
}

func TestGuardRemovesCache(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), DefaultCachePath)
	if err := os.WriteFile(path, []byte("stats"), 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}
	g := Guard(path)
	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cache still present: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestGuardMissingFileIsFine(t *testing.T) {
	t.Parallel()

	g := Guard(filepath.Join(t.TempDir(), "absent.cache"))
	if err := g.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
