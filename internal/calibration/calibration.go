// Package calibration adapts sample data into the calibrator a backend needs
// for static INT8 quantization, and owns the transient calibration cache.
package calibration

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/samcharles93/kiln/internal/dataset"
	"github.com/samcharles93/kiln/internal/tensor"
)

const (
	// DefaultCachePath is where backends write calibration statistics. It is
	// relative to the working directory and shared by every compilation in
	// the process.
	DefaultCachePath = "calibration.cache"

	// PrimaryDevice pins calibration to the first accelerator.
	PrimaryDevice = "cuda:0"
)

// Algorithm selects the backend's calibration statistic.
type Algorithm string

const (
	Entropy2 Algorithm = "entropy_calibration_2"
	Entropy  Algorithm = "entropy_calibration"
	MinMax   Algorithm = "minmax_calibration"
	Legacy   Algorithm = "legacy_calibration"
)

var ErrNoSamples = errors.New("calibration: no samples")

// Loader yields batches in sample order from a single goroutine. Samples are
// split into rows along the batch dimension and regrouped to BatchSize rows,
// so a short final batch is possible. Int64 tensors are narrowed to int32.
type Loader struct {
	batchSize int
	rows      [][]tensor.Tensor
	pos       int
}

func NewLoader(samples []dataset.Sample, batchSize int) (*Loader, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if batchSize <= 0 {
		batchSize = samples[0].BatchSize()
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("calibration: invalid batch size %d", batchSize)
	}

	width := len(samples[0])
	var rows [][]tensor.Tensor
	for i, s := range samples {
		if len(s) != width {
			return nil, fmt.Errorf("calibration: sample %d has %d inputs, expected %d", i, len(s), width)
		}
		perInput := make([][]tensor.Tensor, width)
		for j, t := range s {
			t, err := tensor.NarrowInt64(t)
			if err != nil {
				return nil, fmt.Errorf("calibration: sample %d: %w", i, err)
			}
			r, err := t.Rows()
			if err != nil {
				return nil, fmt.Errorf("calibration: sample %d: %w", i, err)
			}
			if j > 0 && len(r) != len(perInput[0]) {
				return nil, fmt.Errorf("calibration: sample %d: inputs disagree on batch size", i)
			}
			perInput[j] = r
		}
		for k := range perInput[0] {
			row := make([]tensor.Tensor, width)
			for j := range perInput {
				row[j] = perInput[j][k]
			}
			rows = append(rows, row)
		}
	}
	return &Loader{batchSize: batchSize, rows: rows}, nil
}

func (l *Loader) BatchSize() int { return l.batchSize }

// Len is the number of batches a full pass yields.
func (l *Loader) Len() int {
	return (len(l.rows) + l.batchSize - 1) / l.batchSize
}

// Next returns the next batch, or ok=false once the pass is exhausted.
func (l *Loader) Next() (batch []tensor.Tensor, ok bool, err error) {
	if l.pos >= len(l.rows) {
		return nil, false, nil
	}
	end := min(l.pos+l.batchSize, len(l.rows))
	chunk := l.rows[l.pos:end]
	l.pos = end

	width := len(chunk[0])
	batch = make([]tensor.Tensor, width)
	for j := 0; j < width; j++ {
		parts := make([]tensor.Tensor, len(chunk))
		for k := range chunk {
			parts[k] = chunk[k][j]
		}
		batch[j], err = tensor.ConcatRows(parts)
		if err != nil {
			return nil, false, err
		}
	}
	return batch, true, nil
}

func (l *Loader) Reset() { l.pos = 0 }

// All resets the loader and drains one full pass.
func (l *Loader) All() ([][]tensor.Tensor, error) {
	l.Reset()
	defer l.Reset()
	var out [][]tensor.Tensor
	for {
		b, ok, err := l.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, b)
	}
}

// Calibrator is the backend-neutral calibration request attached to a
// compilation.
type Calibrator struct {
	Loader    *Loader
	UseCache  bool
	Algorithm Algorithm
	Device    string
	CachePath string
}

// ForSplit builds the calibrator used by the native-graph path: the split's
// own batch size, no shuffling, a fresh cache every run, entropy calibration
// on the primary device.
func ForSplit(split *dataset.Split) (*Calibrator, error) {
	if split.Len() == 0 {
		return nil, fmt.Errorf("%w in split %q", ErrNoSamples, split.Name)
	}
	loader, err := NewLoader(split.Samples, split.BatchSize())
	if err != nil {
		return nil, err
	}
	return newCalibrator(loader), nil
}

// ForArrays builds the builder-level calibrator used by the interchange path
// from a bounded list of samples, batched to the model batch size.
func ForArrays(arrays [][]tensor.Tensor, batchSize int) (*Calibrator, error) {
	samples := make([]dataset.Sample, len(arrays))
	for i, a := range arrays {
		samples[i] = dataset.Sample(a)
	}
	loader, err := NewLoader(samples, batchSize)
	if err != nil {
		return nil, err
	}
	return newCalibrator(loader), nil
}

func newCalibrator(loader *Loader) *Calibrator {
	return &Calibrator{
		Loader:    loader,
		UseCache:  false,
		Algorithm: Entropy2,
		Device:    PrimaryDevice,
		CachePath: DefaultCachePath,
	}
}

// Scope owns the calibration cache file for one compilation. Release removes
// the file if it exists and is safe to call more than once.
type Scope struct {
	path string
	once sync.Once
	err  error
}

func Guard(path string) *Scope {
	if path == "" {
		path = DefaultCachePath
	}
	return &Scope{path: path}
}

func (s *Scope) Path() string { return s.path }

func (s *Scope) Release() error {
	s.once.Do(func() {
		err := os.Remove(s.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.err = fmt.Errorf("remove calibration cache %s: %w", s.path, err)
		}
	})
	return s.err
}
