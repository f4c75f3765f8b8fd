// Package dataset is the sample-data source handed to a compilation: named
// splits of representative inputs used for example tensors and calibration.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samcharles93/kiln/internal/safetensors"
	"github.com/samcharles93/kiln/internal/tensor"
)

const (
	TrainSplit = "train"
	TestSplit  = "test"
)

// QuantizationDataNum bounds how many samples feed a calibrator.
const QuantizationDataNum = 300

var ErrSplitNotFound = errors.New("dataset: split not found")

// Sample is one model invocation's inputs, in model input order. Every tensor
// carries its batch dimension first.
type Sample []tensor.Tensor

// BatchSize returns the leading dimension shared by the sample's tensors.
func (s Sample) BatchSize() int {
	if len(s) == 0 || len(s[0].Shape) == 0 {
		return 0
	}
	return s[0].Shape[0]
}

type Split struct {
	Name    string
	Samples []Sample
}

func (s *Split) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Samples)
}

// BatchSize is the batch dimension of the first sample.
func (s *Split) BatchSize() int {
	if s.Len() == 0 {
		return 0
	}
	return s.Samples[0].BatchSize()
}

// List returns at most n samples from the start of the split. n <= 0 means all.
func (s *Split) List(n int) []Sample {
	if s == nil {
		return nil
	}
	if n <= 0 || n > len(s.Samples) {
		n = len(s.Samples)
	}
	return s.Samples[:n]
}

// NumericArrays returns up to n samples as plain tensor lists, the bounded
// extraction used by builder-level calibrators.
func (s *Split) NumericArrays(n int) [][]tensor.Tensor {
	samples := s.List(n)
	out := make([][]tensor.Tensor, len(samples))
	for i, sample := range samples {
		out[i] = []tensor.Tensor(sample)
	}
	return out
}

// Manager groups splits. It is read-only once built.
type Manager struct {
	splits map[string]*Split
	order  []string
}

func NewManager(splits ...*Split) *Manager {
	m := &Manager{splits: make(map[string]*Split, len(splits))}
	for _, s := range splits {
		if _, ok := m.splits[s.Name]; !ok {
			m.order = append(m.order, s.Name)
		}
		m.splits[s.Name] = s
	}
	return m
}

// FromSamples wraps samples into a manager with a single train split.
func FromSamples(samples ...Sample) *Manager {
	return NewManager(&Split{Name: TrainSplit, Samples: samples})
}

func (m *Manager) Split(name string) (*Split, error) {
	if m == nil {
		return nil, ErrSplitNotFound
	}
	s, ok := m.splits[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSplitNotFound, name)
	}
	return s, nil
}

func (m *Manager) SplitNames() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.order...)
}

// List returns up to n samples across splits, train first.
func (m *Manager) List(n int) []Sample {
	if m == nil {
		return nil
	}
	names := m.order
	if _, ok := m.splits[TrainSplit]; ok {
		names = append([]string{TrainSplit}, without(m.order, TrainSplit)...)
	}
	var out []Sample
	for _, name := range names {
		for _, s := range m.splits[name].Samples {
			if n > 0 && len(out) >= n {
				return out
			}
			out = append(out, s)
		}
	}
	return out
}

// Load reads <dir>/<split>/*.safetensors, one file per sample. A directory
// without split subdirectories is read as a single train split.
func Load(dir string) (*Manager, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var splitDirs []string
	for _, e := range entries {
		if e.IsDir() {
			splitDirs = append(splitDirs, e.Name())
		}
	}
	sort.Strings(splitDirs)

	if len(splitDirs) == 0 {
		split, err := loadSplit(TrainSplit, dir)
		if err != nil {
			return nil, err
		}
		return NewManager(split), nil
	}

	splits := make([]*Split, 0, len(splitDirs))
	for _, name := range splitDirs {
		split, err := loadSplit(name, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if split.Len() > 0 {
			splits = append(splits, split)
		}
	}
	if len(splits) == 0 {
		return nil, fmt.Errorf("no .safetensors samples found under %s", dir)
	}
	return NewManager(splits...), nil
}

func loadSplit(name, dir string) (*Split, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".safetensors") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	split := &Split{Name: name, Samples: make([]Sample, 0, len(files))}
	for _, path := range files {
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, err
		}
		tensors, err := f.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", path, err)
		}
		sample := Sample(tensors)
		if len(split.Samples) > 0 && len(sample) != len(split.Samples[0]) {
			return nil, fmt.Errorf("sample %s: %d inputs, expected %d", path, len(sample), len(split.Samples[0]))
		}
		split.Samples = append(split.Samples, sample)
	}
	return split, nil
}

func without(names []string, drop string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}
