package bridge

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/safetensors"
	"github.com/samcharles93/kiln/internal/tensor"
)

// stage is a per-request scratch directory shared with the helper.
type stage struct {
	dir string
}

func newStage(root string) (*stage, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "kiln-bridge-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &stage{dir: dir}, nil
}

func (s *stage) path(name string) string { return filepath.Join(s.dir, name) }

func (s *stage) Remove() error { return os.RemoveAll(s.dir) }

// writeTensors stores tensors as one safetensors file, naming them with names
// where given.
func (s *stage) writeTensors(file string, ts []tensor.Tensor, names []string) (string, error) {
	out := make([]tensor.Tensor, len(ts))
	for i, t := range ts {
		out[i] = t
		if i < len(names) && names[i] != "" {
			out[i].Name = names[i]
		}
		if out[i].Name == "" {
			out[i].Name = fmt.Sprintf("input_%d", i)
		}
	}
	path := s.path(file)
	if err := safetensors.Write(path, out, nil); err != nil {
		return "", err
	}
	return path, nil
}

// writeCalibration drains the calibrator's loader into batch files.
func (s *stage) writeCalibration(c *calibration.Calibrator) (*Calibration, error) {
	if c == nil {
		return nil, nil
	}
	batches, err := c.Loader.All()
	if err != nil {
		return nil, fmt.Errorf("stage calibration batches: %w", err)
	}
	dir := s.path("calibration")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	for i, batch := range batches {
		path := filepath.Join(dir, fmt.Sprintf("batch_%05d.safetensors", i))
		if err := safetensors.Write(path, batch, nil); err != nil {
			return nil, fmt.Errorf("stage calibration batch %d: %w", i, err)
		}
	}
	return &Calibration{
		Dir:       dir,
		Batches:   len(batches),
		BatchSize: c.Loader.BatchSize(),
		Algorithm: string(c.Algorithm),
		UseCache:  c.UseCache,
		CachePath: absPath(c.CachePath),
		Device:    c.Device,
	}, nil
}

// absPath resolves relative cache paths against kiln's working directory,
// since the helper may run elsewhere.
func absPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
