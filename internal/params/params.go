// Package params describes the compilation target: batch size, per-input
// shapes and dtypes, and which dimensions may vary at run time.
package params

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kiln/internal/tensor"
)

// InputInfo describes one model input without its batch dimension.
type InputInfo struct {
	Size  []int        `yaml:"size" json:"size"`
	DType tensor.DType `yaml:"dtype" json:"dtype"`
	// MinSizes maps a full-tensor dimension index (batch is 0) to the smallest
	// size a dynamic dimension must accept.
	MinSizes map[int]int `yaml:"min_sizes,omitempty" json:"min_sizes,omitempty"`
}

// MinSize returns the declared lower bound for dim, or 1.
func (i InputInfo) MinSize(dim int) int {
	if v, ok := i.MinSizes[dim]; ok {
		return v
	}
	return 1
}

// DynamicInfo marks dynamic dimensions per input and output. Each map goes
// from full-tensor dimension index to a symbolic axis name.
type DynamicInfo struct {
	Inputs  []map[int]string `yaml:"inputs" json:"inputs"`
	Outputs []map[int]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// IsDynamic reports whether dimension dim of input idx is dynamic.
func (d *DynamicInfo) IsDynamic(idx, dim int) bool {
	if d == nil || idx < 0 || idx >= len(d.Inputs) {
		return false
	}
	_, ok := d.Inputs[idx][dim]
	return ok
}

type ModelParams struct {
	BatchSize   int          `yaml:"batch_size" json:"batch_size"`
	InputInfos  []InputInfo  `yaml:"input_infos" json:"input_infos"`
	OutputSizes [][]int      `yaml:"output_sizes,omitempty" json:"output_sizes,omitempty"`
	DynamicInfo *DynamicInfo `yaml:"dynamic_info,omitempty" json:"dynamic_info,omitempty"`
	// InputNames is optional; interchange-format builds take names from the
	// parsed network instead.
	InputNames []string `yaml:"input_names,omitempty" json:"input_names,omitempty"`
}

func (p *ModelParams) Validate() error {
	if p == nil {
		return errors.New("model params are required")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", p.BatchSize)
	}
	if len(p.InputInfos) == 0 {
		return errors.New("at least one input_info is required")
	}
	for i, info := range p.InputInfos {
		for j, d := range info.Size {
			if d <= 0 {
				return fmt.Errorf("input %d: size[%d] must be positive, got %d", i, j, d)
			}
		}
		if info.DType == tensor.Invalid {
			return fmt.Errorf("input %d: dtype is required", i)
		}
		for dim, v := range info.MinSizes {
			if dim < 1 || dim > len(info.Size) {
				return fmt.Errorf("input %d: min_sizes dimension %d out of range", i, dim)
			}
			if v <= 0 || v > info.Size[dim-1] {
				return fmt.Errorf("input %d: min size %d for dimension %d must be in [1, %d]", i, v, dim, info.Size[dim-1])
			}
		}
	}
	if p.DynamicInfo != nil {
		if len(p.DynamicInfo.Inputs) > len(p.InputInfos) {
			return fmt.Errorf("dynamic_info declares %d inputs but only %d input_infos", len(p.DynamicInfo.Inputs), len(p.InputInfos))
		}
		for i, dims := range p.DynamicInfo.Inputs {
			for dim := range dims {
				if dim < 0 || dim > len(p.InputInfos[i].Size) {
					return fmt.Errorf("dynamic_info input %d: dimension %d out of range", i, dim)
				}
			}
		}
	}
	if len(p.InputNames) > 0 && len(p.InputNames) != len(p.InputInfos) {
		return fmt.Errorf("input_names has %d entries, expected %d", len(p.InputNames), len(p.InputInfos))
	}
	return nil
}

// InputShape returns the full static shape of input idx, batch first.
func (p *ModelParams) InputShape(idx int) tensor.Shape {
	info := p.InputInfos[idx]
	return append(tensor.Shape{p.BatchSize}, info.Size...)
}

// Load reads model params from a .yaml/.yml or .json file and validates them.
func Load(path string) (*ModelParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p ModelParams
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &p)
	default:
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse model params %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("model params %s: %w", path, err)
	}
	return &p, nil
}
