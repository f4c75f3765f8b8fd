package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Builder implements compiler.Builder by recording the session locally and
// sending it to the helper as one build request.
type Builder struct {
	Client   *Client
	StageDir string
}

// New returns a builder factory for compiler.InterchangeFormat.
func New(client *Client, stageDir string) func() (compiler.Builder, error) {
	return func() (compiler.Builder, error) {
		if methods := client.Info().Methods; len(methods) > 0 && !slices.Contains(methods, MethodBuild) {
			return nil, fmt.Errorf("helper %s cannot build engines", client.Info().Name)
		}
		return &Builder{Client: client, StageDir: stageDir}, nil
	}
}

type Network struct {
	source string
	inputs []string
}

func (n *Network) InputNames() []string { return n.inputs }

type Config struct {
	workspace  int64
	fp16       bool
	int8       bool
	calibrator *calibration.Calibrator
	profiles   []*Profile
}

func (c *Config) SetMemoryPoolLimit(pool compiler.MemoryPool, n int64) error {
	if pool != compiler.Workspace {
		return fmt.Errorf("unknown memory pool %d", pool)
	}
	c.workspace = n
	return nil
}

func (c *Config) SetFlag(f compiler.BuilderFlag) error {
	switch f {
	case compiler.FlagFP16:
		c.fp16 = true
	case compiler.FlagINT8:
		c.int8 = true
	default:
		return fmt.Errorf("unknown builder flag %d", f)
	}
	return nil
}

func (c *Config) SetInt8Calibrator(cal *calibration.Calibrator) error {
	c.calibrator = cal
	return nil
}

func (c *Config) AddOptimizationProfile(p compiler.OptimizationProfile) error {
	prof, ok := p.(*Profile)
	if !ok {
		return fmt.Errorf("foreign optimization profile %T", p)
	}
	c.profiles = append(c.profiles, prof)
	return nil
}

type Profile struct {
	shapes []ShapeRange
}

func (p *Profile) SetShape(input string, minShape, optShape, maxShape tensor.Shape) error {
	r := ShapeRange{Name: input, Min: minShape.Clone(), Opt: optShape.Clone(), Max: maxShape.Clone()}
	for i, s := range p.shapes {
		if s.Name == input {
			p.shapes[i] = r
			return nil
		}
	}
	p.shapes = append(p.shapes, r)
	return nil
}

type Parser struct {
	client  *Client
	network *Network
	errs    []string
}

// ParseFromFile treats a helper error carrying diagnostics as a rejected
// graph. Any other call failure is returned as is.
func (p *Parser) ParseFromFile(ctx context.Context, path string) (bool, error) {
	p.errs = nil
	var res ParseResult
	if err := p.client.Call(ctx, MethodParse, ParseParams{Source: absPath(path)}, &res); err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && len(remote.Diagnostics) > 0 {
			p.errs = remote.Diagnostics
			return false, nil
		}
		return false, err
	}
	if !res.OK {
		p.errs = res.Diagnostics
		if len(p.errs) == 0 {
			p.errs = []string{"helper rejected the model without diagnostics"}
		}
		return false, nil
	}
	p.network.source = absPath(path)
	p.network.inputs = res.InputNames
	return true, nil
}

func (p *Parser) Errors() []string { return p.errs }

func (b *Builder) CreateNetwork(flags compiler.NetworkFlags) (compiler.Network, error) {
	if flags&compiler.ExplicitBatch == 0 {
		return nil, errors.New("bridge builds explicit-batch networks only")
	}
	return &Network{}, nil
}

func (b *Builder) CreateBuilderConfig() (compiler.BuilderConfig, error) {
	return &Config{}, nil
}

func (b *Builder) CreateOptimizationProfile() (compiler.OptimizationProfile, error) {
	return &Profile{}, nil
}

func (b *Builder) NewParser(n compiler.Network) (compiler.Parser, error) {
	network, ok := n.(*Network)
	if !ok {
		return nil, fmt.Errorf("foreign network %T", n)
	}
	return &Parser{client: b.Client, network: network}, nil
}

func (b *Builder) BuildSerializedNetwork(ctx context.Context, n compiler.Network, cfg compiler.BuilderConfig) ([]byte, error) {
	network, ok := n.(*Network)
	if !ok || network.source == "" {
		return nil, errors.New("network has not been parsed")
	}
	config, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("foreign builder config %T", cfg)
	}

	st, err := newStage(b.StageDir)
	if err != nil {
		return nil, err
	}
	defer st.Remove()

	calib, err := st.writeCalibration(config.calibrator)
	if err != nil {
		return nil, err
	}
	params := BuildParams{
		Source:        network.source,
		ExplicitBatch: true,
		WorkspaceSize: config.workspace,
		FP16:          config.fp16,
		INT8:          config.int8,
		Calibration:   calib,
		EnginePath:    st.path("model.engine"),
	}
	for _, p := range config.profiles {
		params.Profiles = append(params.Profiles, p.shapes)
	}
	if err := b.Client.Call(ctx, MethodBuild, params, nil); err != nil {
		return nil, err
	}
	engine, err := os.ReadFile(params.EnginePath)
	if err != nil {
		return nil, fmt.Errorf("helper produced no engine: %w", err)
	}
	return engine, nil
}
