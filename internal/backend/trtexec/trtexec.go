// Package trtexec drives TensorRT's trtexec command line tool as an
// interchange-format builder. The session's network, config and profile are
// recorded in memory and rendered into a single trtexec invocation when the
// engine is built.
package trtexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/samcharles93/kiln/internal/calibration"
	"github.com/samcharles93/kiln/internal/compiler"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/onnx"
	"github.com/samcharles93/kiln/internal/tensor"
)

const DefaultCommand = "trtexec"

// ErrCalibratorUnsupported is returned when static quantization is requested
// without a precomputed calibration cache. trtexec cannot feed sample batches
// to a calibrator.
var ErrCalibratorUnsupported = errors.New("trtexec cannot run a data-driven calibrator without a calibration cache")

// Builder implements compiler.Builder. A Builder is single use: the strategy
// creates one per compilation.
type Builder struct {
	// Command is the trtexec binary, looked up on PATH when relative.
	Command string
	// CalibrationCache is a precomputed INT8 cache passed as --calib.
	CalibrationCache string
	// Legacy selects flags for trtexec releases without memory pools.
	Legacy    bool
	ExtraArgs []string
	Log       logger.Logger
}

// New returns a builder factory for compiler.InterchangeFormat.
func New(b Builder) func() (compiler.Builder, error) {
	return func() (compiler.Builder, error) {
		nb := b
		return &nb, nil
	}
}

type Network struct {
	source string
	model  *onnx.Model
}

func (n *Network) InputNames() []string {
	if n.model == nil {
		return nil
	}
	return n.model.InputNames()
}

type Config struct {
	legacy     bool
	workspace  int64
	fp16       bool
	int8       bool
	calibrator *calibration.Calibrator
	calibCache string
	profiles   []*Profile
}

type shapeRange struct {
	name          string
	min, opt, max tensor.Shape
}

type Profile struct {
	shapes []shapeRange
}

func (p *Profile) SetShape(input string, minShape, optShape, maxShape tensor.Shape) error {
	for i, s := range p.shapes {
		if s.name == input {
			p.shapes[i] = shapeRange{input, minShape.Clone(), optShape.Clone(), maxShape.Clone()}
			return nil
		}
	}
	p.shapes = append(p.shapes, shapeRange{input, minShape.Clone(), optShape.Clone(), maxShape.Clone()})
	return nil
}

func (c *Config) SetMemoryPoolLimit(pool compiler.MemoryPool, n int64) error {
	if c.legacy {
		return compiler.ErrUnsupported
	}
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
	if c.calibCache == "" {
		return ErrCalibratorUnsupported
	}
	c.calibrator = cal
	return nil
}

func (c *Config) AddOptimizationProfile(p compiler.OptimizationProfile) error {
	prof, ok := p.(*Profile)
	if !ok {
		return fmt.Errorf("foreign optimization profile %T", p)
	}
	if len(c.profiles) > 0 {
		return errors.New("trtexec supports a single optimization profile")
	}
	c.profiles = append(c.profiles, prof)
	return nil
}

type Parser struct {
	network *Network
	errs    []string
}

// ParseFromFile reads the graph signature and runs the model checks. trtexec
// itself parses the file again when building.
func (p *Parser) ParseFromFile(_ context.Context, path string) (bool, error) {
	p.errs = nil
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	m, err := onnx.Parse(data)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", path, err))
		return false, nil
	}
	if diags := m.Check(); len(diags) > 0 {
		p.errs = diags
		return false, nil
	}
	p.network.source = path
	p.network.model = m
	return true, nil
}

func (p *Parser) Errors() []string { return p.errs }

func (b *Builder) CreateNetwork(flags compiler.NetworkFlags) (compiler.Network, error) {
	if flags&compiler.ExplicitBatch == 0 {
		return nil, errors.New("trtexec builds explicit-batch networks only")
	}
	return &Network{}, nil
}

func (b *Builder) CreateBuilderConfig() (compiler.BuilderConfig, error) {
	return &Config{legacy: b.Legacy, calibCache: b.CalibrationCache}, nil
}

func (b *Builder) CreateOptimizationProfile() (compiler.OptimizationProfile, error) {
	return &Profile{}, nil
}

func (b *Builder) NewParser(n compiler.Network) (compiler.Parser, error) {
	network, ok := n.(*Network)
	if !ok {
		return nil, fmt.Errorf("foreign network %T", n)
	}
	return &Parser{network: network}, nil
}

// BuildSerializedNetwork runs trtexec and returns the saved engine.
func (b *Builder) BuildSerializedNetwork(ctx context.Context, n compiler.Network, cfg compiler.BuilderConfig) ([]byte, error) {
	network, ok := n.(*Network)
	if !ok || network.source == "" {
		return nil, errors.New("network has not been parsed")
	}
	config, ok := cfg.(*Config)
	if !ok {
		return nil, fmt.Errorf("foreign builder config %T", cfg)
	}

	command := b.Command
	if command == "" {
		command = DefaultCommand
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", command, err)
	}

	dir, err := os.MkdirTemp("", "kiln-trtexec-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	enginePath := filepath.Join(dir, "model.engine")

	args := b.Args(network, config, enginePath)
	log := b.logger()
	log.Debug("running trtexec", "command", path, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w\n%s", command, err, tail(out.String(), 20))
	}
	engine, err := os.ReadFile(enginePath)
	if err != nil {
		return nil, fmt.Errorf("%s produced no engine: %w", command, err)
	}
	return engine, nil
}

// Args renders the invocation for a parsed network and config.
func (b *Builder) Args(n *Network, c *Config, enginePath string) []string {
	args := []string{
		"--onnx=" + n.source,
		"--saveEngine=" + enginePath,
	}
	if c.workspace > 0 {
		args = append(args, fmt.Sprintf("--memPoolSize=workspace:%dM", c.workspace>>20))
	}
	if c.fp16 {
		args = append(args, "--fp16")
	}
	if c.int8 {
		args = append(args, "--int8")
		if c.calibrator != nil {
			args = append(args, "--calib="+c.calibCache)
		}
	}
	for _, p := range c.profiles {
		args = append(args,
			"--minShapes="+p.render(func(s shapeRange) tensor.Shape { return s.min }),
			"--optShapes="+p.render(func(s shapeRange) tensor.Shape { return s.opt }),
			"--maxShapes="+p.render(func(s shapeRange) tensor.Shape { return s.max }),
		)
	}
	if b.Legacy {
		args = append(args, "--buildOnly")
	} else {
		args = append(args, "--skipInference")
	}
	return append(args, b.ExtraArgs...)
}

func (p *Profile) render(pick func(shapeRange) tensor.Shape) string {
	parts := make([]string, len(p.shapes))
	for i, s := range p.shapes {
		parts[i] = s.name + ":" + pick(s).String()
	}
	return strings.Join(parts, ",")
}

func (b *Builder) logger() logger.Logger {
	if b.Log == nil {
		return logger.Discard()
	}
	return b.Log
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
