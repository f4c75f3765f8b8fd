package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kiln configuration file (~/.config/kiln/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Toolchain
	Toolchain        string   `yaml:"toolchain"`
	Trtexec          string   `yaml:"trtexec"`
	TrtexecLegacy    *bool    `yaml:"trtexec_legacy"`
	CalibrationCache string   `yaml:"calibration_cache"`
	Bridge           []string `yaml:"bridge"`
	Simplifier       string   `yaml:"simplifier"`
	StageDir         string   `yaml:"stage_dir"`
	WorkspaceMiB     *int64   `yaml:"workspace_mib"`

	// Output
	OutDir    string `yaml:"out_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	HistoryDB     string   `yaml:"history_db"`
	RatePerSecond *float64 `yaml:"rate_per_second"`
	Burst         *int     `yaml:"burst"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a
// malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the root logging flags
// when they were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyToolchainConfig applies config file defaults to toolchain flags.
func applyToolchainConfig(c *cli.Command, cfg Config) {
	if cfg.Toolchain != "" && !c.IsSet("toolchain") {
		toolchain = cfg.Toolchain
	}
	if cfg.Trtexec != "" && !c.IsSet("trtexec") {
		trtexecCommand = cfg.Trtexec
	}
	if cfg.TrtexecLegacy != nil && !c.IsSet("trtexec-legacy") {
		trtexecLegacy = *cfg.TrtexecLegacy
	}
	if cfg.CalibrationCache != "" && !c.IsSet("calibration-cache") {
		calibrationCache = cfg.CalibrationCache
	}
	if len(cfg.Bridge) > 0 && !c.IsSet("bridge") {
		bridgeArgv = cfg.Bridge
	}
	if cfg.Simplifier != "" && !c.IsSet("simplifier") {
		simplifierCommand = cfg.Simplifier
	}
	if cfg.StageDir != "" && !c.IsSet("stage-dir") {
		stageDir = cfg.StageDir
	}
	if cfg.WorkspaceMiB != nil && !c.IsSet("workspace-mib") {
		workspaceMiB = *cfg.WorkspaceMiB
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rps *float64, burst *int) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RatePerSecond != nil && !c.IsSet("rate") {
		*rps = *cfg.RatePerSecond
	}
	if cfg.Burst != nil && !c.IsSet("burst") {
		*burst = *cfg.Burst
	}
}
