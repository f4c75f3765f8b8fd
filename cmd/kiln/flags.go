package main

import (
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/logger"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	toolchain        string
	trtexecCommand   string
	trtexecLegacy    bool
	calibrationCache string
	bridgeCommand    string
	// bridgeArgv comes from the config file, which keeps argv unsplit.
	bridgeArgv        []string
	simplifierCommand string
	stageDir          string
	workspaceMiB      int64
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func toolchainFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "toolchain",
			Usage:       "compiler toolchain (auto, trtexec, bridge)",
			Value:       backend.Auto,
			Destination: &toolchain,
		},
		&cli.StringFlag{
			Name:        "trtexec",
			Usage:       "trtexec executable",
			Destination: &trtexecCommand,
		},
		&cli.BoolFlag{
			Name:        "trtexec-legacy",
			Usage:       "target a trtexec without --memPoolSize",
			Destination: &trtexecLegacy,
		},
		&cli.StringFlag{
			Name:        "calibration-cache",
			Usage:       "existing INT8 calibration cache for trtexec",
			Destination: &calibrationCache,
		},
		&cli.StringFlag{
			Name:        "bridge",
			Usage:       "bridge helper command line",
			Destination: &bridgeCommand,
		},
		&cli.StringFlag{
			Name:        "simplifier",
			Usage:       "graph simplifier command (none disables)",
			Destination: &simplifierCommand,
		},
		&cli.StringFlag{
			Name:        "stage-dir",
			Usage:       "scratch directory for bridge transfers",
			Destination: &stageDir,
		},
		&cli.Int64Flag{
			Name:        "workspace-mib",
			Usage:       "builder workspace limit in MiB (0 = 1024)",
			Destination: &workspaceMiB,
		},
	}
}

func toolchainOptions(log logger.Logger) backend.Options {
	argv := bridgeArgv
	if bridgeCommand != "" {
		argv = strings.Fields(bridgeCommand)
	}
	return backend.Options{
		TrtexecCommand:    trtexecCommand,
		TrtexecLegacy:     trtexecLegacy,
		CalibrationCache:  calibrationCache,
		BridgeCommand:     argv,
		SimplifierCommand: simplifierCommand,
		StageDir:          stageDir,
		WorkspaceSize:     workspaceMiB << 20,
		Log:               log,
	}
}
