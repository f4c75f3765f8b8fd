package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/api"
	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/history"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/quant"
)

func compileCmd() *cli.Command {
	var (
		strategy     string
		modelPath    string
		paramsPath   string
		dataDir      string
		quantization string
		device       string
		threshold    float64
		outPath      string
		historyDB    string
	)

	return &cli.Command{
		Name:  "compile",
		Usage: "Compile a model into a .kef engine container",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "strategy",
				Aliases:     []string{"s"},
				Usage:       "compilation strategy (interchange, native)",
				Value:       backend.StrategyInterchange,
				Destination: &strategy,
			},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to the .onnx graph (interchange) or model file the bridge loads (native)",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "params",
				Aliases:     []string{"p"},
				Usage:       "model params file (.yaml or .json)",
				Required:    true,
				Destination: &paramsPath,
			},
			&cli.StringFlag{
				Name:        "data",
				Usage:       "calibration samples directory (<split>/*.safetensors)",
				Destination: &dataDir,
			},
			&cli.StringFlag{
				Name:        "quantization",
				Aliases:     []string{"q"},
				Usage:       "quantization (none, static, half)",
				Value:       "none",
				Destination: &quantization,
			},
			&cli.StringFlag{
				Name:        "device",
				Usage:       "target device (gpu, cpu)",
				Value:       "gpu",
				Destination: &device,
			},
			&cli.FloatFlag{
				Name:        "metric-drop-threshold",
				Usage:       "accepted accuracy drop for quantized builds",
				Destination: &threshold,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .kef path",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "history-db",
				Usage:       "compilation history database (none disables)",
				Destination: &historyDB,
			},
		}, toolchainFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyToolchainConfig(cmd, cfg)

			q, err := quant.Parse(quantization)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			var thresholdPtr *float64
			if cmd.IsSet("metric-drop-threshold") {
				thresholdPtr = &threshold
			}

			out, defaulted, err := resolveCompileOut(modelPath, outPath, cfg.OutDir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if defaulted {
				log.Info("writing artifact", "path", out)
			}

			tcs, err := backend.Open(ctx, toolchain, toolchainOptions(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = tcs.Close() }()

			store := openHistory(log, historyDB)
			if store != nil {
				defer func() { _ = store.Close() }()
			}

			svc := api.NewCompileService(api.ServiceConfig{
				Strategies: tcs,
				Toolchain:  tcs.Name(),
				History:    store,
				Log:        log,
			})
			c, err := svc.Compile(ctx, api.CompilationRequest{
				Strategy:            strategy,
				Model:               modelPath,
				Params:              paramsPath,
				Data:                dataDir,
				Quantization:        q,
				Device:              device,
				MetricDropThreshold: thresholdPtr,
				Output:              out,
			})
			if c.ID != "" {
				printCompilation(c)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if c.Status == history.StatusNotApplicable {
				return cli.Exit(fmt.Sprintf("%s does not support %s on %s", c.Strategy, c.Quantization, c.Device), 2)
			}
			return nil
		},
	}
}

// openHistory opens the history store, or returns nil when history is
// disabled or unavailable.
func openHistory(log logger.Logger, flag string) *history.Store {
	path, err := resolveHistoryDB(flag, cfg.HistoryDB)
	if err != nil {
		log.Warn("history disabled", "error", err)
		return nil
	}
	if path == "" {
		return nil
	}
	store, err := history.Open(path)
	if err != nil {
		log.Warn("history disabled", "path", path, "error", err)
		return nil
	}
	return store
}

func printCompilation(c api.Compilation) {
	section("Compilation")
	row("id", c.ID)
	row("status", c.Status)
	row("strategy", c.Strategy)
	row("quantization", c.Quantization)
	row("device", c.Device)
	row("source", c.Source)
	row("duration", c.Duration.String())
	if c.Error != "" {
		row("error", c.Error)
	}
	for _, d := range c.Diagnostics {
		row("diagnostic", d)
	}
	if c.Manifest != nil {
		printManifest(*c.Manifest)
		row("artifact", c.Artifact)
	}
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
