package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/api"
	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/logger"
)

func capabilitiesCmd() *cli.Command {
	return &cli.Command{
		Name:  "capabilities",
		Usage: "List installed toolchains and the (device, quantization) pairs each strategy accepts",
		Flags: toolchainFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyToolchainConfig(cmd, cfg)
			opts := toolchainOptions(log)

			section("Toolchains")
			row("available", backend.Available(opts))
			simplifier := "no"
			if backend.HasSimplifier(opts) {
				simplifier = "yes"
			}
			row("graph simplifier", simplifier)

			tcs, err := backend.Open(ctx, toolchain, opts)
			if err != nil {
				row("selected", "none ("+err.Error()+")")
				return nil
			}
			defer func() { _ = tcs.Close() }()
			row("selected", tcs.Name())

			svc := api.NewCompileService(api.ServiceConfig{Strategies: tcs, Toolchain: tcs.Name(), Log: log})
			for _, s := range svc.Capabilities().Strategies {
				section("Strategy " + s.Name)
				if !s.Available {
					row("unavailable", s.Reason)
					continue
				}
				for _, c := range s.Capabilities {
					fmt.Printf("%-8s %s\n", c.Device, c.Quantization)
				}
			}
			return nil
		},
	}
}
