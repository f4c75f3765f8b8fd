package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/api"
	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		outDir      string
		historyDB   string
		rps         float64
		burst       int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the compilation REST API",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "out-dir",
				Usage:       "directory for artifacts of requests without an output path",
				Destination: &outDir,
			},
			&cli.StringFlag{
				Name:        "history-db",
				Usage:       "compilation history database",
				Destination: &historyDB,
			},
			&cli.FloatFlag{
				Name:        "rate",
				Usage:       "admitted compilations per second (negative disables limiting)",
				Value:       api.DefaultRatePerSecond,
				Destination: &rps,
			},
			&cli.IntFlag{
				Name:        "burst",
				Usage:       "compilations admitted back to back",
				Value:       api.DefaultBurst,
				Destination: &burst,
			},
		}, toolchainFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyToolchainConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr, &rps, &burst)
			if outDir == "" {
				outDir = cfg.OutDir
			}

			tcs, err := backend.Open(ctx, toolchain, toolchainOptions(log))
			if err != nil {
				return err
			}
			defer func() { _ = tcs.Close() }()

			store := openHistory(log, historyDB)
			if store != nil {
				defer func() { _ = store.Close() }()
			}

			m := metrics.New()
			service := api.NewCompileService(api.ServiceConfig{
				Strategies: tcs,
				Toolchain:  tcs.Name(),
				History:    store,
				Metrics:    m,
				Log:        log.With("component", "api"),
				OutDir:     outDir,
			})
			server := api.NewServer(api.ServerConfig{
				Service:       service,
				Metrics:       m,
				RatePerSecond: rps,
				Burst:         burst,
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "toolchain", tcs.Name())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
