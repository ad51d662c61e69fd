package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/adaround/internal/api"
	"github.com/samcharles93/adaround/internal/logger"
)

func defaultReportsDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "reports"
	}
	return filepath.Join(dir, "adaround", "reports")
}

func serveCmd() *cli.Command {
	var (
		addr        string
		reportsDir  string
		specsDir    string
		queueDepth  int64
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the calibration REST API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "reports-dir",
				Usage:       "directory finished reports are written to",
				Value:       defaultReportsDir(),
				Destination: &reportsDir,
			},
			&cli.StringFlag{
				Name:        "specs-dir",
				Usage:       "directory model specs named in requests are resolved under",
				Value:       ".",
				Destination: &specsDir,
			},
			&cli.Int64Flag{
				Name:        "queue-depth",
				Usage:       "number of calibrations that may wait for the worker",
				Value:       16,
				Destination: &queueDepth,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyServeConfig(cmd, cfg, &addr, &reportsDir, &specsDir, &queueDepth)

			if err := os.MkdirAll(reportsDir, 0o755); err != nil {
				return err
			}
			store := api.NewRunStore(reportsDir)
			worker := api.NewWorker(store, api.DefaultLoader{SpecsDir: specsDir}, int(queueDepth), log)
			server := api.NewServer(store, worker)
			if cfg.Limits != nil {
				server.Limits = *cfg.Limits
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return worker.Run(ctx) })
			g.Go(func() error {
				log.Info("starting server", "address", addr, "reports", reportsDir, "specs", specsDir)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				return sc.Start(ctx, e)
			})
			return g.Wait()
		},
	}
}
