package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/adaround/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "adaround",
		Usage: "Adaptive rounding post-training quantization",
		Flags: loggingFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			calibrateCmd(),
			inspectCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	// logging flags may follow the subcommand name, so the logger is built
	// once the subcommand's flags are parsed
	for _, c := range app.Commands {
		c.Before = withLogger
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func withLogger(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	log, err := setupLogger(cmd)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// setupLogger builds the process logger from the logging flags, falling back
// to the config file for anything not given on the command line.
func setupLogger(cmd *cli.Command) (logger.Logger, error) {
	applyLoggingConfig(cmd, LoadConfig())
	level := logLevel
	if debug {
		level = "debug"
	}
	return logger.Open(logFormat, os.Stderr, level)
}
