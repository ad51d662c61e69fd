package main

import "github.com/urfave/cli/v3"

var (
	logLevel  string
	logFormat string
	debug     bool
)

var (
	seed      int64
	reduced   bool
	objective string
	maxLayers int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
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

func calibrationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "seed",
			Aliases:     []string{"s"},
			Usage:       "seed for batch shuffling and built-in fixtures",
			Value:       0,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "reduced",
			Usage:       "use the faster preset (learning rate 0.1, 10 observation batches)",
			Destination: &reduced,
		},
		&cli.StringFlag{
			Name:        "objective",
			Usage:       "reconstruction objective (weight, output)",
			Destination: &objective,
		},
		&cli.Int64Flag{
			Name:        "max-layers",
			Usage:       "stop after this many layers (0 = all)",
			Destination: &maxLayers,
		},
	}
}
