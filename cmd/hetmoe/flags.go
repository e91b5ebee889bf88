package main

import "github.com/urfave/cli/v3"

var (
	weightsPath string
	weightsDir  string
	enginePath  string
	maxChunk    int64
	hostThreads int64
	logLevel    string
	logFormat   string
	debug       bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a tensor file",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "weights-dir",
			Aliases:     []string{"dir"},
			Usage:       "directory searched for tensor files when --weights is not set",
			Destination: &weightsDir,
		},
		&cli.StringFlag{
			Name:        "engine",
			Aliases:     []string{"e"},
			Usage:       "engine config (model shape and placement rules); defaults to the one embedded in the tensor file",
			Destination: &enginePath,
		},
		&cli.Int64Flag{
			Name:        "max-chunk-size",
			Aliases:     []string{"chunk"},
			Usage:       "token capacity of the staging buffers",
			Destination: &maxChunk,
		},
		&cli.Int64Flag{
			Name:        "host-threads",
			Usage:       "host kernel threads (0 = GOMAXPROCS)",
			Destination: &hostThreads,
		},
	}
}

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
