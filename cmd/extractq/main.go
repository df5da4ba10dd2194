package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
)

const (
	flagConfig      = "config"
	flagWorkers     = "workers"
	flagFailureRate = "failure-rate"
	flagRedis       = "redis"
	flagHTTPAddr    = "http-addr"
	flagLogLevel    = "log-level"
	flagSeed        = "seed"
)

var version = "dev"

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    flagLogLevel,
		Usage:   "Log level: debug, info, warn or error.",
		Value:   "info",
		EnvVars: []string{"EXTRACTQ_LOG_LEVEL"},
	},
	&cli.Int64Flag{
		Name:    flagSeed,
		Usage:   "Seed of the simulated extractor. Zero uses the current time.",
		EnvVars: []string{"EXTRACTQ_SEED"},
	},
}

var commands = []*cli.Command{
	{
		Name:  "run",
		Usage: "Extract observations for the stations of a configuration file",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "The YAML configuration file.",
				EnvVars:  []string{"EXTRACTQ_CONFIG"},
				Required: true,
			},
			&cli.IntFlag{
				Name:    flagWorkers,
				Usage:   "The number of workers, overrides the configuration.",
				EnvVars: []string{"EXTRACTQ_WORKERS"},
			},
			&cli.Float64Flag{
				Name:    flagFailureRate,
				Usage:   "The failure rate [0.0,1.0] of the simulated extractor, overrides the configuration.",
				Value:   -1,
				EnvVars: []string{"EXTRACTQ_FAILURE_RATE"},
			},
			&cli.StringFlag{
				Name:    flagRedis,
				Usage:   "The Redis server to publish events to, overrides the configuration.",
				EnvVars: []string{"EXTRACTQ_REDIS"},
			},
			&cli.StringFlag{
				Name:    flagHTTPAddr,
				Usage:   "The address of the status web server, overrides the configuration.",
				EnvVars: []string{"EXTRACTQ_HTTP_ADDR"},
			},
		}, commonFlags...),
		Action: runExtraction,
	},
	{
		Name:   "demo",
		Usage:  "Walk through the lifecycle of extraction tasks",
		Flags:  commonFlags,
		Action: runDemo,
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "extractq",
		Usage:    "Weather data extraction queue",
		Version:  version,
		Commands: commands,
	}
}

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger creates a JSON logger filtered by the log level flag.
func newLogger(c *cli.Context) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "t", log.DefaultTimestampUTC)

	var opt level.Option
	switch lvl := c.String(flagLogLevel); lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info", "":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	return level.NewFilter(logger, opt), nil
}
