package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/coldreason/oslo-custom/internal/config"
	"github.com/coldreason/oslo-custom/internal/logger"
)

var (
	modelConfigPath string
	weightsPath     string
	worldSize       int64
	seed            int64
	fuse            bool
	logLevel        string
	logFormat       string
	debug           bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to the model's config.json",
			Destination: &modelConfigPath,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "path to a .safetensors checkpoint (random init when empty)",
			Destination: &weightsPath,
		},
		&cli.Int64Flag{
			Name:        "world-size",
			Aliases:     []string{"w"},
			Usage:       "number of tensor-parallel ranks",
			Value:       2,
			Destination: &worldSize,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random-init seed, used when no weights are given",
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "fuse",
			Usage:       "fuse q/k/v projections and MLP activations after sharding",
			Destination: &fuse,
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
			Usage:       "log format (text, json)",
			Value:       "text",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Text(os.Stderr, level)
}

func loadModelConfig() (*config.Model, error) {
	if modelConfigPath == "" {
		return nil, fmt.Errorf("a model config is required (--config or model_config in the config file)")
	}
	return config.Load(modelConfigPath)
}
