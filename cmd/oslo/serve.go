package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/coldreason/oslo-custom/internal/api"
	"github.com/coldreason/oslo-custom/internal/engine"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the completion API over a sharded fleet",
		Flags: append(commonModelFlags(), append(loggingFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileCfg := LoadConfig()
			applyModelConfig(cmd, fileCfg)
			applyServeConfig(cmd, fileCfg, &addr)
			log := buildLogger()

			cfg, err := loadModelConfig()
			if err != nil {
				return err
			}
			eng, err := engine.New(cfg, engine.Options{
				WorldSize: int(worldSize),
				Seed:      seed,
				Weights:   weightsPath,
				Fuse:      fuse,
				Logger:    log,
				Progress:  shardProgress(),
			})
			if err != nil {
				return err
			}
			defer eng.Close()

			server := api.NewServer(eng, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server",
				"address", addr,
				"model_type", cfg.ModelType,
				"world_size", eng.WorldSize())
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
