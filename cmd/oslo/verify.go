package main

import (
	"context"
	"fmt"
	"math"

	"github.com/urfave/cli/v3"

	"github.com/coldreason/oslo-custom/internal/engine"
)

func verifyCmd() *cli.Command {
	var (
		tokens    int64
		tolerance float64
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Compare the sharded fleet against an unsharded reference",
		Flags: append(commonModelFlags(), append(loggingFlags(),
			&cli.Int64Flag{
				Name:        "tokens",
				Usage:       "number of tokens to decode during the comparison",
				Value:       16,
				Destination: &tokens,
			},
			&cli.Float64Flag{
				Name:        "tolerance",
				Usage:       "max absolute logit deviation",
				Value:       1e-2,
				Destination: &tolerance,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			log := buildLogger()

			cfg, err := loadModelConfig()
			if err != nil {
				return err
			}
			if tokens > int64(cfg.MaxPositionEmbeddings) {
				tokens = int64(cfg.MaxPositionEmbeddings)
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

			ref, err := engine.NewReference(cfg, engine.Options{Seed: seed, Weights: weightsPath})
			if err != nil {
				return err
			}

			if err := eng.VerifyReplicas(ctx); err != nil {
				return fmt.Errorf("replica digest check: %w", err)
			}
			log.Info("replica digests agree", "world_size", eng.WorldSize())

			var maxDiff float64
			for i, id := range promptTokens(cfg.VocabSize, int(tokens)) {
				want, err := ref.ForwardToken(ctx, id)
				if err != nil {
					return fmt.Errorf("reference token %d: %w", i, err)
				}
				got, err := eng.ForwardToken(ctx, id)
				if err != nil {
					return fmt.Errorf("sharded token %d: %w", i, err)
				}
				for j := range want {
					diff := math.Abs(float64(got[j] - want[j]))
					if diff > maxDiff {
						maxDiff = diff
					}
					if diff > tolerance {
						return fmt.Errorf("token %d logit %d: sharded %v vs reference %v (diff %g exceeds %g)",
							i, j, got[j], want[j], diff, tolerance)
					}
				}
			}

			fmt.Printf("OK: %d tokens, world size %d, max logit deviation %.2e\n",
				tokens, eng.WorldSize(), maxDiff)
			return nil
		},
	}
}

// promptTokens yields a fixed pseudo-random token sequence that covers the
// vocabulary reasonably well for small models.
func promptTokens(vocab, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = (i*31 + 7) % vocab
	}
	return ids
}
