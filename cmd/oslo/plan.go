package main

import (
	"context"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/coldreason/oslo-custom/internal/dist"
	"github.com/coldreason/oslo-custom/internal/engine"
	"github.com/coldreason/oslo-custom/internal/parallel"
)

func planCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "plan",
		Usage: "Validate and print the sharding plan without touching a parameter",
		Flags: append(commonModelFlags(), append(loggingFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit the plan as JSON",
				Destination: &asJSON,
			},
		)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			log := buildLogger()

			cfg, err := loadModelConfig()
			if err != nil {
				return err
			}
			policy, err := engine.Registry().For(cfg)
			if err != nil {
				return err
			}
			model, err := engine.NewReference(cfg, engine.Options{Seed: seed, Weights: weightsPath})
			if err != nil {
				return err
			}

			group, err := dist.NewGroup(int(worldSize))
			if err != nil {
				return err
			}
			defer group.Close()
			comm, err := group.Rank(0)
			if err != nil {
				return err
			}

			plan, err := parallel.New(policy, cfg, comm, parallel.WithLogger(log)).Plan(model)
			if err != nil {
				return err
			}

			if asJSON {
				out, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			printPlan(plan)
			return nil
		},
	}
}

func printPlan(p *parallel.Plan) {
	fmt.Printf("world size %d, %d blocks, %d entries\n\n", p.WorldSize, p.Blocks, len(p.Entries))
	fmt.Printf("%-16s %-6s %-28s %-12s %-12s %s\n", "REGION", "BLOCK", "NAME", "SHAPE", "PER-RANK", "MODE")
	for _, e := range p.Entries {
		block := "-"
		if e.Block >= 0 {
			block = strconv.Itoa(e.Block)
		}
		shape := "-"
		switch {
		case e.Rows > 0 && e.Cols > 0:
			shape = fmt.Sprintf("%dx%d", e.Rows, e.Cols)
		case e.BiasLen > 0:
			shape = strconv.Itoa(e.BiasLen)
		}
		mode := e.Replace
		if e.Replicate {
			mode = "replicate"
		}
		fmt.Printf("%-16s %-6s %-28s %-12s %-12s %s\n",
			e.Region, block, e.Name, shape, perRankShape(e, p.WorldSize), mode)
	}
}

// perRankShape is the local shard shape after partitioning; replicated
// entries keep their full shape on every rank.
func perRankShape(e parallel.PlanEntry, world int) string {
	switch e.Replace {
	case parallel.ColumnParallel.String(), parallel.VocabParallel.String():
		return fmt.Sprintf("%dx%d", e.Rows/world, e.Cols)
	case parallel.RowParallel.String():
		return fmt.Sprintf("%dx%d", e.Rows, e.Cols/world)
	default:
		return "-"
	}
}
