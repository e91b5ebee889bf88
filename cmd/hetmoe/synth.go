package main

import (
	"context"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hetmoe/internal/config"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/moe"
	"github.com/samcharles93/hetmoe/internal/tensorstore"
	"github.com/samcharles93/hetmoe/pkg/quant"
)

func synthCmd() *cli.Command {
	var (
		name   string
		out    string
		engine string
		kind   string
		seed   int64
	)

	return &cli.Command{
		Name:  "synth",
		Usage: "Write a tensor file with random weights for an engine config",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "name",
				Usage:       "model name, used for the default output path",
				Value:       "synthetic",
				Destination: &name,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path (default $HETMOE_OUT_DIR or ./out, then <name>.safetensors)",
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "engine",
				Aliases:     []string{"e"},
				Usage:       "engine config to embed (default: the example config)",
				Destination: &engine,
			},
			&cli.StringFlag{
				Name:        "kind",
				Usage:       "expert weight encoding (F32, BF16, I8, Q4_K, Q5_K, Q6_K)",
				Value:       "Q4_K",
				Destination: &kind,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Value:       1,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			k, err := quant.ParseKind(kind)
			if err != nil {
				return err
			}
			doc := []byte(config.Example)
			if engine != "" {
				if doc, err = os.ReadFile(engine); err != nil {
					return err
				}
			}
			cfg, err := config.Parse(doc)
			if err != nil {
				return err
			}
			path, _, err := resolveSynthOut(name, out)
			if err != nil {
				return err
			}

			w := tensorstore.NewWriter()
			w.SetMeta(metaConfig, string(doc))
			w.SetMeta(metaKind, k.String())
			w.SetMeta(metaSeed, strconv.FormatInt(seed, 10))
			if err := moe.Synthesize(cfg.Model, seed, k, w.Add); err != nil {
				return err
			}
			if err := w.WriteFile(path); err != nil {
				return err
			}
			log.Info("wrote synthetic model", "path", path, "kind", k, "layers", cfg.Model.Layers, "experts", cfg.Model.Experts)
			return nil
		},
	}
}
