package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/group"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/moe"
	"github.com/samcharles93/hetmoe/internal/taskqueue"
)

type phaseReport struct {
	Phase     group.Phase         `json:"phase"`
	LoadMS    float64             `json:"load_ms"`
	Tokens    int                 `json:"tokens"`
	ElapsedMS float64             `json:"elapsed_ms"`
	TokPerSec float64             `json:"tokens_per_second"`
	Resident  map[device.ID]int64 `json:"resident_bytes"`
}

type runReport struct {
	Weights  string          `json:"weights"`
	Session  string          `json:"session"`
	MaxChunk int             `json:"max_chunk_size"`
	Overlap  bool            `json:"overlap"`
	Prefill  phaseReport     `json:"prefill"`
	Generate phaseReport     `json:"generate"`
	Groups   []group.Status  `json:"groups"`
	Queue    taskqueue.Stats `json:"queue"`
	Staging  int64           `json:"staging_bytes"`
}

func runCmd() *cli.Command {
	var (
		tokens     int64
		steps      int64
		overlap    bool
		asJSON     bool
		cpuProfile string
		memProfile string
	)

	flags := append([]cli.Flag{}, engineFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "tokens",
			Aliases:     []string{"n"},
			Usage:       "prompt tokens to run in the prefill phase",
			Value:       128,
			Destination: &tokens,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Usage:       "single-token forwards to run in the generate phase",
			Value:       32,
			Destination: &steps,
		},
		&cli.BoolFlag{
			Name:        "overlap",
			Usage:       "overlap routed experts with the shared expert",
			Value:       true,
			Destination: &overlap,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "write memory profile to file",
			Destination: &memProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a prefill chunk and generate steps through the engine and report throughput",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyEngineConfig(c, LoadConfig())
			if tokens <= 0 || steps < 0 {
				return cli.Exit("error: --tokens must be positive and --steps must not be negative", 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			eng, err := openEngine(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = eng.Close() }()

			rep, err := runPhases(ctx, eng, int(tokens), int(steps), overlap)
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			printRun(rep)
			return nil
		},
	}
}

func runPhases(ctx context.Context, eng *loadedEngine, tokens, steps int, overlap bool) (*runReport, error) {
	log := logger.FromContext(ctx)
	sess := eng.Session()
	hidden := eng.Config.Model.Hidden
	rep := &runReport{Weights: eng.Path, Session: sess.ID(), MaxChunk: sess.MaxChunk(), Overlap: overlap}

	load := func(p group.Phase) (float64, error) {
		start := time.Now()
		if err := eng.SetPhase(p); err != nil {
			return 0, err
		}
		return msSince(start), nil
	}

	var err error
	rep.Prefill = phaseReport{Phase: group.Prefill, Tokens: tokens}
	if rep.Prefill.LoadMS, err = load(group.Prefill); err != nil {
		return nil, err
	}
	rep.Prefill.Resident = sess.Tracker().Snapshot()
	x := moe.Input(tokens, hidden)
	start := time.Now()
	h, err := eng.Forward(x, tokens, false)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}
	rep.Prefill.ElapsedMS = msSince(start)
	rep.Prefill.TokPerSec = perSec(tokens, time.Since(start))
	log.Info("prefill done", "tokens", tokens, "elapsed_ms", rep.Prefill.ElapsedMS)

	rep.Generate = phaseReport{Phase: group.Generate, Tokens: steps}
	if rep.Generate.LoadMS, err = load(group.Generate); err != nil {
		return nil, err
	}
	rep.Generate.Resident = sess.Tracker().Snapshot()
	if err := eng.Warmup(); err != nil {
		return nil, err
	}
	// Each step feeds back the last row, standing in for the next token.
	tok := append([]float32(nil), h[(tokens-1)*hidden:]...)
	start = time.Now()
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := eng.Forward(tok, 1, overlap)
		if err != nil {
			return nil, fmt.Errorf("generate step %d: %w", i, err)
		}
		tok = out
	}
	rep.Generate.ElapsedMS = msSince(start)
	rep.Generate.TokPerSec = perSec(steps, time.Since(start))
	log.Info("generate done", "steps", steps, "elapsed_ms", rep.Generate.ElapsedMS)

	rep.Groups = eng.Status()
	rep.Queue = sess.Queue().Stats()
	rep.Staging = sess.StagingBytes()
	return rep, nil
}

func msSince(t time.Time) float64 { return float64(time.Since(t).Microseconds()) / 1000 }

func perSec(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

func printRun(rep *runReport) {
	fmt.Printf("weights: %s (session %s, max chunk %d, overlap %v)\n", rep.Weights, rep.Session, rep.MaxChunk, rep.Overlap)
	for _, p := range []phaseReport{rep.Prefill, rep.Generate} {
		fmt.Printf("%-8s load %8.2f ms  %5d tokens  %10.2f ms  %10.2f tok/s\n",
			p.Phase, p.LoadMS, p.Tokens, p.ElapsedMS, p.TokPerSec)
		for dev, b := range p.Resident {
			fmt.Printf("         resident %-8s %s\n", dev, formatBytes(uint64(b)))
		}
	}
	fmt.Println("groups:")
	for _, g := range rep.Groups {
		fmt.Printf("  %-28s %-7s prefill=%s@%s generate=%s@%s\n",
			g.Key, g.Kind, g.Prefill.Variant, g.Prefill.Device, g.Generate.Variant, g.Generate.Device)
	}
	fmt.Printf("queue: submitted=%d completed=%d failed=%d\n", rep.Queue.Submitted, rep.Queue.Completed, rep.Queue.Failed)
	fmt.Printf("staging: %s\n", formatBytes(uint64(rep.Staging)))
}
