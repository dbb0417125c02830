// Command mpipso-fit runs the example stellar-mass-function fit: a worker
// pool of goroutine ranks is split into one evaluation group per swarm
// particle, each group jointly evaluates its particle's loss over its
// members' halo shards, and the swarm converges on the parameters that
// reproduce the target statistic.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/AlanPearl/mpipso"
	"github.com/AlanPearl/mpipso/comm"
	"github.com/AlanPearl/mpipso/smf"
	"github.com/AlanPearl/mpipso/swarm"
)

type options struct {
	workers          int
	numHalos         int
	numSteps         int
	numParticles     int
	ranksPerParticle int
	seed             uint64
	stallTimeout     time.Duration
	reflect          bool
	cache            bool
	configPath       string
	dbPath           string
	verbose          bool
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:   "mpipso-fit",
		Short: "Fit the example stellar-mass function with a distributed particle swarm",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), opts)
		},
	}
	flags := root.Flags()
	flags.IntVar(&opts.workers, "workers", 1, "total worker ranks in the pool")
	flags.IntVar(&opts.numHalos, "num-halos", 10000, "synthetic halo catalog size")
	flags.IntVar(&opts.numSteps, "num-steps", 100, "swarm iterations")
	flags.IntVar(&opts.numParticles, "num-particles", 1, "swarm size")
	flags.IntVar(&opts.ranksPerParticle, "ranks-per-particle", 0, "explicit group size (0 infers from the pool)")
	flags.Uint64Var(&opts.seed, "seed", 0, "run seed")
	flags.DurationVar(&opts.stallTimeout, "stall-timeout", time.Minute, "bound on each collective's wait for peers (0 waits forever)")
	flags.BoolVar(&opts.reflect, "reflect", false, "reflect out-of-bounds particles instead of clamping")
	flags.BoolVar(&opts.cache, "cache", false, "memoize loss evaluations by parameter value")
	flags.StringVar(&opts.configPath, "config", "", "optional YAML config file")
	flags.StringVar(&opts.dbPath, "db", "", "optional sqlite file for the iteration history")
	flags.BoolVar(&opts.verbose, "verbose", false, "debug logging")

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := mpipso.Config{
		Particles:        opts.numParticles,
		Low:              []float64{-4, 1e-3},
		High:             []float64{1, 3.0},
		Seed:             opts.seed,
		RanksPerParticle: opts.ranksPerParticle,
		Steps:            opts.numSteps,
		Reflect:          opts.reflect,
		Cache:            opts.cache,
		StallTimeout:     opts.stallTimeout,
	}
	if opts.configPath != "" {
		var err error
		if cfg, err = mpipso.LoadConfig(opts.configPath, cfg); err != nil {
			return err
		}
	}

	var db *sql.DB
	if opts.dbPath != "" {
		var err error
		if db, err = sql.Open("sqlite", opts.dbPath); err != nil {
			return err
		}
		defer db.Close()
	}

	start := time.Now()
	var result *swarm.Result
	var guess []float64
	err := comm.Run(ctx, opts.workers, func(ctx context.Context, world comm.Comm) error {
		ps, err := mpipso.New(ctx, world, cfg)
		if err != nil {
			return err
		}

		// Each group holds one full copy of the catalog, sharded over the
		// group's members.
		sub := ps.Subcomm()
		if sub == nil {
			// idle rank: only participates in the cross-group agreement
			_, err := ps.RunPSO(ctx, nil, nil, 0)
			return err
		}
		logmh := smf.LogHaloMasses(opts.numHalos, sub.Rank(), sub.Size())
		model := smf.New(logmh, opts.numHalos)

		var sopts []swarm.Option
		if db != nil && world.Rank() == 0 {
			sopts = append(sopts, swarm.DB(db))
		}
		res, err := ps.RunPSO(ctx, model.Statistic(), model.Loss(), 0, sopts...)
		if err != nil {
			return err
		}
		if world.Rank() == 0 {
			result = res
			guess = ps.XInit()[0]
		}
		return nil
	})
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	log.Info("fit finished", "elapsed", elapsed, "steps", len(result.LossHistory))
	fmt.Printf("initial guess: %v\n", guess)
	fmt.Printf("final solution: %v\n", result.BestPos)
	fmt.Printf("truth: %v\n", smf.Truth)
	fmt.Printf("final loss: %v\n", result.BestVal)
	return nil
}
