// Package mpipso fits a small set of continuous model parameters to an
// empirical summary statistic using particle-swarm optimization distributed
// across cooperating worker ranks.  Each swarm particle is owned by a
// disjoint group of ranks that jointly evaluate its loss by summing partial
// statistics computed from their local data shards; different particles'
// groups evaluate concurrently and agree on the swarm-wide best once per
// iteration.
//
// The typical flow mirrors an SPMD program: every rank constructs the same
// ParticleSwarm over a shared world communicator, loads its own shard of the
// data using the group-scoped Subcomm, and calls RunPSO with the model's
// statistic and loss capabilities.
package mpipso

import (
	"context"

	"github.com/pkg/errors"

	"github.com/AlanPearl/mpipso/comm"
	"github.com/AlanPearl/mpipso/group"
	"github.com/AlanPearl/mpipso/stat"
	"github.com/AlanPearl/mpipso/swarm"
)

// Error taxonomy, re-exported from the packages that raise them so callers
// can match with errors.Is against this package alone.
var (
	// ErrConfig marks invalid configuration, reported before any collective
	// work starts.
	ErrConfig = swarm.ErrConfig
	// ErrPartition marks a worker pool that cannot satisfy the requested
	// group structure.
	ErrPartition = group.ErrPartition
	// ErrStall marks a collective that exceeded its wait bound, signaling a
	// crashed or wedged peer.
	ErrStall = comm.ErrStall
)

// ParticleSwarm owns the group structure for one optimization run: the
// partition of the world's ranks into per-particle evaluation groups, this
// rank's group-scoped communicator, and the seed-derived initial positions.
type ParticleSwarm struct {
	cfg   Config
	world comm.Comm
	part  *group.Partition
	sub   comm.Comm
	xinit [][]float64
}

// New validates cfg, partitions world's ranks into one evaluation group per
// particle, and carves out this rank's group communicator.  Collective: all
// ranks of world must call New together.
func New(ctx context.Context, world comm.Comm, cfg Config) (*ParticleSwarm, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var popts []group.Option
	if cfg.RanksPerParticle > 0 {
		popts = append(popts, group.RanksPerGroup(cfg.RanksPerParticle))
	}
	if cfg.Strict {
		popts = append(popts, group.Strict())
	}
	part, err := group.New(world.Size(), cfg.Particles, popts...)
	if err != nil {
		return nil, err
	}

	if cfg.StallTimeout > 0 {
		world = comm.WithTimeout(world, cfg.StallTimeout)
	}
	sub, err := part.Subcomm(ctx, world)
	if err != nil {
		return nil, errors.Wrap(err, "mpipso: creating group communicator")
	}

	return &ParticleSwarm{
		cfg:   cfg,
		world: world,
		part:  part,
		sub:   sub,
		xinit: swarm.InitPositions(cfg.Seed, cfg.Particles, cfg.Low, cfg.High),
	}, nil
}

// Subcomm returns the communicator restricted to this rank's evaluation
// group, or nil if the rank is idle under the partition.  Shard loading
// should split data over this communicator so that one group's members
// jointly hold one full copy of the dataset.
func (ps *ParticleSwarm) Subcomm() comm.Comm { return ps.sub }

// Partition exposes the rank-to-group assignment.
func (ps *ParticleSwarm) Partition() *group.Partition { return ps.part }

// XInit returns the initial position of every particle, identical on all
// ranks.
func (ps *ParticleSwarm) XInit() [][]float64 {
	out := make([][]float64, len(ps.xinit))
	for i, p := range ps.xinit {
		out[i] = append([]float64(nil), p...)
	}
	return out
}

// RunPSO runs the swarm for steps iterations (cfg.Steps when steps <= 0),
// evaluating each particle through the distributed statistic and loss
// capabilities.  Collective: every rank of the world must call RunPSO with
// the same arguments and capabilities over its own shard.  The Result is
// identical on every rank.
func (ps *ParticleSwarm) RunPSO(ctx context.Context, statistic stat.StatisticFunc, loss stat.LossFunc, steps int, opts ...swarm.Option) (*swarm.Result, error) {
	if steps <= 0 {
		steps = ps.cfg.Steps
	}
	var ev swarm.Evaluator
	if ps.part.GroupOf(ps.world.Rank()) != group.Idle {
		ev = stat.NewEvaluator(ps.sub, statistic, loss)
		if ps.cfg.Cache {
			ev = swarm.NewCacheEvaluator(ev)
		}
	}
	s, err := swarm.New(ps.world, ps.part, ev, ps.cfg.Seed, ps.cfg.Low, ps.cfg.High, append(ps.cfg.swarmOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, steps)
}
