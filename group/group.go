// Package group maps a flat pool of worker ranks onto disjoint evaluation
// groups, one group per swarm particle.  The mapping is a closed-form
// function of (pool size, group count, rank), so every worker computes its
// own group without any communication; the only collective cost is the
// one-time Split that carves out each group's restricted communicator.
package group

import (
	"context"

	"github.com/pkg/errors"

	"github.com/AlanPearl/mpipso/comm"
)

// ErrPartition is reported when the worker pool cannot be split into the
// requested groups.
var ErrPartition = errors.New("group: invalid partition")

// Idle marks a rank that belongs to no group.  Only possible when an
// explicit per-group size leaves excess workers and strict mode is off.
const Idle = -1

// Partition describes the assignment of P worker ranks to N contiguous
// groups.  Immutable after New.
type Partition struct {
	workers  int
	groups   int
	perGroup int // 0 when group sizes are inferred
	strict   bool
}

type Option func(*Partition)

// RanksPerGroup fixes every group's size to k instead of inferring sizes
// from the pool.  Requires k*N <= P; ranks beyond k*N are left idle unless
// Strict is also set.
func RanksPerGroup(k int) Option {
	return func(p *Partition) { p.perGroup = k }
}

// Strict makes an explicit RanksPerGroup that does not use the whole pool an
// error instead of idling the excess ranks.
func Strict() Option {
	return func(p *Partition) { p.strict = true }
}

// New validates and builds a partition of workers ranks into groups groups.
func New(workers, groups int, opts ...Option) (*Partition, error) {
	p := &Partition{workers: workers, groups: groups}
	for _, opt := range opts {
		opt(p)
	}

	switch {
	case workers <= 0:
		return nil, errors.Wrapf(ErrPartition, "worker count %d must be positive", workers)
	case groups <= 0:
		return nil, errors.Wrapf(ErrPartition, "group count %d must be positive", groups)
	case groups > workers:
		return nil, errors.Wrapf(ErrPartition, "%d groups over %d workers leaves empty groups", groups, workers)
	}
	if p.perGroup != 0 {
		if p.perGroup < 0 {
			return nil, errors.Wrapf(ErrPartition, "ranks per group %d must be positive", p.perGroup)
		}
		if p.perGroup*groups > workers {
			return nil, errors.Wrapf(ErrPartition,
				"%d groups of %d ranks need %d workers, have %d",
				groups, p.perGroup, p.perGroup*groups, workers)
		}
		if p.strict && p.perGroup*groups != workers {
			return nil, errors.Wrapf(ErrPartition,
				"strict: %d groups of %d ranks use only %d of %d workers",
				groups, p.perGroup, p.perGroup*groups, workers)
		}
	}
	return p, nil
}

func (p *Partition) Workers() int { return p.workers }
func (p *Partition) Groups() int  { return p.groups }

// GroupOf returns the group id owning rank, or Idle for excess ranks left
// out by an explicit per-group size.  Groups are contiguous rank blocks;
// with inferred sizes the first P%N groups get the extra rank.
func (p *Partition) GroupOf(rank int) int {
	if rank < 0 || rank >= p.workers {
		return Idle
	}
	if p.perGroup != 0 {
		if rank >= p.perGroup*p.groups {
			return Idle
		}
		return rank / p.perGroup
	}
	q := p.workers / p.groups
	r := p.workers % p.groups
	boundary := r * (q + 1)
	if rank < boundary {
		return rank / (q + 1)
	}
	return r + (rank-boundary)/q
}

// RankIn returns rank's index within its own group, or Idle for idle ranks.
func (p *Partition) RankIn(rank int) int {
	if p.GroupOf(rank) == Idle {
		return Idle
	}
	if p.perGroup != 0 {
		return rank % p.perGroup
	}
	q := p.workers / p.groups
	r := p.workers % p.groups
	boundary := r * (q + 1)
	if rank < boundary {
		return rank % (q + 1)
	}
	return (rank - boundary) % q
}

// SizeOf returns the number of ranks in group gid.
func (p *Partition) SizeOf(gid int) int {
	if gid < 0 || gid >= p.groups {
		return 0
	}
	if p.perGroup != 0 {
		return p.perGroup
	}
	q := p.workers / p.groups
	if gid < p.workers%p.groups {
		return q + 1
	}
	return q
}

// Leader reports whether rank is its group's representative (group rank 0).
// Representatives speak for their group in cross-group exchanges.
func (p *Partition) Leader(rank int) bool {
	return p.RankIn(rank) == 0
}

// Subcomm carves the group-scoped communicator for world's rank out of the
// world communicator.  Idle ranks receive nil.  This is a collective call:
// every rank of world must enter it.
func (p *Partition) Subcomm(ctx context.Context, world comm.Comm) (comm.Comm, error) {
	if world.Size() != p.workers {
		return nil, errors.Wrapf(ErrPartition,
			"communicator size %d does not match partition over %d workers", world.Size(), p.workers)
	}
	gid := p.GroupOf(world.Rank())
	color := gid
	if gid == Idle {
		color = comm.Undefined
	}
	return world.Split(ctx, color, world.Rank())
}
