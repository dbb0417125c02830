// Package swarm implements particle-swarm optimization over candidates whose
// loss evaluations are distributed: each particle is owned by one evaluation
// group of worker ranks, groups evaluate their particles concurrently, and
// the per-iteration global best is agreed through a single world-wide
// reduction so every rank carries identical swarm state.
package swarm

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/AlanPearl/mpipso/comm"
	"github.com/AlanPearl/mpipso/group"
)

// These params are calculated using a constriction factor originally
// described in:
//
//	Clerc and M.  “The swarm and the queen: towards a deterministic and
//	adaptive particle swarm optimization” Proc. 1999 Congress on
//	Evolutionary Computation, pp. 1951-1957
//
// The cognition and social parameters correspond to c1 and c2 values of 2.05
// that have been multiplied by their constriction coeffient - i.e.
// DefaultSocial = Constriction(2.05, 2.05)*2.05.  DefaultInertia is set equal
// to the constriction coefficient.
const (
	DefaultCognition = 1.496179765663133
	DefaultSocial    = 1.496179765663133
	DefaultInertia   = 0.7298437881283576
)

// ErrConfig is reported for invalid optimizer configuration before any
// collective work starts.
var ErrConfig = errors.New("swarm: invalid config")

// ErrAborted is reported on every rank when any rank votes to abort the run
// mid-iteration, so all ranks exit together.
var ErrAborted = errors.New("swarm: run aborted by peer failure")

// Constriction calculates the constriction coefficient for the given c1 and
// c2 for the particle velocity equation:
//
//	v_next = k(v_curr + c1*rand*(p_personal-x) + c2*rand*(p_glob-x))
//
// c1+c2 should usually be greater than (but close to) 4.  'w = k' is often
// referred to as the inertia in the traditional swarm equation.
func Constriction(c1, c2 float64) float64 {
	phi := c1 + c2
	return 2 / math.Abs(2-phi-math.Sqrt(phi*phi-4*phi))
}

// Evaluator is the distributed objective for one particle's group: every
// member of the group calls Evaluate with the same params and blocks until
// the group's reduction completes.  Lower losses are better.  The gradient
// may be nil for gradient-free objectives; the swarm ignores it.
type Evaluator interface {
	Evaluate(ctx context.Context, params []float64) (loss float64, grad []float64, err error)
}

// BoundPolicy selects what happens to a particle that steps outside the box
// bounds.
type BoundPolicy int

const (
	// Clamp pins the offending position component to the violated bound and
	// zeroes that velocity component.
	Clamp BoundPolicy = iota
	// Reflect mirrors the position about the violated bound and negates that
	// velocity component.
	Reflect
)

type Particle struct {
	Id      int
	Pos     []float64
	Vel     []float64
	Val     float64
	BestVal float64
	BestPos []float64
}

// Update records a freshly evaluated loss, advancing the personal best only
// on strict improvement so BestVal never increases.
func (p *Particle) Update(newval float64) {
	p.Val = newval
	if p.BestPos == nil || newval < p.BestVal {
		p.BestVal = newval
		p.BestPos = append([]float64(nil), p.Pos...)
	}
}

// Move applies the canonical velocity and position update toward gbest.
func (p *Particle) Move(gbest []float64, rng *rand.Rand, inertia, cognition, social float64, vmax, low, high []float64, policy BoundPolicy) {
	for i, currv := range p.Vel {
		// random draws r1 and r2 MUST go inside this loop and be generated
		// uniquely for each dimension of p's velocity.
		r1 := rng.Float64()
		r2 := rng.Float64()
		p.Vel[i] = inertia*currv +
			cognition*r1*(p.BestPos[i]-p.Pos[i]) +
			social*r2*(gbest[i]-p.Pos[i])
		if vmax != nil && math.Abs(p.Vel[i]) > vmax[i] {
			p.Vel[i] = math.Copysign(vmax[i], p.Vel[i])
		}
	}

	for i := range p.Pos {
		p.Pos[i] += p.Vel[i]
	}
	if low != nil {
		p.rebound(low, high, policy)
	}
}

func (p *Particle) rebound(low, high []float64, policy BoundPolicy) {
	for i := range p.Pos {
		switch {
		case p.Pos[i] < low[i]:
			if policy == Reflect {
				p.Pos[i] = 2*low[i] - p.Pos[i]
				p.Vel[i] = -p.Vel[i]
			} else {
				p.Pos[i] = low[i]
				p.Vel[i] = 0
			}
		case p.Pos[i] > high[i]:
			if policy == Reflect {
				p.Pos[i] = 2*high[i] - p.Pos[i]
				p.Vel[i] = -p.Vel[i]
			} else {
				p.Pos[i] = high[i]
				p.Vel[i] = 0
			}
		}
		// a reflection larger than the box collapses to the bound
		if p.Pos[i] < low[i] {
			p.Pos[i] = low[i]
		} else if p.Pos[i] > high[i] {
			p.Pos[i] = high[i]
		}
	}
}

type Option func(*Swarm)

// LearnFactors sets the cognition (c1) and social (c2) velocity weights.
func LearnFactors(cognition, social float64) Option {
	return func(s *Swarm) {
		s.cognition = cognition
		s.social = social
	}
}

func FixedInertia(v float64) Option {
	return func(s *Swarm) {
		s.inertiaFn = func(iter int) float64 { return v }
	}
}

// LinInertia sets particle inertia for velocity updates to vary linearly
// from the start (high) to end (low) values from 0 to maxiter.  Common values
// are start = 0.9 and end = 0.4 - for details see:
//
//	Eberhart, R.C.; Yuhui Shi, "Particle swarm optimization: developments,
//	applications and resources," Evolutionary Computation, 2001. Proceedings of
//	the 2001 Congress on , vol.1, no., pp.81,86 vol. 1, 2001 doi:
//	10.1109/CEC.2001.934374
func LinInertia(start, end float64, maxiter int) Option {
	return func(s *Swarm) {
		s.inertiaFn = func(iter int) float64 {
			return start - (start-end)*float64(iter)/float64(maxiter)
		}
	}
}

// Vmax sets the speed limit per dimension for particles.  If unset, the
// bounded range of each dimension is used.
func Vmax(vmaxes []float64) Option {
	return func(s *Swarm) { s.vmax = vmaxes }
}

func VmaxAll(vmax float64) Option {
	return func(s *Swarm) {
		for i := range s.vmax {
			s.vmax[i] = vmax
		}
	}
}

// Bounce selects the out-of-bounds policy (Clamp by default).
func Bounce(policy BoundPolicy) Option {
	return func(s *Swarm) { s.policy = policy }
}

// InitialPoints replaces the seed-derived initial positions with
// caller-supplied guesses, one per particle.
func InitialPoints(points [][]float64) Option {
	return func(s *Swarm) { s.initPos = points }
}

// ConvergeTol stops the run early once an iteration improves the global
// best loss by less than tol.  Zero disables the check.
func ConvergeTol(tol float64) Option {
	return func(s *Swarm) { s.tol = tol }
}

// Logger sets the logger used for numeric warnings and per-iteration
// diagnostics.  Defaults to slog.Default.
func Logger(l *slog.Logger) Option {
	return func(s *Swarm) { s.log = l }
}

// DB enables recording of per-iteration positions, values, and bests to the
// given database.  Only world rank 0 writes; passing the option on other
// ranks is harmless.
func DB(db *sql.DB) Option {
	return func(s *Swarm) { s.histDB = db }
}

// Swarm drives the distributed PSO loop.  Every rank of the world
// communicator constructs an identical Swarm and calls Run; ranks that own a
// particle evaluate it through their group's Evaluator while idle ranks only
// take part in the world-wide agreement step.
type Swarm struct {
	world comm.Comm
	part  *group.Partition
	ev    Evaluator
	self  *Particle // nil on idle ranks
	gid   int

	seed      uint64
	low, high []float64
	cognition float64
	social    float64
	inertiaFn func(iter int) float64
	vmax      []float64
	policy    BoundPolicy
	initPos   [][]float64
	tol       float64
	log       *slog.Logger

	histDB *sql.DB
	hist   *history

	// per-particle bests, identical on every rank after each iteration
	bestVals []float64
	bestPoss [][]float64
}

// New builds the swarm state on one rank.  part must assign one group per
// particle over world's ranks; ev is this rank's group-scoped evaluator and
// must be nil exactly when the rank is idle under the partition.
func New(world comm.Comm, part *group.Partition, ev Evaluator, seed uint64, low, high []float64, opts ...Option) (*Swarm, error) {
	if len(low) == 0 || len(low) != len(high) {
		return nil, errors.Wrapf(ErrConfig, "bounds have lengths %d and %d", len(low), len(high))
	}
	for i := range low {
		if low[i] > high[i] {
			return nil, errors.Wrapf(ErrConfig, "bounds dimension %d has low %v > high %v", i, low[i], high[i])
		}
	}
	if world.Size() != part.Workers() {
		return nil, errors.Wrapf(ErrConfig, "world size %d does not match partition over %d workers",
			world.Size(), part.Workers())
	}
	gid := part.GroupOf(world.Rank())
	if (gid == group.Idle) != (ev == nil) {
		return nil, errors.Wrapf(ErrConfig, "rank %d: evaluator presence does not match group assignment", world.Rank())
	}

	s := &Swarm{
		world:     world,
		part:      part,
		ev:        ev,
		gid:       gid,
		seed:      seed,
		low:       low,
		high:      high,
		cognition: DefaultCognition,
		social:    DefaultSocial,
		inertiaFn: func(iter int) float64 { return DefaultInertia },
		vmax:      vmaxFromBounds(low, high),
		bestVals:  make([]float64, part.Groups()),
		bestPoss:  make([][]float64, part.Groups()),
	}
	for i := range s.bestVals {
		s.bestVals[i] = math.Inf(1)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.initPos != nil {
		if len(s.initPos) != part.Groups() {
			return nil, errors.Wrapf(ErrConfig, "%d initial points for %d particles", len(s.initPos), part.Groups())
		}
		for i, p := range s.initPos {
			if len(p) != len(low) {
				return nil, errors.Wrapf(ErrConfig, "initial point %d has dimension %d, want %d", i, len(p), len(low))
			}
		}
	}

	if gid != group.Idle {
		s.self = &Particle{
			Id:      gid,
			Pos:     s.startPos(gid),
			Vel:     startVel(seed, gid, s.vmax),
			Val:     math.Inf(1),
			BestVal: math.Inf(1),
		}
	}
	return s, nil
}

func (s *Swarm) startPos(gid int) []float64 {
	if s.initPos != nil {
		return append([]float64(nil), s.initPos[gid]...)
	}
	return InitPositions(s.seed, gid+1, s.low, s.high)[gid]
}

// InitPositions returns the seed-derived starting position of each of n
// particles, uniform within the bounds.  Every rank derives the same
// positions from the same seed, independent of the worker count.
func InitPositions(seed uint64, n int, low, high []float64) [][]float64 {
	points := make([][]float64, n)
	for gid := range points {
		rng := stream(seed, 0, gid)
		pos := make([]float64, len(low))
		for j := range pos {
			pos[j] = low[j] + rng.Float64()*(high[j]-low[j])
		}
		points[gid] = pos
	}
	return points
}

// startVel continues particle gid's init stream past its position draws.
func startVel(seed uint64, gid int, vmax []float64) []float64 {
	rng := stream(seed, 0, gid)
	for range vmax {
		rng.Float64()
	}
	vel := make([]float64, len(vmax))
	for j, v := range vmax {
		vel[j] = v * (1 - 2*rng.Float64())
	}
	return vel
}

// stream returns the random stream for one (iteration, particle) pair.  All
// draws in a run are pure functions of (seed, iter, gid, draw index), so
// every member of a group moves its particle identically without ever
// communicating random values.  Iteration 0 is reserved for initialization.
func stream(seed uint64, iter, gid int) *rand.Rand {
	mix := uint64(iter)*0x9e3779b97f4a7c15 + uint64(gid)
	return rand.New(rand.NewPCG(seed, mix))
}

func vmaxFromBounds(low, high []float64) []float64 {
	vmax := make([]float64, len(low))
	for i := range vmax {
		// Eberhart et al. suggest (high-low)/2 - removing the divide by two
		// seems to help the swarm avoid premature convergence on difficult
		// problems.
		vmax[i] = high[i] - low[i]
	}
	return vmax
}
