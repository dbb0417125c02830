package swarm_test

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/AlanPearl/mpipso/bench"
	"github.com/AlanPearl/mpipso/comm"
	"github.com/AlanPearl/mpipso/group"
	"github.com/AlanPearl/mpipso/swarm"
)

const (
	nparticles = 30
	maxiter    = 300
)

// runBench drives a swarm over fn with one rank per particle and returns
// rank 0's result.  Every rank computes an identical result, so picking
// rank 0 is only a convenience.
func runBench(t *testing.T, fn bench.Func, particles, steps int, seed uint64, opts ...swarm.Option) *swarm.Result {
	t.Helper()
	low, up := fn.Bounds()

	var mu sync.Mutex
	var res *swarm.Result
	err := comm.Run(context.Background(), particles, func(ctx context.Context, c comm.Comm) error {
		part, err := group.New(particles, particles)
		if err != nil {
			return err
		}
		s, err := swarm.New(c, part, bench.Objective(fn), seed, low, up, opts...)
		if err != nil {
			return err
		}
		r, err := s.Run(ctx, steps)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			mu.Lock()
			res = r
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestSimple(t *testing.T) {
	for _, fn := range bench.AllFuncs {
		fn := fn
		t.Run(fn.Name(), func(t *testing.T) {
			res := runBench(t, fn, nparticles, maxiter, 42)

			for i := 1; i < len(res.LossHistory); i++ {
				if res.LossHistory[i] > res.LossHistory[i-1] {
					t.Fatalf("global best worsened at iteration %v: %v -> %v",
						i, res.LossHistory[i-1], res.LossHistory[i])
				}
			}
			if res.BestVal != res.LossHistory[len(res.LossHistory)-1] {
				t.Errorf("BestVal %v disagrees with final history entry %v",
					res.BestVal, res.LossHistory[len(res.LossHistory)-1])
			}
			if res.BestVal > res.LossHistory[0] {
				t.Errorf("no improvement over first iteration: %v > %v",
					res.BestVal, res.LossHistory[0])
			}

			_, optval := fn.Optimum()
			t.Logf("[%v] best %v (optimum %v) after %v iterations",
				fn.Name(), res.BestVal, optval, len(res.LossHistory))
		})
	}
}

func TestSphereConverges(t *testing.T) {
	fn := bench.Sphere{NDim: 2}
	res := runBench(t, fn, nparticles, maxiter, 1)
	if res.BestVal > 1e-2 {
		t.Errorf("best %v after %v iterations, want < 1e-2", res.BestVal, maxiter)
	}
}

// Identical seeds over identical swarms replay the exact same trajectory.
func TestDeterministicRepeat(t *testing.T) {
	fn := bench.Ackley{}
	a := runBench(t, fn, 8, 40, 7)
	b := runBench(t, fn, 8, 40, 7)

	require.Equal(t, len(a.LossHistory), len(b.LossHistory))
	for i := range a.LossHistory {
		assert.Equal(t, a.LossHistory[i], b.LossHistory[i], "iteration %v", i)
	}
	assert.Equal(t, a.BestPos, b.BestPos)
}

func TestBoundsRespected(t *testing.T) {
	fn := bench.Sphere{NDim: 2}
	low, up := fn.Bounds()
	for _, policy := range []swarm.BoundPolicy{swarm.Clamp, swarm.Reflect} {
		res := runBench(t, fn, 8, 50, 3, swarm.Bounce(policy))
		for k, iter := range res.Positions {
			for g, pos := range iter {
				for i := range pos {
					if pos[i] < low[i] || pos[i] > up[i] {
						t.Fatalf("policy %v: particle %v out of bounds at iteration %v: %v",
							policy, g, k, pos)
					}
				}
			}
		}
	}
}

// The agreed global best must equal the running minimum of all evaluated
// losses, since no evaluation outside the history exists.
func TestGlobalBestMatchesHistory(t *testing.T) {
	res := runBench(t, bench.Styblinski{NDim: 2}, 6, 30, 11)
	running := math.Inf(1)
	for k := range res.LossHistory {
		for _, v := range res.SwarmLoss[k] {
			if v < running {
				running = v
			}
		}
		if res.LossHistory[k] > running {
			t.Fatalf("iteration %v: agreed best %v exceeds running minimum %v",
				k, res.LossHistory[k], running)
		}
	}
}

func TestInitialPoints(t *testing.T) {
	fn := bench.Sphere{NDim: 2}
	points := [][]float64{{1, 1}, {-2, 3}}
	res := runBench(t, fn, 2, 5, 0, swarm.InitialPoints(points), swarm.VmaxAll(1e-9))
	// with a vanishing speed limit the particles barely move, so the best
	// must come from (1,1)
	assert.InDelta(t, 2.0, res.BestVal, 1e-3)
}

func TestConvergeTolStopsEarly(t *testing.T) {
	res := runBench(t, bench.Sphere{NDim: 2}, 10, maxiter, 5, swarm.ConvergeTol(1e-6))
	if len(res.LossHistory) >= maxiter {
		t.Errorf("ran all %v iterations despite convergence tolerance", maxiter)
	}
}

func TestDb(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	particles, steps := 3, 6
	fn := bench.Sphere{NDim: 2}
	low, up := fn.Bounds()

	err = comm.Run(context.Background(), particles, func(ctx context.Context, c comm.Comm) error {
		part, err := group.New(particles, particles)
		if err != nil {
			return err
		}
		var opts []swarm.Option
		if c.Rank() == 0 {
			opts = append(opts, swarm.DB(db))
		}
		s, err := swarm.New(c, part, bench.Objective(fn), 0, low, up, opts...)
		if err != nil {
			return err
		}
		_, err = s.Run(ctx, steps)
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+swarm.TblParticles).Scan(&n))
	assert.Equal(t, particles*steps, n, "particle history rows")

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+swarm.TblParticlesBest).Scan(&n))
	assert.Equal(t, particles*steps, n, "particle best rows")

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+swarm.TblBest).Scan(&n))
	assert.Equal(t, steps, n, "global best rows")
}

// A non-finite loss is a local event: the particle skips its best update
// for the iteration and the run carries on.
func TestNonFiniteLossSkipsBestUpdate(t *testing.T) {
	fn := bench.Sphere{NDim: 2}
	low, up := fn.Bounds()
	particles := 2

	err := comm.Run(context.Background(), particles, func(ctx context.Context, c comm.Comm) error {
		var ev swarm.Evaluator = bench.Objective(fn)
		if c.Rank() == 1 {
			ev = &nanFirstEvaluator{inner: ev}
		}
		part, err := group.New(particles, particles)
		if err != nil {
			return err
		}
		s, err := swarm.New(c, part, ev, 4, low, up)
		if err != nil {
			return err
		}
		res, err := s.Run(ctx, 20)
		if err != nil {
			return err
		}
		for k := range res.LossHistory {
			if math.IsNaN(res.LossHistory[k]) {
				t.Errorf("rank %v: NaN leaked into the agreed best at iteration %v", c.Rank(), k)
			}
		}
		if math.IsInf(res.BestVal, 0) || math.IsNaN(res.BestVal) {
			t.Errorf("rank %v: final best %v is not finite", c.Rank(), res.BestVal)
		}
		return nil
	})
	require.NoError(t, err)
}

// nanFirstEvaluator poisons its first evaluation and behaves normally after.
type nanFirstEvaluator struct {
	inner swarm.Evaluator
	calls int
}

func (e *nanFirstEvaluator) Evaluate(ctx context.Context, params []float64) (float64, []float64, error) {
	e.calls++
	if e.calls == 1 {
		return math.NaN(), nil, nil
	}
	return e.inner.Evaluate(ctx, params)
}

// A rank whose evaluator fails outright must abort every rank with an
// error instead of wedging the survivors in a collective.
func TestEvaluatorErrorAbortsAllRanks(t *testing.T) {
	fn := bench.Sphere{NDim: 2}
	low, up := fn.Bounds()
	particles := 3

	err := comm.Run(context.Background(), particles, func(ctx context.Context, c comm.Comm) error {
		part, err := group.New(particles, particles)
		if err != nil {
			return err
		}
		var ev swarm.Evaluator = bench.Objective(fn)
		if c.Rank() == 1 {
			ev = failingEvaluator{}
		}
		s, err := swarm.New(c, part, ev, 0, low, up)
		if err != nil {
			return err
		}
		_, runErr := s.Run(ctx, 10)
		if runErr == nil {
			t.Errorf("rank %v: run succeeded despite failing evaluator", c.Rank())
		}
		return nil
	})
	require.NoError(t, err)
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, []float64) (float64, []float64, error) {
	return 0, nil, assert.AnError
}
