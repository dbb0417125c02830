package swarm

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

// Result is the outcome of a run.  Every rank returns an identical Result:
// all of it is derived from the per-iteration world-wide exchange, so no
// extra communication is needed to report from any single rank.
type Result struct {
	// BestPos and BestVal are the best position found by any particle and
	// its loss.
	BestPos []float64
	BestVal float64
	// LossHistory holds the agreed global best loss after each recorded
	// iteration.  It is non-increasing.
	LossHistory []float64
	// SwarmLoss[k][g] is particle g's evaluated loss at iteration k.
	SwarmLoss [][]float64
	// Positions[k][g] is the position particle g was evaluated at during
	// iteration k.
	Positions [][][]float64
}

// Run executes the swarm loop for up to steps iterations and returns the
// final state.  Every rank of the world must call Run; the call blocks in
// collectives until all ranks participate.  An initial evaluation pass seeds
// the personal and global bests before the first move; each iteration then
// moves every particle toward the agreed bests, re-evaluates, and agrees on
// the new global best across groups.
func (s *Swarm) Run(ctx context.Context, steps int) (*Result, error) {
	if steps <= 0 {
		return nil, errors.Wrapf(ErrConfig, "step count %d must be positive", steps)
	}
	if s.histDB != nil && s.world.Rank() == 0 {
		h, err := newHistory(s.histDB, len(s.low))
		if err != nil {
			return nil, err
		}
		s.hist = h
	}

	// iteration 0: evaluate the starting positions to seed the bests
	if _, _, err := s.step(ctx, 0); err != nil {
		return nil, err
	}

	res := &Result{}
	for k := 1; k <= steps; k++ {
		prevBest, gpos := s.globalBest()

		if s.self != nil {
			s.self.Move(gpos, stream(s.seed, k, s.gid),
				s.inertiaFn(k), s.cognition, s.social,
				s.vmax, s.low, s.high, s.policy)
		}

		losses, positions, err := s.step(ctx, k)
		if err != nil {
			return nil, err
		}

		gval, gbest := s.globalBest()
		res.LossHistory = append(res.LossHistory, gval)
		res.SwarmLoss = append(res.SwarmLoss, losses)
		res.Positions = append(res.Positions, positions)
		if s.hist != nil {
			if err := s.hist.record(k, losses, positions, s.bestVals, s.bestPoss, gval, gbest); err != nil {
				return nil, err
			}
		}
		s.log.Debug("swarm iteration", "iter", k, "best", gval)

		if s.tol > 0 && prevBest-gval < s.tol {
			s.log.Info("swarm converged", "iter", k, "best", gval, "improvement", prevBest-gval)
			break
		}
	}

	res.BestVal, res.BestPos = s.globalBest()
	return res, nil
}

// step evaluates this rank's particle (if any), then performs the
// cross-group exchange: group leaders deposit their particle's (loss,
// position) row into a world-wide table reduced with a single sum
// all-reduce, after which every rank holds every particle's row and updates
// the shared best tables identically.  A status flag rides in the same
// reduction so a failing rank turns into an agreed abort on all ranks
// instead of a divergent local error.
func (s *Swarm) step(ctx context.Context, iter int) (losses []float64, positions [][]float64, err error) {
	n := s.part.Groups()
	d := len(s.low)
	row := 1 + d
	buf := make([]float64, n*row+1)

	var everr error
	if s.self != nil {
		var val float64
		val, _, everr = s.ev.Evaluate(ctx, s.self.Pos)
		if everr != nil {
			s.log.Error("loss evaluation failed",
				"iter", iter, "particle", s.gid, "err", everr)
			buf[n*row] = 1
			val = math.Inf(1)
		} else if math.IsNaN(val) || math.IsInf(val, 0) {
			// Numeric instability is local to this particle: warn and let
			// the particle skip its best update this iteration rather than
			// aborting the other groups.
			s.log.Warn("non-finite loss, skipping best update",
				"iter", iter, "particle", s.gid, "loss", val)
			val = math.Inf(1)
		}
		s.self.Update(val)
		if s.part.Leader(s.world.Rank()) {
			base := s.gid * row
			buf[base] = val
			copy(buf[base+1:base+row], s.self.Pos)
		}
	}

	out, rerr := s.world.AllReduceSum(ctx, buf)
	if rerr != nil {
		return nil, nil, errors.Wrapf(rerr, "swarm: cross-group exchange failed at iteration %d", iter)
	}
	if out[n*row] != 0 {
		if everr != nil {
			return nil, nil, errors.Wrapf(everr, "swarm: aborted at iteration %d", iter)
		}
		return nil, nil, errors.Wrapf(ErrAborted, "at iteration %d", iter)
	}

	losses = make([]float64, n)
	positions = make([][]float64, n)
	for g := 0; g < n; g++ {
		base := g * row
		losses[g] = out[base]
		positions[g] = append([]float64(nil), out[base+1:base+row]...)
	}

	// advance the per-particle best tables; identical on every rank because
	// the inputs are the agreed reduction result
	for g, v := range losses {
		if s.bestPoss[g] == nil || v < s.bestVals[g] {
			s.bestVals[g] = v
			s.bestPoss[g] = positions[g]
		}
	}
	return losses, positions, nil
}

// globalBest returns the best loss over all particles' personal bests and a
// copy of its position.  Ties keep the lowest particle id.
func (s *Swarm) globalBest() (float64, []float64) {
	best := math.Inf(1)
	var pos []float64
	for g, v := range s.bestVals {
		if s.bestPoss[g] == nil {
			continue
		}
		if pos == nil || v < best {
			best = v
			pos = s.bestPoss[g]
		}
	}
	if pos == nil {
		return best, nil
	}
	return best, append([]float64(nil), pos...)
}
