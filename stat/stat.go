// Package stat turns per-worker partial summary statistics into a single
// differentiable scalar loss.  Each worker computes its shard's contribution
// to the statistic along with the contribution's Jacobian with respect to
// the model parameters; an elementwise-sum all-reduce over the worker's
// evaluation group yields the group-total statistic and total Jacobian on
// every member, and the chain rule through a pluggable scalar loss produces
// the parameter gradient.
package stat

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AlanPearl/mpipso/comm"
)

// StatisticFunc computes the calling worker's partial statistic (length K)
// for the given parameters, plus the K×D Jacobian of that partial with
// respect to the parameters.  The worker's data shard is bound into the
// closure by the caller; the shard itself is never communicated.  A nil
// Jacobian is allowed for gradient-free objectives.
type StatisticFunc func(params []float64) (partial []float64, jac *mat.Dense)

// LossFunc folds a group-total statistic into a scalar loss and the loss
// gradient with respect to the statistic (length K).  The comparison target
// is bound into the closure.  Implementations may capture auxiliary
// diagnostics in the closure; the optimizer only consumes the two returns.
type LossFunc func(total []float64) (loss float64, grad []float64)

// Aggregator sums partial statistics (and their Jacobians) across one
// evaluation group.  A nil Comm means the group has a single member and the
// partial already is the total.
type Aggregator struct {
	Comm comm.Comm
}

// Aggregate returns the elementwise group sum of every member's partial and
// Jacobian, identical on all members.  All members must contribute the same
// K and D.  Summation order is fixed by the communicator (ascending group
// rank), so the totals are bit-identical across members; totals from
// differently sized groups agree only to floating-point reordering
// tolerance.
func (a Aggregator) Aggregate(ctx context.Context, partial []float64, jac *mat.Dense) ([]float64, *mat.Dense, error) {
	k := len(partial)
	if k == 0 {
		return nil, nil, errors.New("stat: empty partial statistic")
	}
	d := 0
	if jac != nil {
		var jr int
		jr, d = jac.Dims()
		if jr != k {
			return nil, nil, errors.Errorf("stat: jacobian has %d rows for a length-%d statistic", jr, k)
		}
	}
	if a.Comm == nil || a.Comm.Size() == 1 {
		total := append([]float64(nil), partial...)
		var tjac *mat.Dense
		if jac != nil {
			tjac = mat.DenseCopyOf(jac)
		}
		return total, tjac, nil
	}

	// One collective per evaluation: statistic and Jacobian ride in a single
	// flattened buffer.
	buf := make([]float64, k+k*d)
	copy(buf, partial)
	if jac != nil {
		copy(buf[k:], jac.RawMatrix().Data)
	}
	out, err := a.Comm.AllReduceSum(ctx, buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "stat: group reduction failed")
	}

	total := append([]float64(nil), out[:k]...)
	var tjac *mat.Dense
	if jac != nil {
		tjac = mat.NewDense(k, d, append([]float64(nil), out[k:]...))
	}
	return total, tjac, nil
}

// Evaluator is the pure loss function over parameters for one evaluation
// group: Evaluate composes the local statistic, the group reduction, and
// the scalar loss into params -> (loss, grad).  Repeated calls with the
// same parameters and data return identical results.
type Evaluator struct {
	Statistic StatisticFunc
	Loss      LossFunc
	Agg       Aggregator
}

// NewEvaluator builds an evaluator over the given group communicator
// (nil for a single-worker group).
func NewEvaluator(c comm.Comm, statistic StatisticFunc, loss LossFunc) *Evaluator {
	return &Evaluator{Statistic: statistic, Loss: loss, Agg: Aggregator{Comm: c}}
}

// Evaluate computes the group loss at params and its gradient with respect
// to params.  Every member of the group must call Evaluate for the same
// logical evaluation; the call blocks in the group reduction until all
// members arrive.  The gradient is nil when the statistic supplies no
// Jacobian.
func (e *Evaluator) Evaluate(ctx context.Context, params []float64) (float64, []float64, error) {
	partial, jac := e.Statistic(params)
	total, tjac, err := e.Agg.Aggregate(ctx, partial, jac)
	if err != nil {
		return math.Inf(1), nil, err
	}

	loss, dstat := e.Loss(total)
	if tjac == nil || dstat == nil {
		return loss, nil, nil
	}

	k, d := tjac.Dims()
	if len(dstat) != k {
		return math.Inf(1), nil, errors.Errorf(
			"stat: loss gradient has length %d for a length-%d statistic", len(dstat), k)
	}

	// dLoss/dParams = Jacobianᵀ · dLoss/dStat
	grad := mat.NewVecDense(d, nil)
	grad.MulVec(tjac.T(), mat.NewVecDense(k, dstat))
	out := make([]float64, d)
	copy(out, grad.RawVector().Data)
	return loss, out, nil
}
