package bench

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/AlanPearl/mpipso/stat"
)

// LinStat is a summary-statistic model with a closed-form fit, for testing
// the distributed evaluation path end to end: component k of the statistic
// is params[k] scaled by the k-th column sum of the data, so the total
// statistic over any sharding of the rows equals the single-holder value and
// the squared-error optimum is target[k] / colsum[k] exactly.
type LinStat struct {
	Target []float64
}

// Statistic binds a worker's row shard and returns its partial-statistic
// capability.  The Jacobian is the diagonal of the shard's column sums.
func (m LinStat) Statistic(shard [][]float64) stat.StatisticFunc {
	k := len(m.Target)
	colsum := make([]float64, k)
	for _, row := range shard {
		floats.Add(colsum, row)
	}
	return func(params []float64) ([]float64, *mat.Dense) {
		s := make([]float64, k)
		jac := mat.NewDense(k, k, nil)
		for j := 0; j < k; j++ {
			s[j] = colsum[j] * params[j]
			jac.Set(j, j, colsum[j])
		}
		return s, jac
	}
}

// Loss is plain squared error against the target statistic.
func (m LinStat) Loss() stat.LossFunc {
	return func(total []float64) (float64, []float64) {
		loss := 0.0
		grad := make([]float64, len(total))
		for j, v := range total {
			r := v - m.Target[j]
			loss += r * r
			grad[j] = 2 * r
		}
		return loss, grad
	}
}

// Optimum returns the closed-form best parameters for the full dataset.
func (m LinStat) Optimum(data [][]float64) []float64 {
	colsum := make([]float64, len(m.Target))
	for _, row := range data {
		floats.Add(colsum, row)
	}
	pos := make([]float64, len(m.Target))
	for j := range pos {
		pos[j] = m.Target[j] / colsum[j]
	}
	return pos
}
