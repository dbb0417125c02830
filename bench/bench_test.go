package bench_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlanPearl/mpipso/bench"
)

// Every benchmark's stated optimum must sit inside its own bounds and
// actually evaluate to the stated value.
func TestOptimaAreConsistent(t *testing.T) {
	for _, fn := range bench.AllFuncs {
		fn := fn
		t.Run(fn.Name(), func(t *testing.T) {
			pos, val := fn.Optimum()
			require.True(t, bench.InsideBounds(pos, fn), "optimum %v outside bounds", pos)
			assert.InDelta(t, val, fn.Eval(pos), 1e-9)
		})
	}
}

func TestEvalOutsideBoundsIsInf(t *testing.T) {
	fn := bench.Sphere{NDim: 2}
	if v := fn.Eval([]float64{100, 0}); !math.IsInf(v, 1) {
		t.Errorf("out-of-bounds evaluation returned %v, want +Inf", v)
	}
}

func TestObjectiveAdapter(t *testing.T) {
	ev := bench.Objective(bench.Sphere{NDim: 2})
	val, grad, err := ev.Evaluate(context.Background(), []float64{1, 2})
	require.NoError(t, err)
	assert.Nil(t, grad)
	assert.Equal(t, 5.0, val)
}

func TestLinStatOptimum(t *testing.T) {
	rows := [][]float64{{1, 2}, {2, 4}, {3, 6}}
	m := bench.LinStat{Target: []float64{3, 24}}

	opt := m.Optimum(rows)
	assert.Equal(t, []float64{0.5, 2.0}, opt)

	// the loss at the closed-form optimum vanishes with a zero gradient
	s, _ := m.Statistic(rows)(opt)
	loss, grad := m.Loss()(s)
	assert.InDelta(t, 0, loss, 1e-12)
	for j := range grad {
		assert.InDelta(t, 0, grad[j], 1e-9, "gradient component %v", j)
	}
}

// Sharding rows across statistics and summing the partials must match the
// single-holder statistic and Jacobian.
func TestLinStatSharding(t *testing.T) {
	rows := [][]float64{{1, 0.5}, {2, 0.25}, {4, 0.125}, {8, 2}}
	m := bench.LinStat{Target: []float64{1, 1}}
	params := []float64{0.3, -0.7}

	whole, wholeJac := m.Statistic(rows)(params)

	partA, jacA := m.Statistic(rows[:1])(params)
	partB, jacB := m.Statistic(rows[1:])(params)
	for j := range whole {
		assert.InDelta(t, whole[j], partA[j]+partB[j], 1e-12, "statistic component %v", j)
		assert.InDelta(t, wholeJac.At(j, j), jacA.At(j, j)+jacB.At(j, j), 1e-12, "jacobian diagonal %v", j)
	}
}
