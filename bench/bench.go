// Package bench provides benchmark objectives for exercising the swarm
// against functions with known optima, from
// http://en.wikipedia.org/wiki/Test_functions_for_optimization, plus a
// linear summary-statistic model whose distributed fit has a closed-form
// solution.
package bench

import (
	"context"
	"fmt"
	"math"

	"github.com/AlanPearl/mpipso/swarm"
)

var (
	sin  = math.Sin
	cos  = math.Cos
	abs  = math.Abs
	exp  = math.Exp
	sqrt = math.Sqrt
)

var AllFuncs = []Func{
	Ackley{},
	Sphere{NDim: 2},
	Sphere{NDim: 10},
	Styblinski{NDim: 2},
	Styblinski{NDim: 10},
	Rosenbrock{NDim: 2},
}

// Func is a benchmark objective with box bounds and a known optimum.
type Func interface {
	Eval(v []float64) float64
	Bounds() (low, up []float64)
	Optimum() (pos []float64, val float64)
	Name() string
}

// Objective adapts fn into a gradient-free swarm evaluator.  Evaluation is
// purely local, so any group structure works; every member of a group
// computes the same loss from the same params.
func Objective(fn Func) swarm.Evaluator {
	return objective{fn}
}

type objective struct{ fn Func }

func (o objective) Evaluate(_ context.Context, v []float64) (float64, []float64, error) {
	return o.fn.Eval(v), nil, nil
}

type Ackley struct{}

func (fn Ackley) Name() string { return "Ackley" }

func (fn Ackley) Eval(v []float64) float64 {
	if !InsideBounds(v, fn) {
		return math.Inf(1)
	}

	x := v[0]
	y := v[1]
	return -20*exp(-0.2*sqrt(0.5*(x*x+y*y))) -
		exp(0.5*(cos(2*math.Pi*x)+cos(2*math.Pi*y))) +
		20 + math.E
}

func (fn Ackley) Bounds() (low, up []float64) {
	return []float64{-5, -5}, []float64{5, 5}
}

func (fn Ackley) Optimum() ([]float64, float64) {
	return []float64{0, 0}, 0
}

type Sphere struct {
	NDim int
}

func (fn Sphere) Name() string { return fmt.Sprintf("Sphere_%vD", fn.NDim) }

func (fn Sphere) Eval(v []float64) float64 {
	if !InsideBounds(v, fn) {
		return math.Inf(1)
	}

	tot := 0.0
	for _, x := range v {
		tot += x * x
	}
	return tot
}

func (fn Sphere) Bounds() (low, up []float64) {
	low = make([]float64, fn.NDim)
	up = make([]float64, fn.NDim)
	for i := range low {
		low[i] = -10
		up[i] = 10
	}
	return low, up
}

func (fn Sphere) Optimum() ([]float64, float64) {
	return make([]float64, fn.NDim), 0
}

type Styblinski struct {
	NDim int
}

func (fn Styblinski) Name() string { return fmt.Sprintf("Styblinski_%vD", fn.NDim) }

func (fn Styblinski) Eval(x []float64) float64 {
	if !InsideBounds(x, fn) {
		return math.Inf(1)
	}

	tot := 0.0
	for _, v := range x {
		tot += math.Pow(v, 4) - 16*math.Pow(v, 2) + 5*v
	}
	return tot / 2
}

func (fn Styblinski) Bounds() (low, up []float64) {
	low = make([]float64, fn.NDim)
	up = make([]float64, fn.NDim)
	for i := range low {
		low[i] = -5
		up[i] = 5
	}
	return low, up
}

func (fn Styblinski) Optimum() ([]float64, float64) {
	pos := make([]float64, fn.NDim)
	for i := range pos {
		pos[i] = -2.903534027771177
	}
	return pos, -39.16616570377141 * float64(fn.NDim)
}

type Rosenbrock struct {
	NDim int
}

func (fn Rosenbrock) Name() string { return fmt.Sprintf("Rosenbrock_%vD", fn.NDim) }

func (fn Rosenbrock) Eval(x []float64) float64 {
	if !InsideBounds(x, fn) {
		return math.Inf(1)
	}

	tot := 0.0
	for i := 0; i < fn.NDim-1; i++ {
		tot += 100*math.Pow(x[i+1]-x[i]*x[i], 2) + math.Pow(x[i]-1, 2)
	}
	return tot
}

func (fn Rosenbrock) Bounds() (low, up []float64) {
	low = make([]float64, fn.NDim)
	up = make([]float64, fn.NDim)
	for i := range low {
		low[i] = -30
		up[i] = 30
	}
	return low, up
}

func (fn Rosenbrock) Optimum() ([]float64, float64) {
	pos := make([]float64, fn.NDim)
	for i := range pos {
		pos[i] = 1
	}
	return pos, 0
}

func InsideBounds(p []float64, fn Func) bool {
	low, up := fn.Bounds()
	for i := range p {
		if p[i] < low[i] || p[i] > up[i] {
			return false
		}
	}
	return true
}
