// Package smf is the worked example pipeline: fitting a galaxy stellar-mass
// function (SMF) to a target, where the statistic is a histogram of expected
// bin occupancies over halo masses partitioned across the worker ranks of
// one evaluation group.  The model has two parameters: log_shmrat, the log
// stellar-to-halo mass ratio shifting every halo's mean stellar mass, and
// sigma_logsm, the log-normal scatter of stellar mass at fixed halo mass.
package smf

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/AlanPearl/mpipso"
	"github.com/AlanPearl/mpipso/stat"
)

// Truth is the parameter vector the published target statistic was
// generated from.
var Truth = []float64{-2.0, 0.2}

// Target is the SMF at Truth for the default synthetic halo catalog.
var Target = []float64{
	2.30178721e-02, 1.69728529e-02, 1.16054425e-02, 7.10532581e-03,
	3.77187086e-03, 1.69136131e-03, 6.28149020e-04, 1.90466686e-04,
	4.66692982e-05, 9.17260695e-06,
}

// Synthetic halo catalog: a power law truncated so the SMF keeps a knee.
const (
	slope = -2.0
	mmin  = 1e10
	qmax  = 0.95
)

// LogHaloMasses generates the synthetic halo catalog and returns the
// base-10 log masses of rank's contiguous shard of it.  The catalog is a
// pure function of numHalos, so every rank derives its shard locally.
func LogHaloMasses(numHalos, rank, size int) []float64 {
	lo, hi := mpipso.SplitIndex(numHalos, rank, size)
	den := float64(numHalos - 1)
	if numHalos == 1 {
		den = 1
	}
	out := make([]float64, 0, hi-lo)
	for i := lo; i < hi; i++ {
		q := qmax * float64(i) / den
		m := mmin * math.Pow(1-q, 1/(slope+1))
		out = append(out, math.Log10(m))
	}
	return out
}

// Model evaluates the SMF statistic over one rank's halo shard.
type Model struct {
	// BinEdges are the log stellar-mass bin edges; the statistic has
	// len(BinEdges)-1 components.
	BinEdges []float64
	// Volume is the survey volume the counts are normalized by.
	Volume float64
	// LogMh is this rank's shard of log halo masses.
	LogMh []float64
	// Target is the statistic the loss compares against.
	Target []float64
}

// New builds the default model over a shard: ten bins spanning log stellar
// masses 9-10, volume proportional to the full catalog size, and the
// published target.
func New(logmh []float64, numHalos int) *Model {
	edges := make([]float64, 11)
	floats.Span(edges, 9, 10)
	return &Model{
		BinEdges: edges,
		Volume:   10 * float64(numHalos),
		LogMh:    logmh,
		Target:   Target,
	}
}

// Statistic returns the partial-statistic capability over this shard.  Bin
// k of the statistic is the expected number density of galaxies with log
// stellar mass inside the bin: each halo contributes the probability mass
// of a normal with mean logmh + log_shmrat and deviation sigma_logsm, and
// the Jacobian carries the analytic derivatives with respect to both
// parameters.
func (m *Model) Statistic() stat.StatisticFunc {
	return func(params []float64) ([]float64, *mat.Dense) {
		shmrat, sigma := params[0], params[1]
		k := len(m.BinEdges) - 1
		s := make([]float64, k)
		jac := mat.NewDense(k, 2, nil)

		for _, logmh := range m.LogMh {
			mean := logmh + shmrat
			for j := 0; j < k; j++ {
				lowCDF, dLow0, dLow1 := normCDF(m.BinEdges[j], mean, sigma)
				highCDF, dHigh0, dHigh1 := normCDF(m.BinEdges[j+1], mean, sigma)
				s[j] += highCDF - lowCDF
				jac.Set(j, 0, jac.At(j, 0)+dHigh0-dLow0)
				jac.Set(j, 1, jac.At(j, 1)+dHigh1-dLow1)
			}
		}

		for j := 0; j < k; j++ {
			norm := 1 / (m.Volume * (m.BinEdges[j+1] - m.BinEdges[j]))
			s[j] *= norm
			jac.Set(j, 0, jac.At(j, 0)*norm)
			jac.Set(j, 1, jac.At(j, 1)*norm)
		}
		return s, jac
	}
}

// normCDF returns the normal CDF at x for the given mean and deviation,
// plus its derivatives with respect to the mean shift (log_shmrat) and the
// deviation (sigma_logsm).
func normCDF(x, mean, sigma float64) (cdf, dShift, dSigma float64) {
	u := (x - mean) / (math.Sqrt2 * sigma)
	cdf = 0.5 * (1 + math.Erf(u))
	// d/du erf(u) = 2/sqrt(pi) * exp(-u^2)
	pdf := math.Exp(-u*u) / math.Sqrt(math.Pi)
	dShift = -pdf / (math.Sqrt2 * sigma) // mean = logmh + shift
	dSigma = -pdf * u / sigma
	return cdf, dShift, dSigma
}

// Loss returns the scalar reduction: mean squared error between the log10
// statistic and the log10 target, a reduced chi2 with unit errors.
func (m *Model) Loss() stat.LossFunc {
	ln10 := math.Log(10)
	return func(total []float64) (float64, []float64) {
		k := float64(len(total))
		loss := 0.0
		grad := make([]float64, len(total))
		for j, v := range total {
			r := math.Log10(v) - math.Log10(m.Target[j])
			loss += r * r / k
			grad[j] = 2 * r / (k * v * ln10)
		}
		return loss, grad
	}
}
