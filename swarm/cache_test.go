package swarm

import (
	"context"
	"testing"
)

type countingEvaluator struct {
	calls int
}

func (c *countingEvaluator) Evaluate(_ context.Context, params []float64) (float64, []float64, error) {
	c.calls++
	tot := 0.0
	grad := make([]float64, len(params))
	for i, v := range params {
		tot += v * v
		grad[i] = 2 * v
	}
	return tot, grad, nil
}

func TestCacheEvaluator(t *testing.T) {
	inner := &countingEvaluator{}
	ce := NewCacheEvaluator(inner)
	ctx := context.Background()

	v1, g1, err := ce.Evaluate(ctx, []float64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	v2, g2, err := ce.Evaluate(ctx, []float64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Errorf("inner evaluator called %v times, want 1", inner.calls)
	}
	if v1 != v2 {
		t.Errorf("cached loss %v != original %v", v2, v1)
	}
	for i := range g1 {
		if g1[i] != g2[i] {
			t.Errorf("cached gradient %v != original %v", g2, g1)
			break
		}
	}

	// the caller owns the returned gradient
	g2[0] = 99
	_, g3, _ := ce.Evaluate(ctx, []float64{1, 2})
	if g3[0] == 99 {
		t.Error("cache returned an aliased gradient slice")
	}

	if _, _, err := ce.Evaluate(ctx, []float64{1, 3}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("inner evaluator called %v times for a new point, want 2", inner.calls)
	}
}
