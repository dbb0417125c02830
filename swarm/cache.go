package swarm

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"math"
)

// CacheEvaluator wraps an Evaluator and memoizes results by exact parameter
// value.  Because every member of a group evaluates the same sequence of
// parameter vectors, cache hits land on all members of a group together, so
// the wrapped evaluator's collective calls stay matched across the group.
type CacheEvaluator struct {
	ev    Evaluator
	cache map[[sha1.Size]byte]cached
}

type cached struct {
	loss float64
	grad []float64
}

func NewCacheEvaluator(ev Evaluator) *CacheEvaluator {
	return &CacheEvaluator{ev: ev, cache: map[[sha1.Size]byte]cached{}}
}

func (ce *CacheEvaluator) Evaluate(ctx context.Context, params []float64) (float64, []float64, error) {
	h := hashParams(params)
	if c, ok := ce.cache[h]; ok {
		return c.loss, append([]float64(nil), c.grad...), nil
	}
	loss, grad, err := ce.ev.Evaluate(ctx, params)
	if err != nil {
		return loss, grad, err
	}
	ce.cache[h] = cached{loss: loss, grad: append([]float64(nil), grad...)}
	return loss, grad, nil
}

func hashParams(params []float64) [sha1.Size]byte {
	data := make([]byte, len(params)*8)
	for i, v := range params {
		binary.BigEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return sha1.Sum(data)
}
