package comm

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// WithTimeout wraps c so that every collective call waits at most d for its
// peers before failing with ErrStall.  The base collectives block forever on
// a missing peer; the wrapper turns that into an explicit, reportable
// condition at the cost of leaving the abandoned collective permanently
// incomplete, so a stalled run must be torn down as a whole rather than
// retried.
func WithTimeout(c Comm, d time.Duration) Comm {
	if d <= 0 {
		return c
	}
	return &deadlined{Comm: c, d: d}
}

type deadlined struct {
	Comm
	d time.Duration
}

func (dc *deadlined) AllReduceSum(ctx context.Context, vec []float64) ([]float64, error) {
	return dc.collect(ctx, func(ctx context.Context) ([]float64, error) {
		return dc.Comm.AllReduceSum(ctx, vec)
	})
}

func (dc *deadlined) Broadcast(ctx context.Context, vec []float64, root int) ([]float64, error) {
	return dc.collect(ctx, func(ctx context.Context) ([]float64, error) {
		return dc.Comm.Broadcast(ctx, vec, root)
	})
}

func (dc *deadlined) Barrier(ctx context.Context) error {
	_, err := dc.collect(ctx, func(ctx context.Context) ([]float64, error) {
		return nil, dc.Comm.Barrier(ctx)
	})
	return err
}

func (dc *deadlined) Split(ctx context.Context, color, key int) (Comm, error) {
	type res struct {
		c   Comm
		err error
	}
	ch := make(chan res, 1)
	inner, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		c, err := dc.Comm.Split(inner, color, key)
		ch <- res{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil || r.c == nil {
			return nil, r.err
		}
		return &deadlined{Comm: r.c, d: dc.d}, nil
	case <-time.After(dc.d):
		return nil, errors.Wrapf(ErrStall, "split did not complete within %v", dc.d)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (dc *deadlined) collect(ctx context.Context, op func(context.Context) ([]float64, error)) ([]float64, error) {
	type res struct {
		out []float64
		err error
	}
	ch := make(chan res, 1)
	inner, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		out, err := op(inner)
		ch <- res{out, err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-time.After(dc.d):
		return nil, errors.Wrapf(ErrStall, "collective did not complete within %v", dc.d)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
