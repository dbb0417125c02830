package comm

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// Run executes body once per rank on an in-process world of size n, one
// goroutine per rank, and blocks until every rank returns.  The first
// non-nil error cancels the context seen by all ranks, so a failing rank
// unblocks peers waiting in collectives instead of wedging them.
func Run(ctx context.Context, n int, body func(ctx context.Context, c Comm) error) error {
	comms, err := NewWorld(n)
	if err != nil {
		return err
	}
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for _, c := range comms {
		c := c
		p.Go(func(ctx context.Context) error {
			return body(ctx, c)
		})
	}
	return p.Wait()
}
