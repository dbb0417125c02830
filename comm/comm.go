// Package comm provides the collective-communication substrate used by the
// optimizer: every cooperating worker holds a Comm handle and participates in
// blocking collectives (sum all-reduce, broadcast, barrier) with the other
// members of the same communicator.  Restricted communicators covering a
// subset of the members are carved out with Split.
//
// The base implementation runs all ranks as goroutines inside one process
// (see NewWorld and Run).  Its collectives block until every member arrives,
// mirroring MPI semantics; wrap a Comm with WithTimeout to convert an
// unresponsive peer into an explicit ErrStall instead.
package comm

import (
	"context"

	"github.com/pkg/errors"
)

// ErrStall is reported when a collective operation waits longer than the
// configured bound for its peers, signaling a crashed or wedged member.
var ErrStall = errors.New("comm: collective stalled waiting for peers")

// Undefined is the color passed to Split by ranks that should not belong to
// any subgroup.  Split returns a nil Comm for them.
const Undefined = -1

// Comm is a communicator scoped to a fixed set of member ranks.  All
// collective methods must be called by every member of the communicator, the
// same number of times and in the same order; a member that skips a call
// leaves its peers blocked.
type Comm interface {
	// Rank returns this member's index within the communicator, in [0, Size).
	Rank() int

	// Size returns the number of members.
	Size() int

	// AllReduceSum sums vec elementwise across all members and returns the
	// total to every member.  All members must pass vectors of equal length.
	// The summation order is fixed (ascending rank) so the result is
	// bit-identical on every member for a given membership.  vec is not
	// retained; the caller may reuse it as soon as the call returns.
	AllReduceSum(ctx context.Context, vec []float64) ([]float64, error)

	// Broadcast returns root's vec to every member.  The value passed by
	// non-root members is ignored (it may be nil).
	Broadcast(ctx context.Context, vec []float64, root int) ([]float64, error)

	// Barrier blocks until every member has entered it.
	Barrier(ctx context.Context) error

	// Split partitions the communicator into disjoint subcommunicators, one
	// per distinct color.  Members with equal color land in the same
	// subcommunicator, with ranks assigned by ascending (key, old rank).
	// A member passing color == Undefined receives a nil Comm.
	Split(ctx context.Context, color, key int) (Comm, error)
}
