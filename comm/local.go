package comm

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// NewWorld creates an in-process communicator of size n and returns one
// handle per rank.  Each handle must be used by exactly one goroutine; the
// goroutines jointly execute collectives by rendezvousing through shared
// state.
func NewWorld(n int) ([]Comm, error) {
	if n <= 0 {
		return nil, errors.Errorf("comm: world size must be positive, got %d", n)
	}
	g := newGroup(n)
	comms := make([]Comm, n)
	for i := range comms {
		comms[i] = &local{rank: i, g: g}
	}
	return comms, nil
}

type local struct {
	rank int
	g    *group
}

func (l *local) Rank() int { return l.rank }
func (l *local) Size() int { return l.g.n }

func (l *local) AllReduceSum(ctx context.Context, vec []float64) ([]float64, error) {
	bufs, err := l.g.exchange(ctx, l.rank, vec)
	if err != nil {
		return nil, err
	}
	for r, b := range bufs {
		if len(b) != len(vec) {
			return nil, errors.Errorf("comm: all-reduce length mismatch: rank %d sent %d values, rank %d sent %d",
				l.rank, len(vec), r, len(b))
		}
	}
	// Fold in ascending rank order on every member so the floating-point
	// result is identical everywhere.
	sum := make([]float64, len(vec))
	for r := 0; r < l.g.n; r++ {
		for i, v := range bufs[r] {
			sum[i] += v
		}
	}
	return sum, nil
}

func (l *local) Broadcast(ctx context.Context, vec []float64, root int) ([]float64, error) {
	if root < 0 || root >= l.g.n {
		return nil, errors.Errorf("comm: broadcast root %d out of range [0,%d)", root, l.g.n)
	}
	bufs, err := l.g.exchange(ctx, l.rank, vec)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(bufs[root]))
	copy(out, bufs[root])
	return out, nil
}

func (l *local) Barrier(ctx context.Context) error {
	_, err := l.g.exchange(ctx, l.rank, nil)
	return err
}

func (l *local) Split(ctx context.Context, color, key int) (Comm, error) {
	bufs, err := l.g.exchange(ctx, l.rank, []float64{float64(color), float64(key)})
	if err != nil {
		return nil, err
	}
	// Every member consumes one split sequence number, including ranks that
	// opt out, so later splits stay aligned across the group.
	seq := l.g.nextSplit(l.rank)
	if color == Undefined {
		return nil, nil
	}

	// Collect members sharing this color, ordered by (key, old rank).
	type member struct{ key, rank int }
	var members []member
	for r, b := range bufs {
		if int(b[0]) == color {
			members = append(members, member{key: int(b[1]), rank: r})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].key != members[j].key {
			return members[i].key < members[j].key
		}
		return members[i].rank < members[j].rank
	})

	newRank := -1
	for i, m := range members {
		if m.rank == l.rank {
			newRank = i
			break
		}
	}
	if newRank < 0 {
		return nil, errors.Errorf("comm: rank %d missing from its own split group", l.rank)
	}

	sub := l.g.subgroup(seq, color, len(members))
	return &local{rank: newRank, g: sub}, nil
}

// group is the shared rendezvous state behind one communicator.  Collectives
// are matched by call order: a member's k-th collective joins the k-th round.
// Rounds may overlap (a fast member can enter round k+1 while slow members
// are still completing round k); each completes once all n members arrive.
type group struct {
	n int

	mu         sync.Mutex
	rounds     []*round
	splitCount []int
	subs       map[subKey]*group
}

type subKey struct {
	seq   int
	color int
}

type round struct {
	bufs  [][]float64
	seen  []bool
	count int
	done  chan struct{}
}

func newGroup(n int) *group {
	return &group{n: n, splitCount: make([]int, n), subs: map[subKey]*group{}}
}

// exchange deposits a copy of buf and blocks until all members of the round
// have deposited theirs, then returns every member's buffer indexed by rank.
// The copy lets callers reuse their input slice as soon as the call returns,
// even while slower peers are still reading the round.  The returned slices
// are shared and must not be mutated.
func (g *group) exchange(ctx context.Context, rank int, buf []float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	var r *round
	for _, cand := range g.rounds {
		if !cand.seen[rank] {
			r = cand
			break
		}
	}
	if r == nil {
		r = &round{
			bufs: make([][]float64, g.n),
			seen: make([]bool, g.n),
			done: make(chan struct{}),
		}
		g.rounds = append(g.rounds, r)
	}
	if buf != nil {
		r.bufs[rank] = append([]float64(nil), buf...)
	}
	r.seen[rank] = true
	r.count++
	if r.count == g.n {
		// Completed rounds are dropped from the queue; members that still
		// hold the pointer read bufs after done closes.
		for i, cand := range g.rounds {
			if cand == r {
				g.rounds = append(g.rounds[:i], g.rounds[i+1:]...)
				break
			}
		}
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.bufs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// nextSplit returns and advances rank's split sequence number.  Every member
// calls Split the same number of times in the same order, so the sequence
// number identifies the call on all members.
func (g *group) nextSplit(rank int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.splitCount[rank]
	g.splitCount[rank]++
	return s
}

// subgroup returns the shared group object for one color of the seq-th
// split; get-or-create keyed by (seq, color) yields the same object on every
// member of the subgroup.
func (g *group) subgroup(seq, color, size int) *group {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := subKey{seq: seq, color: color}
	sub, ok := g.subs[k]
	if !ok {
		sub = newGroup(size)
		g.subs[k] = sub
	}
	return sub
}
