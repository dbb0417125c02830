package mpipso

// SplitIndex returns the half-open range [lo, hi) of items that rank owns
// when n items are split into size near-equal contiguous chunks; the first
// n%size chunks carry one extra item.  Every rank derives its own range
// locally from (n, rank, size) alone.
func SplitIndex(n, rank, size int) (lo, hi int) {
	q := n / size
	r := n % size
	if rank < r {
		lo = rank * (q + 1)
		return lo, lo + q + 1
	}
	lo = r*(q+1) + (rank-r)*q
	return lo, lo + q
}
