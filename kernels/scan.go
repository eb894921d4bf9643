package kernels

import (
	"github.com/sbl8/ensemble/core"
)

// ScanTempSize returns the temporary storage ExclusiveScan needs for a
// launch of the given width.
func ScanTempSize(workers int) int {
	return (Blocks(1<<30, workers) + 1) * 4
}

// ExclusiveScan writes the exclusive prefix sum of load(0..n-1) into
// dst[0..n-1], stores the grand total in dst[n] and returns it. load is
// evaluated exactly once per index, which lets callers compose transforms
// such as flag inversion at the call site.
//
// The scan runs in two phases: every block reduces its range into temp,
// temp is scanned serially, then every block rescans its range seeded with
// its block prefix.
func ExclusiveScan(temp []byte, dst []uint32, n, workers int, load func(i int) uint32) uint32 {
	core.Precondition(len(dst) >= n+1, "ExclusiveScan", "dst holds %d elements, need %d", len(dst), n+1)
	blocks := Blocks(n, workers)
	sums := core.Uint32s(temp)
	core.Precondition(len(sums) >= blocks+1, "ExclusiveScan", "temp holds %d block sums, need %d", len(sums), blocks+1)

	// Phase 1: per-block totals. dst doubles as the per-item cache of load
	// so it is evaluated once.
	ForEach(blocks, blocks, func(b int) {
		lo, hi := Block(n, blocks, b)
		var acc uint32
		for i := lo; i < hi; i++ {
			v := load(i)
			dst[i] = v
			acc += v
		}
		sums[b] = acc
	})

	var running uint32
	for b := 0; b < blocks; b++ {
		v := sums[b]
		sums[b] = running
		running += v
	}
	sums[blocks] = running

	// Phase 2: local scans seeded with the block prefix.
	ForEach(blocks, blocks, func(b int) {
		lo, hi := Block(n, blocks, b)
		acc := sums[b]
		for i := lo; i < hi; i++ {
			v := dst[i]
			dst[i] = acc
			acc += v
		}
	})
	dst[n] = running
	return running
}
