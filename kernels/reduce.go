package kernels

import (
	"github.com/sbl8/ensemble/core"
)

// ReduceTempSize returns the temporary storage Reduce needs for a launch of
// the given width.
func ReduceTempSize(workers int) int {
	return Blocks(1<<30, workers) * 8
}

// Reduce folds load(0..n-1) with the associative op, starting every block
// from init. Block partials are combined in block order, so the result is
// deterministic for a fixed launch width.
func Reduce(temp []byte, n, workers int, init float64, op func(a, b float64) float64, load func(i int) float64) float64 {
	blocks := Blocks(n, workers)
	partials := core.View[float64](temp)
	core.Precondition(len(partials) >= blocks, "Reduce", "temp holds %d partials, need %d", len(partials), blocks)

	ForEach(blocks, blocks, func(b int) {
		lo, hi := Block(n, blocks, b)
		acc := init
		for i := lo; i < hi; i++ {
			acc = op(acc, load(i))
		}
		partials[b] = acc
	})
	acc := init
	for b := 0; b < blocks; b++ {
		acc = op(acc, partials[b])
	}
	return acc
}
