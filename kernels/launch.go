// Package kernels provides the data-parallel primitives the ensemble engine
// is built from.
//
// Every primitive is launched over a grid of item indices split into
// contiguous blocks, one block per worker goroutine. Primitives that need
// temporary storage take it as an explicit byte span sized by a matching
// TempSize function, so callers can keep that storage in a grow-only arena
// instead of allocating per call.
//
// Available primitives:
//   - Launch / ForEach: blocked parallel-for
//   - ExclusiveScan: two-phase blocked prefix sum over a uint32 load function
//   - Histogram / HistogramEven: atomic bucket counting
//   - SortPairs: stable LSD radix sort of uint32 key/value pairs
//   - Reduce: blocked associative reduction
//   - ScatterSpans: stride-aware element relocation between byte spans
package kernels

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Block returns the [lo, hi) range of block b when n items are split into
// blocks of equal size.
func Block(n, blocks, b int) (lo, hi int) {
	size := (n + blocks - 1) / blocks
	lo = b * size
	hi = lo + size
	if lo > n {
		lo = n
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

// Blocks returns how many blocks a launch of n items over workers uses.
func Blocks(n, workers int) int {
	if workers < 1 {
		workers = 1
	}
	if n < workers {
		if n == 0 {
			return 1
		}
		return n
	}
	return workers
}

// Launch runs fn over n items split into contiguous blocks, one goroutine per
// block, and returns the first error any block reports. A block that panics
// reports the panic as its error.
func Launch(n, workers int, fn func(block, lo, hi int) error) error {
	blocks := Blocks(n, workers)
	if blocks == 1 {
		return guarded(fn, 0, 0, n)
	}
	var g errgroup.Group
	for b := 0; b < blocks; b++ {
		lo, hi := Block(n, blocks, b)
		g.Go(func() error { return guarded(fn, b, lo, hi) })
	}
	return g.Wait()
}

func guarded(fn func(block, lo, hi int) error, b, lo, hi int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel block %d [%d,%d): %v", b, lo, hi, r)
		}
	}()
	return fn(b, lo, hi)
}

// ForEach runs fn for every index in [0, n) in parallel. A panic in any
// block is re-raised on the calling goroutine.
func ForEach(n, workers int, fn func(i int)) {
	err := Launch(n, workers, func(_, lo, hi int) error {
		for i := lo; i < hi; i++ {
			fn(i)
		}
		return nil
	})
	if err != nil {
		panic(err)
	}
}
