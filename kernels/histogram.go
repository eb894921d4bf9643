package kernels

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Histogram zeroes bins and then counts, for every item in [0, n), the bin
// returned by key. Increments are atomic so items may land in any bin from
// any block.
func Histogram(bins []uint32, n, workers int, key func(i int) uint32) error {
	clear(bins)
	nb := uint32(len(bins))
	return Launch(n, workers, func(_, lo, hi int) error {
		for i := lo; i < hi; i++ {
			k := key(i)
			if k >= nb {
				return fmt.Errorf("histogram: item %d keyed to bin %d of %d", i, k, nb)
			}
			atomic.AddUint32(&bins[k], 1)
		}
		return nil
	})
}

// HistogramEven counts values into bins equal-width buckets spanning
// [lower, upper). Values outside the range are not counted.
func HistogramEven(n, workers, bins int, lower, upper float64, load func(i int) float64) []int {
	counts := make([]int64, bins)
	width := (upper - lower) / float64(bins)
	ForEach(n, workers, func(i int) {
		v := load(i)
		if v < lower || v >= upper || math.IsNaN(v) {
			return
		}
		b := int((v - lower) / width)
		if b >= bins {
			b = bins - 1
		}
		atomic.AddInt64(&counts[b], 1)
	})
	out := make([]int, bins)
	for i, c := range counts {
		out[i] = int(c)
	}
	return out
}
