package kernels

import (
	"math/bits"

	"github.com/sbl8/ensemble/core"
)

const (
	radixBits    = 8
	radixBuckets = 1 << radixBits
)

// SortTempSize returns the temporary storage SortPairs needs for a launch of
// the given width.
func SortTempSize(workers int) int {
	return Blocks(1<<30, workers) * radixBuckets * 4
}

// KeyBits returns how many low bits are needed to represent maxKey.
func KeyBits(maxKey uint32) int {
	if maxKey == 0 {
		return 1
	}
	return bits.Len32(maxKey)
}

// SortPairs stably sorts the first n (key, value) pairs by the low endBit
// bits of their keys. The sort ping-pongs between (keys, vals) and
// (keysAlt, valsAlt); the returned slices are whichever pair holds the
// result. Items with equal keys keep their input order.
func SortPairs(temp []byte, keys, vals, keysAlt, valsAlt []uint32, n, endBit, workers int) ([]uint32, []uint32) {
	const op = "SortPairs"
	core.Precondition(len(keys) >= n && len(vals) >= n, op, "input pair buffers shorter than %d", n)
	core.Precondition(len(keysAlt) >= n && len(valsAlt) >= n, op, "alternate pair buffers shorter than %d", n)
	if n <= 1 {
		return keys, vals
	}

	blocks := Blocks(n, workers)
	counts := core.Uint32s(temp)
	core.Precondition(len(counts) >= blocks*radixBuckets, op, "temp holds %d counters, need %d", len(counts), blocks*radixBuckets)

	srcK, srcV, dstK, dstV := keys, vals, keysAlt, valsAlt
	for shift := 0; shift < endBit; shift += radixBits {
		s := uint(shift)

		// Per-block digit counts.
		ForEach(blocks, blocks, func(b int) {
			c := counts[b*radixBuckets : (b+1)*radixBuckets]
			for i := range c {
				c[i] = 0
			}
			lo, hi := Block(n, blocks, b)
			for i := lo; i < hi; i++ {
				c[(srcK[i]>>s)&(radixBuckets-1)]++
			}
		})

		// Digit-major, block-minor exclusive scan keeps the pass stable.
		var running uint32
		for d := 0; d < radixBuckets; d++ {
			for b := 0; b < blocks; b++ {
				idx := b*radixBuckets + d
				v := counts[idx]
				counts[idx] = running
				running += v
			}
		}

		ForEach(blocks, blocks, func(b int) {
			c := counts[b*radixBuckets : (b+1)*radixBuckets]
			lo, hi := Block(n, blocks, b)
			for i := lo; i < hi; i++ {
				d := (srcK[i] >> s) & (radixBuckets - 1)
				pos := c[d]
				c[d]++
				dstK[pos] = srcK[i]
				dstV[pos] = srcV[i]
			}
		})
		srcK, srcV, dstK, dstV = dstK, dstV, srcK, srcV
	}
	return srcK, srcV
}
