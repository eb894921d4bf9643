package kernels

// ScatterSpans moves n elements of stride bytes from src to dst. For each
// source index i, dest returns the destination element index and whether
// the element is moved at all.
func ScatterSpans(dst, src []byte, stride, n, workers int, dest func(i int) (int, bool)) {
	ForEach(n, workers, func(i int) {
		j, ok := dest(i)
		if !ok {
			return
		}
		copy(dst[j*stride:(j+1)*stride], src[i*stride:(i+1)*stride])
	})
}

// Fill writes pattern into elements [0, n) of dst.
func Fill(dst, pattern []byte, n, workers int) {
	stride := len(pattern)
	if stride == 0 {
		return
	}
	ForEach(n, workers, func(i int) {
		copy(dst[i*stride:(i+1)*stride], pattern)
	})
}

// Zero clears elements [0, n) of stride bytes in dst.
func Zero(dst []byte, stride, n, workers int) {
	ForEach(n, workers, func(i int) {
		clear(dst[i*stride : (i+1)*stride])
	})
}
