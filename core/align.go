package core

import "unsafe"

// CacheLineSize is the alignment every device allocation starts on.
const CacheLineSize = 64

// IsAligned reports whether addr sits on a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%CacheLineSize == 0
}

// AlignSize rounds size up to the specified power-of-two alignment.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// AlignedBytes allocates a byte slice whose backing array starts on a cache
// line boundary. Element views (Uint32s, Float32s, ...) rely on this so that
// typed loads never straddle an unaligned address.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := uintptr(0)
	if mod := ptr % CacheLineSize; mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+uintptr(size) : offset+uintptr(size)]
}
