package core

import "unsafe"

// Number is the set of element types a typed view can be taken over.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// View reinterprets b as a slice of T without copying. Trailing bytes that
// do not make a whole element are ignored.
func View[T Number](b []byte) []T {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	n := len(b) / sz
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// Uint32s is View[uint32], the element type of every index buffer.
func Uint32s(b []byte) []uint32 {
	return View[uint32](b)
}

// Bytes returns the native-endian encoding of vals, suitable as a variable
// default or a packed field value.
func Bytes[T Number](vals ...T) []byte {
	if len(vals) == 0 {
		return nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero))
	out := make([]byte, len(vals)*sz)
	copy(View[T](out), vals)
	return out
}

// AsBytes exposes the memory of vals as a byte span without copying.
func AsBytes[T Number](vals []T) []byte {
	if len(vals) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*int(unsafe.Sizeof(zero)))
}
