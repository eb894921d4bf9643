package core

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heapAlloc struct{ live int }

func (h *heapAlloc) Alloc(size int) ([]byte, error) {
	h.live += size
	return AlignedBytes(size), nil
}

func (h *heapAlloc) Free(buf []byte) { h.live -= len(buf) }

type failingAlloc struct{ after int }

func (f *failingAlloc) Alloc(size int) ([]byte, error) {
	if f.after == 0 {
		return nil, errors.New("out of memory")
	}
	f.after--
	return make([]byte, size), nil
}

func (f *failingAlloc) Free([]byte) {}

func TestSchemaValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		vars    []Variable
		wantErr bool
	}{
		{name: "empty schema", vars: nil},
		{name: "scalar and array", vars: []Variable{Scalar("x", KindFloat32), Array("rgb", KindUint8, 3)}},
		{name: "raw wide element", vars: []Variable{{Name: "blob", Width: 12, Count: 2}}},
		{name: "duplicate name", vars: []Variable{Scalar("x", KindFloat32), Scalar("x", KindInt32)}, wantErr: true},
		{name: "zero width", vars: []Variable{{Name: "x", Width: 0, Count: 1}}, wantErr: true},
		{name: "zero count", vars: []Variable{{Name: "x", Width: 4, Count: 0}}, wantErr: true},
		{name: "kind width mismatch", vars: []Variable{{Name: "x", Width: 8, Count: 1, Kind: KindFloat32}}, wantErr: true},
		{name: "short default", vars: []Variable{Scalar("x", KindFloat32).WithDefault([]byte{1})}, wantErr: true},
		{name: "empty name", vars: []Variable{{Width: 4, Count: 1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.vars...)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSchema)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSchemaFingerprint(t *testing.T) {
	t.Parallel()
	a := MustSchema(Scalar("x", KindFloat32), Scalar("y", KindFloat32))
	b := MustSchema(Scalar("x", KindFloat32), Scalar("y", KindFloat32))
	c := MustSchema(Scalar("y", KindFloat32), Scalar("x", KindFloat32))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "order is part of the shape")
	assert.Equal(t, 8, a.RecordSize())

	trimmed := a.Without("y")
	assert.Equal(t, 1, trimmed.Len())
	assert.True(t, trimmed.Has("x"))
	assert.False(t, trimmed.Has("y"))
}

func TestPackedLayout(t *testing.T) {
	t.Parallel()
	s := MustSchema(
		Scalar("alive", KindUint8),
		Scalar("energy", KindFloat64),
		Array("rgb", KindUint8, 3),
		Scalar("id", KindUint32),
	)
	l := PackedLayout(s)
	require.NoError(t, l.Check(s))

	assert.Equal(t, FieldOffset{Offset: 0, Len: 1}, l.Fields["alive"])
	assert.Equal(t, FieldOffset{Offset: 8, Len: 8}, l.Fields["energy"])
	assert.Equal(t, FieldOffset{Offset: 16, Len: 3}, l.Fields["rgb"])
	assert.Equal(t, FieldOffset{Offset: 20, Len: 4}, l.Fields["id"])
	assert.Equal(t, 24, l.Size)
}

func TestPackingLayoutCheck(t *testing.T) {
	t.Parallel()
	s := MustSchema(Scalar("x", KindFloat32), Scalar("y", KindFloat32))

	missing := PackingLayout{Size: 8, Fields: map[string]FieldOffset{"x": {0, 4}}}
	assert.Error(t, missing.Check(s))

	wrongLen := PackingLayout{Size: 8, Fields: map[string]FieldOffset{"x": {0, 4}, "y": {4, 8}}}
	assert.Error(t, wrongLen.Check(s))

	overflow := PackingLayout{Size: 6, Fields: map[string]FieldOffset{"x": {0, 4}, "y": {4, 4}}}
	assert.Error(t, overflow.Check(s))
}

func TestViewsAndBytes(t *testing.T) {
	t.Parallel()
	raw := Bytes[float32](1.0, 2.0, -3.5)
	require.Len(t, raw, 12)

	floats := View[float32](raw)
	assert.Equal(t, []float32{1.0, 2.0, -3.5}, floats)

	floats[1] = 9
	assert.Equal(t, float32(9), *(*float32)(unsafe.Pointer(&raw[4])))

	u := []uint32{7, 8}
	assert.Equal(t, u, Uint32s(AsBytes(u)))
	assert.Nil(t, View[uint64](raw[:4]))
}

func TestAlignedBytes(t *testing.T) {
	t.Parallel()
	for _, size := range []int{1, 7, 64, 1000} {
		buf := AlignedBytes(size)
		assert.Len(t, buf, size)
		assert.True(t, IsAligned(uintptr(unsafe.Pointer(&buf[0]))))
	}
	assert.Nil(t, AlignedBytes(0))
	assert.Equal(t, 128, AlignSize(65, CacheLineSize))
}

func TestBufferSetCover(t *testing.T) {
	t.Parallel()
	s := MustSchema(Scalar("x", KindFloat32), Array("v", KindFloat32, 3))
	set := BufferSet{"x": make([]byte, 40), "v": make([]byte, 120)}

	assert.NotPanics(t, func() { set.Cover("test", "in", s, 10) })

	var pe *PreconditionError
	r := func() (v any) {
		defer func() { v = recover() }()
		set.Cover("test", "in", s, 11)
		return nil
	}()
	require.IsType(t, pe, r)
	assert.Contains(t, r.(*PreconditionError).Error(), "need 44")

	delete(set, "v")
	assert.Panics(t, func() { set.Cover("test", "out", s, 1) })
}

func TestStateListResizeAndSwap(t *testing.T) {
	t.Parallel()
	s := MustSchema(Scalar("id", KindUint32))
	alloc := &heapAlloc{}
	l, err := NewStateList(s, alloc, 4)
	require.NoError(t, err)
	assert.Equal(t, 32, alloc.live)

	copy(View[uint32](l.Front["id"]), []uint32{10, 11, 12})
	l.SetCount(3)

	require.NoError(t, l.Resize(2), "shrink is a no-op")
	assert.Equal(t, 4, l.Capacity())

	require.NoError(t, l.Resize(16))
	assert.Equal(t, 16, l.Capacity())
	assert.Equal(t, []uint32{10, 11, 12}, View[uint32](l.Front["id"])[:3])
	assert.Equal(t, 128, alloc.live)

	front := l.Front
	l.Swap()
	assert.Equal(t, front["id"], l.Back["id"])

	assert.Panics(t, func() { l.SetCount(17) })

	l.Release()
	assert.Zero(t, alloc.live)
}

func TestStateListAllocFailure(t *testing.T) {
	t.Parallel()
	s := MustSchema(Scalar("x", KindFloat32), Scalar("y", KindFloat32))
	_, err := NewStateList(s, &failingAlloc{after: 3}, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}
