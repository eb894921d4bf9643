package runtime

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/device"
)

var agentSchema = core.MustSchema(
	core.Scalar("id", core.KindUint32),
	core.Array("pos", core.KindFloat32, 3),
	core.Scalar("tag", core.KindUint8),
)

func newBuffers(s *core.Schema, slots int) core.BufferSet {
	set := make(core.BufferSet, s.Len())
	for _, v := range s.Variables() {
		set[v.Name] = make([]byte, slots*v.Stride())
	}
	return set
}

// seeded fills slots with id=i, pos=(i, 2i, 3i), tag=i%7.
func seeded(s *core.Schema, slots int) core.BufferSet {
	set := newBuffers(s, slots)
	ids := core.View[uint32](set["id"])
	pos := core.View[float32](set["pos"])
	tags := set["tag"]
	for i := 0; i < slots; i++ {
		ids[i] = uint32(i)
		pos[3*i], pos[3*i+1], pos[3*i+2] = float32(i), float32(2*i), float32(3*i)
		tags[i] = byte(i % 7)
	}
	return set
}

func newTestEngine(t *testing.T, opts ...device.Option) *Engine {
	t.Helper()
	e := NewEngine(device.New(opts...), 0, &EngineOptions{Workers: 3})
	t.Cleanup(e.Close)
	return e
}

func requirePrecondition(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected precondition panic")
		_, ok := r.(*core.PreconditionError)
		require.True(t, ok, "panic value %T is not a *core.PreconditionError: %v", r, r)
	}()
	fn()
}

func TestScatterDeathScenario(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	in := seeded(agentSchema, 10)
	out := newBuffers(agentSchema, 10)

	flags, err := e.ScanFlags(AgentDeath, 10)
	require.NoError(t, err)
	copy(flags, []uint32{1, 0, 1, 0, 0, 1, 0, 0, 0, 0})

	n, err := e.Scatter(AgentDeath, agentSchema, in, out, 10, WithInvert())
	require.NoError(t, err)
	require.Equal(t, 7, n)

	survivors := []uint32{1, 3, 4, 6, 7, 8, 9}
	assert.Equal(t, survivors, core.View[uint32](out["id"])[:n])
	pos := core.View[float32](out["pos"])
	for i, id := range survivors {
		assert.Equal(t, []float32{float32(id), float32(2 * id), float32(3 * id)}, pos[3*i:3*i+3])
		assert.Equal(t, byte(id%7), out["tag"][i])
	}
	assert.Equal(t, []uint32{0, 0, 1, 1, 2, 3, 3, 4, 5, 6}, e.Positions(AgentDeath, 10))
}

func TestScatterCountProperty(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))
	for _, n := range []int{0, 1, 2, 17, 1000} {
		for _, invert := range []bool{false, true} {
			p := 0
			if n > 0 {
				p = rng.Intn(n + 1)
			}
			flags, err := e.ScanFlags(Message, n)
			require.NoError(t, err)
			want := p
			for i := range flags {
				flags[i] = uint32(rng.Intn(2))
				if i >= p && (flags[i] == 1) != invert {
					want++
				}
			}
			opts := []ScatterOption{WithPassthrough(p)}
			if invert {
				opts = append(opts, WithInvert())
			}

			count, err := e.ScatterCount(Message, n, opts...)
			require.NoError(t, err)
			require.Equal(t, want, count, "n=%d p=%d invert=%v", n, p, invert)

			in := seeded(agentSchema, n)
			out := newBuffers(agentSchema, n)
			written, err := e.Scatter(Message, agentSchema, in, out, n, opts...)
			require.NoError(t, err)
			require.Equal(t, count, written)

			var expect []uint32
			for i := 0; i < n; i++ {
				if i < p || (flags[i] == 1) != invert {
					expect = append(expect, uint32(i))
				}
			}
			assert.Equal(t, expect, nilIfEmpty(core.View[uint32](out["id"])[:written]))
		}
	}
}

func nilIfEmpty(s []uint32) []uint32 {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestScatterOutOffset(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	in := seeded(agentSchema, 4)
	out := newBuffers(agentSchema, 6)

	flags, err := e.ScanFlags(AgentBirth, 4)
	require.NoError(t, err)
	copy(flags, []uint32{0, 1, 0, 1})

	n, err := e.Scatter(AgentBirth, agentSchema, in, out, 4, WithOutOffset(3))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{0, 0, 0, 1, 3, 0}, core.View[uint32](out["id"]))
}

func TestScatterOutTooShortPanics(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	in := seeded(agentSchema, 4)
	flags, err := e.ScanFlags(Message, 4)
	require.NoError(t, err)
	copy(flags, []uint32{1, 1, 1, 0})

	requirePrecondition(t, func() {
		_, _ = e.Scatter(Message, agentSchema, in, newBuffers(agentSchema, 2), 4)
	})
	missing := newBuffers(agentSchema, 4)
	delete(missing, "tag")
	requirePrecondition(t, func() {
		_, _ = e.Scatter(Message, agentSchema, in, missing, 4)
	})
	requirePrecondition(t, func() {
		_, _ = e.ScatterCount(Message, 4, WithPassthrough(5))
	})
}

func TestScatterAllRoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	a := seeded(agentSchema, 257)
	orig := make(map[string][]byte, len(a))
	for k, v := range a {
		orig[k] = append([]byte(nil), v...)
	}
	b := newBuffers(agentSchema, 257)

	n, err := e.ScatterAll(agentSchema, a, b, 257)
	require.NoError(t, err)
	require.Equal(t, 257, n)
	for k := range a {
		clear(a[k])
	}
	_, err = e.ScatterAll(agentSchema, b, a, 257)
	require.NoError(t, err)
	for k, v := range orig {
		assert.True(t, bytes.Equal(v, a[k]), "variable %q differs after round trip", k)
	}
}

func TestCopySlotsReportsBlockFault(t *testing.T) {
	t.Parallel()
	src := make([]byte, 40)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 40)
	require.NoError(t, copySlots(dst, src, 4, 10, 3))
	assert.Equal(t, src, dst)

	// src ends mid-way through the last block.
	err := copySlots(make([]byte, 64), src, 4, 16, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel block")
}

func TestScatterNewAgents(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	layout := core.PackedLayout(agentSchema)
	packed := make([]byte, 3*layout.Size)
	for i := 0; i < 3; i++ {
		layout.Put(packed, i, "id", core.Bytes(uint32(100+i)))
		layout.Put(packed, i, "pos", core.Bytes(float32(i), 0.5, -1))
		layout.Put(packed, i, "tag", []byte{byte(9 - i)})
	}
	out := newBuffers(agentSchema, 5)

	require.NoError(t, e.ScatterNewAgents(agentSchema, out, packed, layout, 3, 2))
	assert.Equal(t, []uint32{0, 0, 100, 101, 102}, core.View[uint32](out["id"]))
	assert.Equal(t, []float32{2, 0.5, -1}, core.View[float32](out["pos"])[12:15])
	assert.Equal(t, []byte{0, 0, 9, 8, 7}, out["tag"])

	bad := layout
	bad.Fields = map[string]core.FieldOffset{"id": layout.Fields["id"]}
	requirePrecondition(t, func() {
		_ = e.ScatterNewAgents(agentSchema, out, packed, bad, 3, 0)
	})
	requirePrecondition(t, func() {
		_ = e.ScatterNewAgents(agentSchema, out, packed[:layout.Size], layout, 3, 0)
	})
}

func TestBroadcastInit(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	schema := core.MustSchema(
		core.Scalar("energy", core.KindFloat32).WithDefault(core.Bytes[float32](7.5)),
		core.Array("rgb", core.KindUint8, 3).WithDefault([]byte{1, 2, 3}),
		core.Scalar("count", core.KindInt32),
	)
	out := newBuffers(schema, 4)
	for k := range out {
		for i := range out[k] {
			out[k][i] = 0xff
		}
	}
	require.NoError(t, e.BroadcastInit(schema, out, 2, 1))

	energy := core.View[float32](out["energy"])
	assert.Equal(t, float32(7.5), energy[1])
	assert.Equal(t, float32(7.5), energy[2])
	assert.True(t, math.IsNaN(float64(energy[0])))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 1, 2, 3, 1, 2, 3, 0xff, 0xff, 0xff}, out["rgb"])
	assert.Equal(t, []int32{-1, 0, 0, -1}, core.View[int32](out["count"]))
}

func TestPBMReorder(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	in := seeded(agentSchema, 5)
	out := newBuffers(agentSchema, 5)
	binIndex := []uint32{2, 0, 2, 1, 0}
	binSub := []uint32{0, 0, 1, 0, 1}
	binOffset := []uint32{0, 2, 3, 5}

	require.NoError(t, e.PBMReorder(agentSchema, in, out, 5, binIndex, binSub, binOffset))
	assert.Equal(t, []uint32{1, 4, 3, 0, 2}, core.View[uint32](out["id"]))

	requirePrecondition(t, func() {
		_ = e.PBMReorder(agentSchema, in, out, 5, binIndex[:3], binSub, binOffset)
	})
}

func TestScanFlagsZeroedOnReuse(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	flags, err := e.ScanFlags(Message, 8)
	require.NoError(t, err)
	for i := range flags {
		flags[i] = 1
	}
	again, err := e.ScanFlags(Message, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0, 0, 0}, again)

	grown, err := e.ScanFlags(Message, 100)
	require.NoError(t, err)
	assert.Len(t, grown, 100)
	for _, f := range grown {
		assert.Zero(t, f)
	}
}

func TestScatterOutOfMemory(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, device.WithCapacity(1024))

	_, err := e.ScanFlags(AgentDeath, 10_000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrOutOfMemory), "got %v", err)

	in := seeded(agentSchema, 500)
	out := newBuffers(agentSchema, 500)
	_, err = e.Scatter(AgentDeath, agentSchema, in, out, 500)
	assert.ErrorIs(t, err, device.ErrOutOfMemory)

	// The failure is not sticky: small passes still run.
	flags, err := e.ScanFlags(AgentDeath, 4)
	require.NoError(t, err)
	flags[2] = 1
	n, err := e.Scatter(AgentDeath, agentSchema, in, out, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 2, core.View[uint32](out["id"])[0])
}

// compactPass runs one death pass and one message pass with seeded flags.
func compactPass(e *Engine, seed int64, n int) ([]byte, []byte, error) {
	rng := rand.New(rand.NewSource(seed))
	in := seeded(agentSchema, n)
	out := newBuffers(agentSchema, n)
	msgs := newBuffers(agentSchema, n)

	flags, err := e.ScanFlags(AgentDeath, n)
	if err != nil {
		return nil, nil, err
	}
	for i := range flags {
		flags[i] = uint32(rng.Intn(2))
	}
	live, err := e.Scatter(AgentDeath, agentSchema, in, out, n, WithInvert())
	if err != nil {
		return nil, nil, err
	}
	mflags, err := e.ScanFlags(Message, live)
	if err != nil {
		return nil, nil, err
	}
	for i := range mflags {
		mflags[i] = uint32(rng.Intn(2))
	}
	sent, err := e.Scatter(Message, agentSchema, out, msgs, live, WithPassthrough(live/4))
	if err != nil {
		return nil, nil, err
	}
	return out["pos"][:live*12], msgs["id"][:sent*4], nil
}

func TestConcurrentStreamsMatchSequential(t *testing.T) {
	t.Parallel()
	dev := device.New(device.WithWorkers(4))
	e0 := NewEngine(dev, 0, nil)
	e1 := NewEngine(dev, 1, nil)
	defer e0.Close()
	defer e1.Close()

	type result struct{ agents, msgs []byte }
	run := func(e *Engine, seed int64) (result, error) {
		a, m, err := compactPass(e, seed, 5000)
		return result{a, m}, err
	}

	seq0, err := run(e0, 1)
	require.NoError(t, err)
	seq1, err := run(e1, 2)
	require.NoError(t, err)

	var par0, par1 result
	var g errgroup.Group
	for round := 0; round < 4; round++ {
		g.Go(func() (err error) { par0, err = run(e0, 1); return err })
		g.Go(func() (err error) { par1, err = run(e1, 2); return err })
		require.NoError(t, g.Wait())
		assert.Equal(t, seq0, par0)
		assert.Equal(t, seq1, par1)
	}
}

func TestReductions(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	schema := core.MustSchema(
		core.Scalar("age", core.KindInt16),
		core.Array("vel", core.KindFloat64, 2),
		core.Variable{Name: "blob", Width: 3, Count: 1},
	)
	buf := newBuffers(schema, 6)
	copy(core.View[int16](buf["age"]), []int16{4, -2, 9, 0, 3, 7})
	copy(core.View[float64](buf["vel"]), []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	sum, err := e.Sum(schema, buf, "age", 6)
	require.NoError(t, err)
	assert.Equal(t, 21.0, sum)

	minV, err := e.Min(schema, buf, "age", 6)
	require.NoError(t, err)
	assert.Equal(t, -2.0, minV)

	maxV, err := e.Max(schema, buf, "vel", 6)
	require.NoError(t, err)
	assert.Equal(t, 12.0, maxV)

	partial, err := e.Sum(schema, buf, "vel", 2)
	require.NoError(t, err)
	assert.Equal(t, 10.0, partial)

	n, err := e.Count(schema, buf, "age", 6, func(v float64) bool { return v > 3 })
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hist, err := e.HistogramEven(schema, buf, "age", 6, 2, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, hist)

	empty, err := e.Min(schema, buf, "age", 0)
	require.NoError(t, err)
	assert.True(t, math.IsInf(empty, 1))

	_, err = e.Sum(schema, buf, "missing", 6)
	assert.ErrorIs(t, err, ErrUnknownVariable)
	_, err = e.Sum(schema, buf, "blob", 6)
	assert.ErrorIs(t, err, ErrNotNumeric)
	_, err = e.HistogramEven(schema, buf, "age", 6, 0, 0, 10)
	assert.Error(t, err)
}

func TestPurgeAfterDeviceReset(t *testing.T) {
	t.Parallel()
	dev := device.New()
	e := NewEngine(dev, 0, nil)
	defer e.Close()

	_, err := e.ScanFlags(Message, 64)
	require.NoError(t, err)
	_, err = e.Sum(agentSchema, seeded(agentSchema, 64), "id", 64)
	require.NoError(t, err)
	require.NotZero(t, dev.Used())

	dev.Reset()
	e.Purge()
	assert.Zero(t, dev.Used())
	assert.Zero(t, e.Arena().Footprint())

	flags, err := e.ScanFlags(Message, 8)
	require.NoError(t, err)
	assert.Len(t, flags, 8)
}

func BenchmarkScatterCompaction_64K(b *testing.B) {
	dev := device.New()
	e := NewEngine(dev, 0, nil)
	defer e.Close()
	const n = 1 << 16
	in := seeded(agentSchema, n)
	out := newBuffers(agentSchema, n)
	flags, err := e.ScanFlags(AgentDeath, n)
	if err != nil {
		b.Fatal(err)
	}
	for i := range flags {
		flags[i] = uint32(i % 3 & 1)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Scatter(AgentDeath, agentSchema, in, out, n, WithInvert()); err != nil {
			b.Fatal(err)
		}
	}
}
