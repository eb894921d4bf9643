package messaging

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/kernels"
	"github.com/sbl8/ensemble/model"
	"github.com/sbl8/ensemble/runtime"
)

// ArrayIndex places messages at the fixed slot each one names in its index
// variable.
type ArrayIndex struct {
	cfg    model.ArrayConfig
	length int
}

// NewArrayIndex validates cfg and creates the index.
func NewArrayIndex(cfg model.ArrayConfig) (*ArrayIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ArrayIndex{cfg: cfg, length: cfg.Length()}, nil
}

// Config returns the index configuration.
func (a *ArrayIndex) Config() model.ArrayConfig { return a.cfg }

// Length returns the number of addressable slots.
func (a *ArrayIndex) Length() int { return a.length }

// Slot returns the linear slot of grid coordinate (x, y, z), x varying
// fastest. Unused dimensions take coordinate 0.
func (a *ArrayIndex) Slot(x, y, z int) int {
	d := a.cfg.Dims
	dx, dy, dz := d[0], max(d[1], 1), max(d[2], 1)
	core.Precondition(x >= 0 && x < dx && y >= 0 && y < dy && z >= 0 && z < dz, "ArrayIndex.Slot",
		"coordinate (%d, %d, %d) outside %dx%dx%d", x, y, z, dx, dy, dz)
	return x + dx*(y+dy*z)
}

// Reorder copies each of the count messages in in to the slot of out named
// by its index variable. out must cover Length slots; slots no message
// names are left untouched.
//
// Every index is validated before anything is written: an index outside
// [0, Length) yields an *OutOfRangeIndexError and two messages naming the
// same slot yield a *DuplicateIndexError, and in both cases out is
// unchanged. writeFlag, when non-nil, receives the per-slot write counts
// and must hold at least Length entries; a nil writeFlag uses the engine's
// arena.
func (a *ArrayIndex) Reorder(e *runtime.Engine, schema *core.Schema, in, out core.BufferSet, count int, writeFlag []uint32) error {
	const op = "ArrayIndex.Reorder"
	core.Precondition(count >= 0, op, "negative message count %d", count)
	idxVar, ok := schema.Lookup(a.cfg.IndexVariable)
	core.Precondition(ok, op, "schema has no index variable %q", a.cfg.IndexVariable)
	core.Precondition(idxVar.Stride() == 4, op, "index variable %q is %d bytes wide, need 4", idxVar.Name, idxVar.Stride())
	in.Cover(op, "in", schema, count)
	out.Cover(op, "out", schema, a.length)
	core.Precondition(writeFlag == nil || len(writeFlag) >= a.length, op,
		"write flags hold %d entries, need %d", len(writeFlag), a.length)

	return e.Run("array_reorder", func() error {
		index := core.Uint32s(in[idxVar.Name])[:count]
		if err := a.checkRange(index, e.Workers()); err != nil {
			return err
		}

		flags := writeFlag
		if flags == nil {
			var err error
			if flags, err = e.Arena().RequestUint32s(runtime.ArenaWriteFlag, a.length); err != nil {
				return err
			}
		}
		flags = flags[:a.length]
		clear(flags)
		kernels.ForEach(count, e.Workers(), func(i int) {
			atomic.AddUint32(&flags[index[i]], 1)
		})
		if err := a.checkDuplicates(flags, e.Workers()); err != nil {
			return err
		}

		dest := func(i int) (int, bool) { return int(index[i]), true }
		for _, v := range schema.Variables() {
			kernels.ScatterSpans(out[v.Name], in[v.Name], v.Stride(), count, e.Workers(), dest)
		}
		return nil
	})
}

// checkRange collects every out-of-range index, in message order.
func (a *ArrayIndex) checkRange(index []uint32, workers int) error {
	blocks := kernels.Blocks(len(index), workers)
	found := make([][]IndexEntry, blocks)
	var hit atomic.Bool
	kernels.ForEach(blocks, blocks, func(b int) {
		lo, hi := kernels.Block(len(index), blocks, b)
		for i := lo; i < hi; i++ {
			if int(index[i]) >= a.length {
				found[b] = append(found[b], IndexEntry{Slot: i, Index: index[i]})
				hit.Store(true)
			}
		}
	})
	if !hit.Load() {
		return nil
	}
	return &OutOfRangeIndexError{Length: a.length, Entries: slices.Concat(found...)}
}

// checkDuplicates collects every slot written more than once.
func (a *ArrayIndex) checkDuplicates(flags []uint32, workers int) error {
	var (
		mu    sync.Mutex
		slots []DuplicateSlot
	)
	blocks := kernels.Blocks(len(flags), workers)
	kernels.ForEach(blocks, blocks, func(b int) {
		lo, hi := kernels.Block(len(flags), blocks, b)
		var local []DuplicateSlot
		for i := lo; i < hi; i++ {
			if flags[i] > 1 {
				local = append(local, DuplicateSlot{Index: i, Writes: flags[i]})
			}
		}
		if len(local) > 0 {
			mu.Lock()
			slots = append(slots, local...)
			mu.Unlock()
		}
	})
	if len(slots) == 0 {
		return nil
	}
	slices.SortFunc(slots, func(x, y DuplicateSlot) int { return x.Index - y.Index })
	return &DuplicateIndexError{Slots: slots}
}
