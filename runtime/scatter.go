package runtime

import (
	"fmt"
	"time"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/kernels"
)

type scatterConfig struct {
	outOffset   int
	invert      bool
	passthrough int
}

// ScatterOption adjusts a scatter pass.
type ScatterOption func(*scatterConfig)

// WithOutOffset writes output starting at slot n of the destination.
func WithOutOffset(n int) ScatterOption {
	return func(c *scatterConfig) { c.outOffset = n }
}

// WithInvert selects slots whose flag is 0 instead of 1.
func WithInvert() ScatterOption {
	return func(c *scatterConfig) { c.invert = true }
}

// WithPassthrough copies the first n slots unconditionally.
func WithPassthrough(n int) ScatterOption {
	return func(c *scatterConfig) { c.passthrough = n }
}

func newScatterConfig(op string, itemCount int, opts []ScatterOption) scatterConfig {
	var cfg scatterConfig
	for _, o := range opts {
		o(&cfg)
	}
	core.Precondition(itemCount >= 0, op, "negative item count %d", itemCount)
	core.Precondition(cfg.outOffset >= 0, op, "negative output offset %d", cfg.outOffset)
	core.Precondition(cfg.passthrough >= 0 && cfg.passthrough <= itemCount, op,
		"passthrough count %d outside [0, %d]", cfg.passthrough, itemCount)
	return cfg
}

// Scatter compacts itemCount slots of in into out using the scan pair of
// purpose p. Slots before the passthrough count are always copied; every
// later slot is copied iff its flag is 1 (0 under WithInvert), keeping the
// relative order of selected slots. Output starts at the WithOutOffset slot.
// It returns the number of slots written.
func (e *Engine) Scatter(p Purpose, schema *core.Schema, in, out core.BufferSet, itemCount int, opts ...ScatterOption) (n int, err error) {
	const op = "Scatter"
	core.Precondition(p >= 0 && p < numPurposes, op, "unknown purpose %d", int(p))
	cfg := newScatterConfig(op, itemCount, opts)
	in.Cover(op, "in", schema, itemCount)
	out.Cover(op, "out", schema, cfg.outOffset+cfg.passthrough)
	defer e.observe("scatter", time.Now(), &err)

	var count int
	if err := e.exec(func() error {
		c, err := e.scan(p, itemCount, cfg)
		count = c
		return err
	}); err != nil {
		return 0, err
	}
	out.Cover(op, "out", schema, cfg.outOffset+count)

	pair := &e.scans[p]
	err = e.exec(func() error {
		flag, pos := pair.flag, pair.position
		first, off, invert := cfg.passthrough, cfg.outOffset, cfg.invert
		dest := func(i int) (int, bool) {
			if i < first {
				return off + i, true
			}
			if (flag[i] != 0) == invert {
				return 0, false
			}
			return off + first + int(pos[i]), true
		}
		for _, v := range schema.Variables() {
			kernels.ScatterSpans(out[v.Name], in[v.Name], v.Stride(), itemCount, e.workers, dest)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ScatterCount returns the count Scatter would report for the current flags
// of purpose p, without copying data. WithOutOffset has no effect.
func (e *Engine) ScatterCount(p Purpose, itemCount int, opts ...ScatterOption) (n int, err error) {
	const op = "ScatterCount"
	core.Precondition(p >= 0 && p < numPurposes, op, "unknown purpose %d", int(p))
	cfg := newScatterConfig(op, itemCount, opts)
	defer e.observe("scatter_count", time.Now(), &err)

	err = e.exec(func() error {
		c, err := e.scan(p, itemCount, cfg)
		n = c
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ScatterAll copies itemCount slots of in to out unconditionally, starting
// at the WithOutOffset slot of out. Other options are ignored.
func (e *Engine) ScatterAll(schema *core.Schema, in, out core.BufferSet, itemCount int, opts ...ScatterOption) (n int, err error) {
	const op = "ScatterAll"
	var cfg scatterConfig
	for _, o := range opts {
		o(&cfg)
	}
	core.Precondition(itemCount >= 0 && cfg.outOffset >= 0, op, "negative count %d or offset %d", itemCount, cfg.outOffset)
	in.Cover(op, "in", schema, itemCount)
	out.Cover(op, "out", schema, cfg.outOffset+itemCount)
	defer e.observe("scatter_all", time.Now(), &err)

	err = e.exec(func() error {
		for _, v := range schema.Variables() {
			s := v.Stride()
			if err := copySlots(out[v.Name][cfg.outOffset*s:], in[v.Name], s, itemCount, e.workers); err != nil {
				return fmt.Errorf("scatter all %q: %w", v.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return itemCount, nil
}

// copySlots copies n slots of stride bytes from src to dst in parallel
// blocks. A faulting block is reported, not swallowed.
func copySlots(dst, src []byte, stride, n, workers int) error {
	return kernels.Launch(n, workers, func(_, lo, hi int) error {
		copy(dst[lo*stride:hi*stride], src[lo*stride:hi*stride])
		return nil
	})
}

// ScatterNewAgents unpacks itemCount array-of-structures records from packed
// into the SoA buffers of out, starting at slot outOffset.
func (e *Engine) ScatterNewAgents(schema *core.Schema, out core.BufferSet, packed []byte, layout core.PackingLayout, itemCount, outOffset int) (err error) {
	const op = "ScatterNewAgents"
	if lerr := layout.Check(schema); lerr != nil {
		core.Precondition(false, op, "%v", lerr)
	}
	core.Precondition(itemCount >= 0 && outOffset >= 0, op, "negative count %d or offset %d", itemCount, outOffset)
	core.Precondition(len(packed) >= itemCount*layout.Size, op,
		"packed buffer holds %d bytes, need %d for %d records", len(packed), itemCount*layout.Size, itemCount)
	out.Cover(op, "out", schema, outOffset+itemCount)
	defer e.observe("scatter_new_agents", time.Now(), &err)

	return e.exec(func() error {
		for _, v := range schema.Variables() {
			f := layout.Fields[v.Name]
			s := v.Stride()
			dst := out[v.Name][outOffset*s:]
			kernels.ForEach(itemCount, e.workers, func(i int) {
				rec := i*layout.Size + f.Offset
				copy(dst[i*s:(i+1)*s], packed[rec:rec+f.Len])
			})
		}
		return nil
	})
}

// BroadcastInit writes every variable's default value, or zero when it has
// none, into itemCount slots of out starting at outOffset.
func (e *Engine) BroadcastInit(schema *core.Schema, out core.BufferSet, itemCount, outOffset int) (err error) {
	const op = "BroadcastInit"
	core.Precondition(itemCount >= 0 && outOffset >= 0, op, "negative count %d or offset %d", itemCount, outOffset)
	out.Cover(op, "out", schema, outOffset+itemCount)
	defer e.observe("broadcast_init", time.Now(), &err)

	return e.exec(func() error {
		for _, v := range schema.Variables() {
			s := v.Stride()
			dst := out[v.Name][outOffset*s:]
			if v.Default == nil {
				kernels.Zero(dst, s, itemCount, e.workers)
			} else {
				kernels.Fill(dst, v.Default, itemCount, e.workers)
			}
		}
		return nil
	})
}

// PBMReorder writes the item at input slot s to output slot
// binOffset[binIndex[s]] + binSubIndex[s].
func (e *Engine) PBMReorder(schema *core.Schema, in, out core.BufferSet, itemCount int, binIndex, binSubIndex, binOffset []uint32) (err error) {
	const op = "PBMReorder"
	core.Precondition(itemCount >= 0, op, "negative item count %d", itemCount)
	core.Precondition(len(binIndex) >= itemCount && len(binSubIndex) >= itemCount, op,
		"bin index arrays hold %d/%d items, need %d", len(binIndex), len(binSubIndex), itemCount)
	in.Cover(op, "in", schema, itemCount)
	out.Cover(op, "out", schema, itemCount)
	defer e.observe("pbm_reorder", time.Now(), &err)

	return e.exec(func() error {
		dest := func(i int) (int, bool) {
			return int(binOffset[binIndex[i]] + binSubIndex[i]), true
		}
		for _, v := range schema.Variables() {
			kernels.ScatterSpans(out[v.Name], in[v.Name], v.Stride(), itemCount, e.workers, dest)
		}
		return nil
	})
}
