// Package messaging builds the message indexes agents query: a uniform-grid
// partition boundary matrix (PBM) for spatial messages and a fixed-slot
// reorder for array messages.
//
// Both indexes run their kernels on the stream of the runtime.Engine passed
// to each call and take their temporaries from that engine's arena, so
// indexes belonging to different streams can be rebuilt concurrently.
package messaging

import (
	"fmt"
	"math"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/kernels"
	"github.com/sbl8/ensemble/model"
	"github.com/sbl8/ensemble/runtime"
)

// PBM is a snapshot of a spatial index's partition metadata. Offsets has
// one entry per bin plus a final entry holding the message count.
type PBM struct {
	Min     [3]float32
	Max     [3]float32
	Radius  float32
	Dims    [3]int
	Offsets []uint32
}

// TotalBins returns the number of grid bins.
func (p PBM) TotalBins() int { return p.Dims[0] * p.Dims[1] * p.Dims[2] }

// SpatialIndex bins positioned messages into a uniform grid whose cell
// width is the interaction radius.
type SpatialIndex struct {
	cfg    model.SpatialConfig
	schema *core.Schema
	dims   [3]int

	offsets    []uint32
	offsetsBuf []byte
	alloc      core.Allocator

	count int
	valid bool
}

// NewSpatialIndex validates cfg against schema and creates an empty index.
func NewSpatialIndex(cfg model.SpatialConfig, schema *core.Schema) (*SpatialIndex, error) {
	desc := model.Message{Name: "spatial", Schema: schema, Kind: model.Spatial, Spatial: cfg}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &SpatialIndex{cfg: cfg, schema: schema, dims: cfg.GridDims()}, nil
}

// Config returns the index configuration.
func (s *SpatialIndex) Config() model.SpatialConfig { return s.cfg }

// Dims returns the bin count per axis; unused axes report 1.
func (s *SpatialIndex) Dims() [3]int { return s.dims }

// TotalBins returns the number of grid bins.
func (s *SpatialIndex) TotalBins() int { return s.dims[0] * s.dims[1] * s.dims[2] }

// Count returns the message count of the latest build.
func (s *SpatialIndex) Count() int { return s.count }

// Valid reports whether the offsets describe the latest build and no
// change has invalidated them since.
func (s *SpatialIndex) Valid() bool { return s.valid }

// Invalidate marks the index stale, e.g. after new messages are published.
func (s *SpatialIndex) Invalidate() { s.valid = false }

// SetBounds changes the domain. The offset array is reallocated by the next
// build when the bin count changes.
func (s *SpatialIndex) SetBounds(min, max [3]float32) error {
	cfg := s.cfg
	cfg.Min, cfg.Max = min, max
	return s.reconfigure(cfg)
}

// SetRadius changes the bin width.
func (s *SpatialIndex) SetRadius(r float32) error {
	cfg := s.cfg
	cfg.Radius = r
	return s.reconfigure(cfg)
}

func (s *SpatialIndex) reconfigure(cfg model.SpatialConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg
	s.dims = cfg.GridDims()
	s.valid = false
	return nil
}

// BinCoords returns the per-axis bin coordinates of pos, clamped into the
// grid. Positions on or beyond the upper bound land in the last bin.
func (s *SpatialIndex) BinCoords(pos [3]float32) [3]int {
	var c [3]int
	for axis := 0; axis < s.cfg.Dims; axis++ {
		f := math.Floor(float64(pos[axis]-s.cfg.Min[axis]) / float64(s.cfg.Radius))
		switch {
		case math.IsNaN(f) || f < 0:
			c[axis] = 0
		case f >= float64(s.dims[axis]):
			c[axis] = s.dims[axis] - 1
		default:
			c[axis] = int(f)
		}
	}
	return c
}

// BinOf returns the row-major linear bin of pos, x varying fastest.
func (s *SpatialIndex) BinOf(pos [3]float32) int {
	return s.linear(s.BinCoords(pos))
}

func (s *SpatialIndex) linear(c [3]int) int {
	return c[0] + s.dims[0]*(c[1]+s.dims[1]*c[2])
}

// BinBounds returns the lower and upper corner of bin.
func (s *SpatialIndex) BinBounds(bin int) (lo, hi [3]float32) {
	core.Precondition(bin >= 0 && bin < s.TotalBins(), "SpatialIndex.BinBounds", "bin %d outside [0, %d)", bin, s.TotalBins())
	c := [3]int{bin % s.dims[0], (bin / s.dims[0]) % s.dims[1], bin / (s.dims[0] * s.dims[1])}
	for axis := 0; axis < s.cfg.Dims; axis++ {
		lo[axis] = s.cfg.Min[axis] + float32(c[axis])*s.cfg.Radius
		hi[axis] = lo[axis] + s.cfg.Radius
	}
	return lo, hi
}

// Bin returns the range of message slots [start, end) holding bin.
func (s *SpatialIndex) Bin(bin int) (start, end int) {
	core.Precondition(s.offsets != nil, "SpatialIndex.Bin", "index never built")
	return int(s.offsets[bin]), int(s.offsets[bin+1])
}

// Offsets returns the bin offset array of the latest build. It must not be
// modified and is only meaningful while Valid reports true.
func (s *SpatialIndex) Offsets() []uint32 { return s.offsets }

// PBM returns a copy of the partition metadata.
func (s *SpatialIndex) PBM() PBM {
	return PBM{
		Min:     s.cfg.Min,
		Max:     s.cfg.Max,
		Radius:  s.cfg.Radius,
		Dims:    s.dims,
		Offsets: append([]uint32(nil), s.offsets...),
	}
}

// Neighbours calls fn with every message slot in the bins adjacent to the
// bin of pos, including that bin, until fn returns false. Bins along x are
// contiguous in the sorted store, so each row of the neighbourhood is one
// slot range.
func (s *SpatialIndex) Neighbours(pos [3]float32, fn func(slot int) bool) {
	core.Precondition(s.valid, "SpatialIndex.Neighbours", "index is stale")
	c := s.BinCoords(pos)
	zr := 0
	if s.cfg.Dims == 3 {
		zr = 1
	}
	xlo, xhi := max(c[0]-1, 0), min(c[0]+1, s.dims[0]-1)
	for z := c[2] - zr; z <= c[2]+zr; z++ {
		if z < 0 || z >= s.dims[2] {
			continue
		}
		for y := c[1] - 1; y <= c[1]+1; y++ {
			if y < 0 || y >= s.dims[1] {
				continue
			}
			start := s.offsets[s.linear([3]int{xlo, y, z})]
			end := s.offsets[s.linear([3]int{xhi, y, z})+1]
			for slot := start; slot < end; slot++ {
				if !fn(int(slot)) {
					return
				}
			}
		}
	}
}

func (s *SpatialIndex) ensureOffsets(alloc core.Allocator) error {
	n := s.TotalBins() + 1
	if len(s.offsets) == n && s.alloc == alloc {
		return nil
	}
	s.Release()
	buf, err := alloc.Alloc(n * 4)
	if err != nil {
		return fmt.Errorf("spatial index: allocate %d bin offsets: %w", n, err)
	}
	s.alloc = alloc
	s.offsetsBuf = buf
	s.offsets = core.Uint32s(buf)
	return nil
}

// Release returns the offset array to its device.
func (s *SpatialIndex) Release() {
	if s.alloc != nil {
		s.alloc.Free(s.offsetsBuf)
	}
	s.alloc, s.offsetsBuf, s.offsets = nil, nil, nil
	s.valid = false
}

// Build indexes count messages of in and writes them to out in bin order.
// Afterwards out is the message store the offsets describe.
func (s *SpatialIndex) Build(e *runtime.Engine, in, out core.BufferSet, count int) error {
	const op = "SpatialIndex.Build"
	core.Precondition(count >= 0, op, "negative message count %d", count)
	in.Cover(op, "in", s.schema, count)
	out.Cover(op, "out", s.schema, count)

	s.valid = false
	if err := s.ensureOffsets(e.Device()); err != nil {
		return err
	}
	if count == 0 {
		clear(s.offsets)
		s.count = 0
		s.valid = true
		return nil
	}

	var binIndex, binSub []uint32
	err := e.Run("spatial_index", func() error {
		var err error
		binIndex, binSub, err = s.partition(e, in, count)
		return err
	})
	if err != nil {
		return err
	}
	if err := e.PBMReorder(s.schema, in, out, count, binIndex, binSub, s.offsets); err != nil {
		return err
	}
	s.count = count
	s.valid = true
	return nil
}

// BuildList indexes the live messages of list, reordering Front into Back
// and swapping them.
func (s *SpatialIndex) BuildList(e *runtime.Engine, list *core.StateList) error {
	if err := s.Build(e, list.Front, list.Back, list.Count()); err != nil {
		return err
	}
	list.Swap()
	return nil
}

// partition computes bin indices, offsets and in-bin ranks on the stream.
func (s *SpatialIndex) partition(e *runtime.Engine, in core.BufferSet, count int) (binIndex, binSub []uint32, err error) {
	arena := e.Arena()
	workers := e.Workers()
	total := s.TotalBins()

	req := func(p runtime.ArenaPurpose, n int) []uint32 {
		if err != nil {
			return nil
		}
		var buf []uint32
		buf, err = arena.RequestUint32s(p, n)
		return buf
	}
	binIndex = req(runtime.ArenaBinIndex, count)
	binSub = req(runtime.ArenaBinSubIndex, count)
	keys := req(runtime.ArenaKeys, count)
	vals := req(runtime.ArenaValues, count)
	keysAlt := req(runtime.ArenaKeysAlt, count)
	valsAlt := req(runtime.ArenaValuesAlt, count)
	hist := req(runtime.ArenaHistogram, total+1)
	if err != nil {
		return nil, nil, err
	}
	temp, err := arena.Request(runtime.ArenaScratch, max(kernels.ScanTempSize(workers), kernels.SortTempSize(workers)))
	if err != nil {
		return nil, nil, err
	}

	var axes [3][]float32
	for axis, name := range s.cfg.PositionVariables() {
		axes[axis] = core.View[float32](in[name])
	}
	kernels.ForEach(count, workers, func(i int) {
		var pos [3]float32
		for axis := 0; axis < s.cfg.Dims; axis++ {
			pos[axis] = axes[axis][i]
		}
		b := uint32(s.BinOf(pos))
		binIndex[i] = b
		keys[i] = b
		vals[i] = uint32(i)
	})

	if err := kernels.Histogram(hist, count, workers, func(i int) uint32 { return binIndex[i] }); err != nil {
		return nil, nil, err
	}
	kernels.ExclusiveScan(temp, s.offsets, total, workers, func(i int) uint32 { return hist[i] })

	sortedKeys, sortedVals := kernels.SortPairs(temp, keys, vals, keysAlt, valsAlt, count, kernels.KeyBits(uint32(total-1)), workers)
	offsets := s.offsets
	kernels.ForEach(count, workers, func(j int) {
		binSub[sortedVals[j]] = uint32(j) - offsets[sortedKeys[j]]
	})
	return binIndex, binSub, nil
}
