package runtime

import (
	"fmt"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/logging"
)

// ArenaPurpose names one scratch region of an Arena.
type ArenaPurpose int

const (
	ArenaScratch     ArenaPurpose = iota // parallel-primitive temporaries
	ArenaKeys                            // sort keys
	ArenaValues                          // sort values
	ArenaKeysAlt                         // sort keys, ping-pong side
	ArenaValuesAlt                       // sort values, ping-pong side
	ArenaHistogram                       // bin counts
	ArenaBinIndex                        // per-message bin
	ArenaBinSubIndex                     // per-message rank within its bin
	ArenaWriteFlag                       // array message write counters
	ArenaReduce                          // reduction partials
	numArenaPurposes
)

var arenaPurposeNames = [numArenaPurposes]string{
	ArenaScratch:     "scratch",
	ArenaKeys:        "keys",
	ArenaValues:      "values",
	ArenaKeysAlt:     "keys_alt",
	ArenaValuesAlt:   "values_alt",
	ArenaHistogram:   "histogram",
	ArenaBinIndex:    "bin_index",
	ArenaBinSubIndex: "bin_sub_index",
	ArenaWriteFlag:   "write_flag",
	ArenaReduce:      "reduce",
}

func (p ArenaPurpose) String() string {
	if p >= 0 && p < numArenaPurposes {
		return arenaPurposeNames[p]
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// ArenaRegion reports the state of one purpose's allocation.
type ArenaRegion struct {
	Name   string
	Size   int // bytes currently allocated
	Grows  int // number of times the region was reallocated
	InUse  int // size of the most recent request
	Purged bool
}

// Arena hands out grow-only scratch memory per purpose for one stream.
//
// A span returned by Request stays valid until a later Request for the same
// purpose asks for more bytes, or until Free or Purge. A smaller request
// reuses the existing allocation unchanged. An Arena is owned by a single
// stream and is not safe for concurrent use.
type Arena struct {
	alloc    core.Allocator
	streamID int
	regions  [numArenaPurposes]arenaSlot
	log      logging.Logger
	metrics  MetricsRecorder
}

type arenaSlot struct {
	buf    []byte
	grows  int
	inUse  int
	purged bool
}

// NewArena creates an empty arena drawing from alloc.
func NewArena(alloc core.Allocator, streamID int, log logging.Logger, metrics MetricsRecorder) *Arena {
	return &Arena{
		alloc:    alloc,
		streamID: streamID,
		log:      logging.OrNoOp(log),
		metrics:  orNoopMetrics(metrics),
	}
}

// Request returns a span of exactly bytes bytes for purpose, growing the
// underlying allocation to exactly bytes when it is too small. Contents are
// unspecified unless the region was just grown, in which case they are zero.
func (a *Arena) Request(p ArenaPurpose, bytes int) ([]byte, error) {
	core.Precondition(p >= 0 && p < numArenaPurposes, "Arena.Request", "unknown purpose %d", int(p))
	core.Precondition(bytes >= 0, "Arena.Request", "negative size %d", bytes)
	slot := &a.regions[p]
	if bytes <= len(slot.buf) {
		slot.inUse = bytes
		return slot.buf[:bytes], nil
	}

	old := len(slot.buf)
	a.alloc.Free(slot.buf)
	slot.buf = nil
	buf, err := a.alloc.Alloc(bytes)
	if err != nil {
		a.metrics.ArenaBytes(a.streamID, p, 0)
		return nil, fmt.Errorf("arena stream %d: grow %s from %d to %d bytes: %w", a.streamID, p, old, bytes, err)
	}
	slot.buf = buf
	slot.grows++
	slot.inUse = bytes
	slot.purged = false
	a.log.Debug("arena grown", "stream", a.streamID, "purpose", p.String(), "from", old, "to", bytes)
	a.metrics.ArenaBytes(a.streamID, p, bytes)
	return buf, nil
}

// RequestUint32s is Request for n uint32 elements.
func (a *Arena) RequestUint32s(p ArenaPurpose, n int) ([]uint32, error) {
	buf, err := a.Request(p, n*4)
	if err != nil {
		return nil, err
	}
	return core.Uint32s(buf), nil
}

// Zero clears the whole allocation held for purpose.
func (a *Arena) Zero(p ArenaPurpose) {
	clear(a.regions[p].buf)
}

// Region reports the state of purpose.
func (a *Arena) Region(p ArenaPurpose) ArenaRegion {
	s := a.regions[p]
	return ArenaRegion{Name: p.String(), Size: len(s.buf), Grows: s.grows, InUse: s.inUse, Purged: s.purged}
}

// Footprint returns the total bytes held across all purposes.
func (a *Arena) Footprint() int {
	n := 0
	for i := range a.regions {
		n += len(a.regions[i].buf)
	}
	return n
}

// Free returns every allocation to the device.
func (a *Arena) Free() {
	for p := range a.regions {
		slot := &a.regions[p]
		if slot.buf != nil {
			a.alloc.Free(slot.buf)
			a.metrics.ArenaBytes(a.streamID, ArenaPurpose(p), 0)
		}
		slot.buf = nil
		slot.inUse = 0
	}
}

// Purge drops every allocation without returning it to the device, for use
// after the device itself has been reset. Spans handed out earlier must not
// be used afterwards.
func (a *Arena) Purge() {
	for p := range a.regions {
		slot := &a.regions[p]
		slot.purged = slot.buf != nil
		slot.buf = nil
		slot.inUse = 0
		a.metrics.ArenaBytes(a.streamID, ArenaPurpose(p), 0)
	}
	a.log.Info("arena purged", "stream", a.streamID)
}
