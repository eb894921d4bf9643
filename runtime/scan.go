package runtime

import (
	"fmt"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/kernels"
)

// Purpose selects which scan-compaction pair a pass uses. Each engine keeps
// one independent pair per purpose so passes of different kinds never
// share flag or position storage.
type Purpose int

const (
	Message Purpose = iota
	AgentDeath
	AgentBirth
	numPurposes
)

func (p Purpose) String() string {
	switch p {
	case Message:
		return "message"
	case AgentDeath:
		return "agent_death"
	case AgentBirth:
		return "agent_birth"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// scanPair holds the flag and position arrays of one purpose. Both hold
// capacity+1 elements so the scan total lands in position[n].
type scanPair struct {
	flag     []uint32
	position []uint32
	flagBuf  []byte
	posBuf   []byte
}

func (s *scanPair) capacity() int {
	if len(s.flag) == 0 {
		return 0
	}
	return len(s.flag) - 1
}

// resize grows the pair to hold n items, preserving existing flags. On
// failure the previous allocation is kept.
func (e *Engine) resizeScan(p Purpose, n int) (*scanPair, error) {
	pair := &e.scans[p]
	if n <= pair.capacity() && pair.flag != nil {
		return pair, nil
	}
	size := (n + 1) * 4
	flagBuf, err := e.dev.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("scan %s: grow flags to %d items: %w", p, n, err)
	}
	posBuf, err := e.dev.Alloc(size)
	if err != nil {
		e.dev.Free(flagBuf)
		return nil, fmt.Errorf("scan %s: grow positions to %d items: %w", p, n, err)
	}
	copy(flagBuf, pair.flagBuf)
	e.dev.Free(pair.flagBuf)
	e.dev.Free(pair.posBuf)
	pair.flagBuf, pair.posBuf = flagBuf, posBuf
	pair.flag, pair.position = core.Uint32s(flagBuf), core.Uint32s(posBuf)
	e.log.Debug("scan pair grown", "stream", e.id, "purpose", p.String(), "items", n)
	return pair, nil
}

func (e *Engine) freeScans(release bool) {
	for i := range e.scans {
		pair := &e.scans[i]
		if release {
			e.dev.Free(pair.flagBuf)
			e.dev.Free(pair.posBuf)
		}
		*pair = scanPair{}
	}
}

// ScanFlags returns the zeroed flag array of purpose sized for n items,
// growing the pair when needed. The caller marks slot i by setting
// flags[i] to 1 and must finish writing before the next engine call.
func (e *Engine) ScanFlags(p Purpose, n int) ([]uint32, error) {
	core.Precondition(p >= 0 && p < numPurposes, "ScanFlags", "unknown purpose %d", int(p))
	core.Precondition(n >= 0, "ScanFlags", "negative item count %d", n)
	var flags []uint32
	err := e.exec(func() error {
		pair, err := e.resizeScan(p, n)
		if err != nil {
			return err
		}
		flags = pair.flag[:n]
		clear(flags)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// Positions returns the position array computed by the latest pass of
// purpose, covering n items. Only slots at or after that pass's
// passthrough count are meaningful.
func (e *Engine) Positions(p Purpose, n int) []uint32 {
	pos := e.scans[p].position
	core.Precondition(n < len(pos) || (n == 0 && pos == nil), "Positions", "%s pair holds %d items, asked for %d", p, len(pos)-1, n)
	if pos == nil {
		return nil
	}
	return pos[:n]
}

// scan computes positions for items [passthrough, n) of purpose and
// returns the resulting output count. It runs on the stream.
func (e *Engine) scan(p Purpose, n int, cfg scatterConfig) (int, error) {
	pair, err := e.resizeScan(p, n)
	if err != nil {
		return 0, err
	}
	temp, err := e.arena.Request(ArenaScratch, kernels.ScanTempSize(e.workers))
	if err != nil {
		return 0, err
	}
	first := cfg.passthrough
	flag := pair.flag
	load := func(i int) uint32 {
		if flag[first+i] != 0 {
			return 1
		}
		return 0
	}
	if cfg.invert {
		load = func(i int) uint32 {
			if flag[first+i] == 0 {
				return 1
			}
			return 0
		}
	}
	total := kernels.ExclusiveScan(temp, pair.position[first:n+1], n-first, e.workers, load)
	return first + int(total), nil
}
