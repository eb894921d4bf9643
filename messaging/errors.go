package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOutOfRangeIndex matches *OutOfRangeIndexError.
	ErrOutOfRangeIndex = errors.New("array message index out of range")
	// ErrDuplicateIndex matches *DuplicateIndexError.
	ErrDuplicateIndex = errors.New("duplicate array message index")
)

// IndexEntry is one message slot and the array index it declared.
type IndexEntry struct {
	Slot  int
	Index uint32
}

// OutOfRangeIndexError lists every message whose index was not in
// [0, Length).
type OutOfRangeIndexError struct {
	Length  int
	Entries []IndexEntry
}

func (e *OutOfRangeIndexError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %d message(s) outside [0, %d):", ErrOutOfRangeIndex, len(e.Entries), e.Length)
	for i, en := range e.Entries {
		if i == 8 {
			fmt.Fprintf(&b, " ... (%d more)", len(e.Entries)-i)
			break
		}
		fmt.Fprintf(&b, " message %d has index %d;", en.Slot, en.Index)
	}
	return strings.TrimSuffix(b.String(), ";")
}

func (e *OutOfRangeIndexError) Unwrap() error { return ErrOutOfRangeIndex }

// Values returns the offending index values in message order.
func (e *OutOfRangeIndexError) Values() []uint32 {
	out := make([]uint32, len(e.Entries))
	for i, en := range e.Entries {
		out[i] = en.Index
	}
	return out
}

// DuplicateSlot is one array slot written by more than one message.
type DuplicateSlot struct {
	Index  int
	Writes uint32
}

// DuplicateIndexError lists every array slot targeted more than once.
type DuplicateIndexError struct {
	Slots []DuplicateSlot
}

func (e *DuplicateIndexError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %d slot(s) written more than once:", ErrDuplicateIndex, len(e.Slots))
	for i, s := range e.Slots {
		if i == 8 {
			fmt.Fprintf(&b, " ... (%d more)", len(e.Slots)-i)
			break
		}
		fmt.Fprintf(&b, " slot %d (%d writes);", s.Index, s.Writes)
	}
	return strings.TrimSuffix(b.String(), ";")
}

func (e *DuplicateIndexError) Unwrap() error { return ErrDuplicateIndex }

// Indices returns the duplicated slot indices in ascending order.
func (e *DuplicateIndexError) Indices() []int {
	out := make([]int, len(e.Slots))
	for i, s := range e.Slots {
		out[i] = s.Index
	}
	return out
}
