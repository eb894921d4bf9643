package core

import "fmt"

// BufferSet maps variable names to their SoA spans. The engine borrows
// buffer sets for the duration of a call and never retains them.
type BufferSet map[string][]byte

// Cover panics unless every variable of s has a span in b holding at least
// slots elements.
func (b BufferSet) Cover(op, role string, s *Schema, slots int) {
	for _, v := range s.vars {
		span, ok := b[v.Name]
		Precondition(ok, op, "%s buffer set has no span for variable %q", role, v.Name)
		need := slots * v.Stride()
		Precondition(len(span) >= need, op, "%s span %q holds %d bytes, need %d for %d slots", role, v.Name, len(span), need, slots)
	}
}

// Slot returns the bytes of one slot of variable v.
func (b BufferSet) Slot(v Variable, slot int) []byte {
	stride := v.Stride()
	return b[v.Name][slot*stride : (slot+1)*stride]
}

// Allocator hands out and takes back device memory.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(buf []byte)
}

// StateList owns a double-buffered pair of SoA buffer sets for one entity
// kind. Passes that reorganise the list read Front, write Back and then Swap.
type StateList struct {
	schema   *Schema
	alloc    Allocator
	Front    BufferSet
	Back     BufferSet
	count    int
	capacity int
}

// NewStateList allocates front and back buffers for capacity entities.
func NewStateList(s *Schema, alloc Allocator, capacity int) (*StateList, error) {
	l := &StateList{schema: s, alloc: alloc}
	if err := l.Resize(capacity); err != nil {
		return nil, err
	}
	return l, nil
}

// Schema returns the list's variable schema.
func (l *StateList) Schema() *Schema { return l.schema }

// Count returns the number of live entities in Front.
func (l *StateList) Count() int { return l.count }

// SetCount records the number of live entities in Front.
func (l *StateList) SetCount(n int) {
	Precondition(n >= 0 && n <= l.capacity, "StateList.SetCount", "count %d outside capacity %d", n, l.capacity)
	l.count = n
}

// Capacity returns the number of slots each buffer can hold.
func (l *StateList) Capacity() int { return l.capacity }

// Swap exchanges Front and Back.
func (l *StateList) Swap() {
	l.Front, l.Back = l.Back, l.Front
}

// Resize grows both buffers to hold capacity entities, preserving the live
// part of Front. Shrinking requests are ignored.
func (l *StateList) Resize(capacity int) error {
	if capacity <= l.capacity && l.Front != nil {
		return nil
	}
	front, err := l.allocSet(capacity)
	if err != nil {
		return err
	}
	back, err := l.allocSet(capacity)
	if err != nil {
		l.freeSet(front)
		return err
	}
	for _, v := range l.schema.vars {
		if old, ok := l.Front[v.Name]; ok {
			copy(front[v.Name], old[:l.count*v.Stride()])
		}
	}
	l.freeSet(l.Front)
	l.freeSet(l.Back)
	l.Front, l.Back = front, back
	l.capacity = capacity
	return nil
}

// Release returns both buffers to the allocator.
func (l *StateList) Release() {
	l.freeSet(l.Front)
	l.freeSet(l.Back)
	l.Front, l.Back = nil, nil
	l.count, l.capacity = 0, 0
}

func (l *StateList) allocSet(capacity int) (BufferSet, error) {
	set := make(BufferSet, l.schema.Len())
	for _, v := range l.schema.vars {
		buf, err := l.alloc.Alloc(capacity * v.Stride())
		if err != nil {
			l.freeSet(set)
			return nil, fmt.Errorf("allocate %q for %d slots: %w", v.Name, capacity, err)
		}
		set[v.Name] = buf
	}
	return set, nil
}

func (l *StateList) freeSet(set BufferSet) {
	for _, buf := range set {
		l.alloc.Free(buf)
	}
}
