package core

import "fmt"

// FieldOffset locates one variable inside a packed record.
type FieldOffset struct {
	Offset int
	Len    int
}

// PackingLayout describes how host-created entities are packed as an
// array of structures before being unpacked into SoA buffers. Records are
// Size bytes apart; each variable lives at its FieldOffset within a record.
type PackingLayout struct {
	Size   int
	Fields map[string]FieldOffset
}

// PackedLayout lays the schema's variables out back to back in declaration
// order, with each field start aligned to its element width.
func PackedLayout(s *Schema) PackingLayout {
	l := PackingLayout{Fields: make(map[string]FieldOffset, s.Len())}
	off := 0
	maxAlign := 1
	for _, v := range s.vars {
		align := v.Width
		if align&(align-1) != 0 || align > 8 {
			align = 1
		}
		if align > maxAlign {
			maxAlign = align
		}
		off = AlignSize(off, align)
		l.Fields[v.Name] = FieldOffset{Offset: off, Len: v.Stride()}
		off += v.Stride()
	}
	l.Size = AlignSize(off, maxAlign)
	return l
}

// Check verifies that the layout covers every variable of s with a field of
// the right length that fits inside the record.
func (l PackingLayout) Check(s *Schema) error {
	if l.Size <= 0 && s.Len() > 0 {
		return fmt.Errorf("packing layout has record size %d", l.Size)
	}
	for _, v := range s.vars {
		f, ok := l.Fields[v.Name]
		if !ok {
			return fmt.Errorf("packing layout has no field for %q", v.Name)
		}
		if f.Len != v.Stride() {
			return fmt.Errorf("packing layout field %q is %d bytes, schema stride is %d", v.Name, f.Len, v.Stride())
		}
		if f.Offset < 0 || f.Offset+f.Len > l.Size {
			return fmt.Errorf("packing layout field %q [%d,%d) exceeds record size %d", v.Name, f.Offset, f.Offset+f.Len, l.Size)
		}
	}
	return nil
}

// Put writes value into field name of record slot inside buf.
func (l PackingLayout) Put(buf []byte, slot int, name string, value []byte) {
	f, ok := l.Fields[name]
	Precondition(ok, "PackingLayout.Put", "no field %q", name)
	Precondition(len(value) == f.Len, "PackingLayout.Put", "field %q is %d bytes, got %d", name, f.Len, len(value))
	start := slot*l.Size + f.Offset
	copy(buf[start:start+f.Len], value)
}
