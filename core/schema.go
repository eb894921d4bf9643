// Package core provides the type-erased primitives the ensemble engine works on.
//
// Every entity kind (an agent state or a message list) is stored as a
// structure of arrays: one contiguous byte span per variable, all spans
// indexed by the same slot number. The engine never knows the Go type of a
// variable; it only knows each element's byte width and how many elements an
// entity carries, so a variable occupies Stride() bytes per slot.
//
// Key components:
//   - Variable / Schema: ordered, immutable variable descriptions
//   - PackingLayout: array-of-structures record layout for host-built entities
//   - BufferSet / StateList: SoA span maps and double-buffered state lists
//   - View / Bytes: zero-copy typed views over byte spans
package core

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Kind tags the element type of a variable. KindRaw variables are opaque
// bytes of any width; all other kinds fix the width.
type Kind uint8

const (
	KindRaw Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
)

var kindNames = [...]string{
	KindRaw:     "raw",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Width returns the element byte width implied by the kind, or 0 for KindRaw.
func (k Kind) Width() int {
	switch k {
	case KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

// Numeric reports whether values of the kind can be reduced arithmetically.
func (k Kind) Numeric() bool {
	return k != KindRaw && k.Width() > 0
}

// Variable describes one per-entity variable.
type Variable struct {
	Name    string
	Width   int    // element byte width
	Count   int    // elements per entity, 1 for scalars
	Kind    Kind   // optional element type tag
	Default []byte // Stride() bytes, nil means zero
}

// Stride is the number of bytes the variable occupies per slot.
func (v Variable) Stride() int {
	return v.Width * v.Count
}

// Scalar describes a single-element variable of the given kind.
func Scalar(name string, kind Kind) Variable {
	return Variable{Name: name, Width: kind.Width(), Count: 1, Kind: kind}
}

// Array describes a fixed-length array variable of the given kind.
func Array(name string, kind Kind, n int) Variable {
	return Variable{Name: name, Width: kind.Width(), Count: n, Kind: kind}
}

// WithDefault returns a copy of v whose default value is def.
func (v Variable) WithDefault(def []byte) Variable {
	v.Default = append([]byte(nil), def...)
	return v
}

func (v Variable) validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: variable with empty name", ErrInvalidSchema)
	}
	if v.Width <= 0 {
		return fmt.Errorf("%w: variable %q has width %d", ErrInvalidSchema, v.Name, v.Width)
	}
	if v.Count <= 0 {
		return fmt.Errorf("%w: variable %q has element count %d", ErrInvalidSchema, v.Name, v.Count)
	}
	if w := v.Kind.Width(); v.Kind != KindRaw && w != v.Width {
		return fmt.Errorf("%w: variable %q is %s but declares width %d", ErrInvalidSchema, v.Name, v.Kind, v.Width)
	}
	if v.Default != nil && len(v.Default) != v.Stride() {
		return fmt.Errorf("%w: variable %q default is %d bytes, want %d", ErrInvalidSchema, v.Name, len(v.Default), v.Stride())
	}
	return nil
}

// Schema is an ordered set of uniquely named variables. It is immutable once
// built and safe for concurrent use.
type Schema struct {
	vars        []Variable
	index       map[string]int
	fingerprint uint64
}

// NewSchema validates vars and builds a schema preserving their order.
func NewSchema(vars ...Variable) (*Schema, error) {
	s := &Schema{
		vars:  make([]Variable, len(vars)),
		index: make(map[string]int, len(vars)),
	}
	h := xxhash.New()
	var scratch [8]byte
	for i, v := range vars {
		if err := v.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.index[v.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate variable %q", ErrInvalidSchema, v.Name)
		}
		if v.Default != nil {
			v.Default = append([]byte(nil), v.Default...)
		}
		s.vars[i] = v
		s.index[v.Name] = i

		_, _ = h.WriteString(v.Name)
		binary.LittleEndian.PutUint32(scratch[0:4], uint32(v.Width))
		binary.LittleEndian.PutUint32(scratch[4:8], uint32(v.Count))
		_, _ = h.Write(scratch[:])
		_, _ = h.Write([]byte{byte(v.Kind)})
	}
	s.fingerprint = h.Sum64()
	return s, nil
}

// MustSchema is NewSchema for statically known schemas.
func MustSchema(vars ...Variable) *Schema {
	s, err := NewSchema(vars...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of variables.
func (s *Schema) Len() int { return len(s.vars) }

// At returns the i-th variable in declaration order.
func (s *Schema) At(i int) Variable { return s.vars[i] }

// Variables returns a copy of the variables in declaration order.
func (s *Schema) Variables() []Variable {
	out := make([]Variable, len(s.vars))
	copy(out, s.vars)
	return out
}

// Lookup returns the named variable.
func (s *Schema) Lookup(name string) (Variable, bool) {
	i, ok := s.index[name]
	if !ok {
		return Variable{}, false
	}
	return s.vars[i], true
}

// Has reports whether the schema declares name.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// RecordSize is the sum of all variable strides, i.e. the size of one tightly
// packed array-of-structures record.
func (s *Schema) RecordSize() int {
	n := 0
	for _, v := range s.vars {
		n += v.Stride()
	}
	return n
}

// Fingerprint is a stable 64-bit hash of the schema's shape.
func (s *Schema) Fingerprint() uint64 { return s.fingerprint }

// Without returns a schema with the named variables removed.
func (s *Schema) Without(names ...string) *Schema {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := make([]Variable, 0, len(s.vars))
	for _, v := range s.vars {
		if !drop[v.Name] {
			kept = append(kept, v)
		}
	}
	return MustSchema(kept...)
}
