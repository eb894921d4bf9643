// Package model defines the read-only descriptions the ensemble engine
// consumes: agent kinds, message kinds and the configuration of the spatial
// and array message indexes.
//
// Descriptions are built once by the model author and are treated as
// immutable by the engine. Validation is performed up front so that
// degenerate configurations are rejected before any device work is issued.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/sbl8/ensemble/core"
)

// ErrDegenerateConfig is returned for index configurations that cannot
// describe a valid grid, such as a non-positive radius or inverted bounds.
var ErrDegenerateConfig = errors.New("degenerate message configuration")

// IndexVariable is the default name of the array message slot attribute.
const IndexVariable = "___INDEX"

// MessageKind selects how a message list is indexed.
type MessageKind int

const (
	BruteForce MessageKind = iota
	Spatial
	ArrayMessages
)

func (k MessageKind) String() string {
	switch k {
	case BruteForce:
		return "bruteforce"
	case Spatial:
		return "spatial"
	case ArrayMessages:
		return "array"
	default:
		return fmt.Sprintf("messagekind(%d)", int(k))
	}
}

// SpatialConfig describes the grid a spatial message list is binned into.
type SpatialConfig struct {
	Dims   int // 2 or 3
	Min    [3]float32
	Max    [3]float32
	Radius float32

	// Position variable names, default "x", "y", "z".
	Variables [3]string
}

// Spatial2D describes a 2D grid over [minX,maxX]x[minY,maxY].
func Spatial2D(minX, minY, maxX, maxY, radius float32) SpatialConfig {
	return SpatialConfig{
		Dims:      2,
		Min:       [3]float32{minX, minY, 0},
		Max:       [3]float32{maxX, maxY, 0},
		Radius:    radius,
		Variables: [3]string{"x", "y", ""},
	}
}

// Spatial3D describes a 3D grid.
func Spatial3D(min, max [3]float32, radius float32) SpatialConfig {
	return SpatialConfig{
		Dims:      3,
		Min:       min,
		Max:       max,
		Radius:    radius,
		Variables: [3]string{"x", "y", "z"},
	}
}

// Validate rejects configurations that cannot describe a grid.
func (c SpatialConfig) Validate() error {
	if c.Dims != 2 && c.Dims != 3 {
		return fmt.Errorf("%w: spatial dims %d", ErrDegenerateConfig, c.Dims)
	}
	if !finite(c.Radius) || !(c.Radius > 0) {
		return fmt.Errorf("%w: radius %v", ErrDegenerateConfig, c.Radius)
	}
	total := 1.0
	for axis := 0; axis < c.Dims; axis++ {
		if !finite(c.Min[axis]) || !finite(c.Max[axis]) || !(c.Max[axis] > c.Min[axis]) {
			return fmt.Errorf("%w: axis %d bounds [%v, %v]", ErrDegenerateConfig, axis, c.Min[axis], c.Max[axis])
		}
		if c.Variables[axis] == "" {
			return fmt.Errorf("%w: axis %d has no position variable", ErrDegenerateConfig, axis)
		}
		total *= c.axisBins(axis)
	}
	// Bin keys and offsets are uint32 and the offsets carry one extra entry.
	if total+1 > math.MaxUint32 {
		return fmt.Errorf("%w: %.0f bins exceed the uint32 bin range", ErrDegenerateConfig, total)
	}
	return nil
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// axisBins is ceil((max-min)/radius) clamped to at least one, in float64 so
// oversized grids can be detected before converting to int.
func (c SpatialConfig) axisBins(axis int) float64 {
	return math.Max(1, math.Ceil((float64(c.Max[axis])-float64(c.Min[axis]))/float64(c.Radius)))
}

// GridDims returns the bin count per axis, ceil((max-min)/radius) clamped to
// at least one; unused axes report 1. The result is only meaningful for a
// configuration that passes Validate.
func (c SpatialConfig) GridDims() [3]int {
	dims := [3]int{1, 1, 1}
	for axis := 0; axis < c.Dims; axis++ {
		dims[axis] = int(min(c.axisBins(axis), math.MaxUint32))
	}
	return dims
}

// PositionVariables returns the position variable names of the used axes.
func (c SpatialConfig) PositionVariables() []string {
	return append([]string(nil), c.Variables[:c.Dims]...)
}

// ArrayConfig describes an addressable message array.
type ArrayConfig struct {
	Dims          [3]int // unused trailing dimensions are 0
	IndexVariable string
}

// Array1D describes a message array of n slots.
func Array1D(n int) ArrayConfig {
	return ArrayConfig{Dims: [3]int{n, 0, 0}, IndexVariable: IndexVariable}
}

// Array2D describes an x by y message grid.
func Array2D(x, y int) ArrayConfig {
	return ArrayConfig{Dims: [3]int{x, y, 0}, IndexVariable: IndexVariable}
}

// Array3D describes an x by y by z message grid.
func Array3D(x, y, z int) ArrayConfig {
	return ArrayConfig{Dims: [3]int{x, y, z}, IndexVariable: IndexVariable}
}

// Length returns the number of addressable slots.
func (c ArrayConfig) Length() int {
	n := 1
	for _, d := range c.Dims {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// Validate rejects empty arrays and gaps in the dimension list.
func (c ArrayConfig) Validate() error {
	if c.Dims[0] <= 0 {
		return fmt.Errorf("%w: array length %d", ErrDegenerateConfig, c.Dims[0])
	}
	if c.Dims[1] < 0 || c.Dims[2] < 0 || (c.Dims[1] == 0 && c.Dims[2] != 0) {
		return fmt.Errorf("%w: array dims %v", ErrDegenerateConfig, c.Dims)
	}
	if uint64(c.Length()) > math.MaxUint32 {
		return fmt.Errorf("%w: array length %d overflows uint32", ErrDegenerateConfig, c.Length())
	}
	if c.IndexVariable == "" {
		return fmt.Errorf("%w: array has no index variable", ErrDegenerateConfig)
	}
	return nil
}

// Message describes one message list.
type Message struct {
	Name    string
	Schema  *core.Schema
	Kind    MessageKind
	Spatial SpatialConfig
	Array   ArrayConfig
}

// Validate checks the index configuration against the schema.
func (m Message) Validate() error {
	if m.Schema == nil {
		return fmt.Errorf("message %q has no schema", m.Name)
	}
	switch m.Kind {
	case Spatial:
		if err := m.Spatial.Validate(); err != nil {
			return fmt.Errorf("message %q: %w", m.Name, err)
		}
		for _, name := range m.Spatial.PositionVariables() {
			if err := requireScalar(m.Schema, name, core.KindFloat32); err != nil {
				return fmt.Errorf("message %q: %w", m.Name, err)
			}
		}
	case ArrayMessages:
		if err := m.Array.Validate(); err != nil {
			return fmt.Errorf("message %q: %w", m.Name, err)
		}
		if err := requireScalar(m.Schema, m.Array.IndexVariable, core.KindUint32); err != nil {
			return fmt.Errorf("message %q: %w", m.Name, err)
		}
	}
	return nil
}

func requireScalar(s *core.Schema, name string, kind core.Kind) error {
	v, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: schema has no variable %q", ErrDegenerateConfig, name)
	}
	if v.Count != 1 || v.Width != kind.Width() || (v.Kind != kind && v.Kind != core.KindRaw) {
		return fmt.Errorf("%w: variable %q must be a %s scalar", ErrDegenerateConfig, name, kind)
	}
	return nil
}

// Agent describes one agent kind and its states.
type Agent struct {
	Name   string
	Schema *core.Schema
	States []string
}

// Model is the set of agent and message kinds of one simulation.
type Model struct {
	Agents   []Agent
	Messages []Message
}

// Validate validates every message description and checks name uniqueness.
func (m *Model) Validate() error {
	seen := make(map[string]bool)
	for _, a := range m.Agents {
		if a.Schema == nil {
			return fmt.Errorf("agent %q has no schema", a.Name)
		}
		if seen["agent/"+a.Name] {
			return fmt.Errorf("duplicate agent %q", a.Name)
		}
		seen["agent/"+a.Name] = true
	}
	for _, msg := range m.Messages {
		if seen["message/"+msg.Name] {
			return fmt.Errorf("duplicate message %q", msg.Name)
		}
		seen["message/"+msg.Name] = true
		if err := msg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Message returns the named message description.
func (m *Model) Message(name string) (Message, bool) {
	for _, msg := range m.Messages {
		if msg.Name == name {
			return msg, true
		}
	}
	return Message{}, false
}

// Agent returns the named agent description.
func (m *Model) Agent(name string) (Agent, bool) {
	for _, a := range m.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}
