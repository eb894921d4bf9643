package runtime

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/kernels"
)

var (
	// ErrUnknownVariable is returned when a reduction names a variable the
	// schema does not declare.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrNotNumeric is returned when a reduction targets a raw variable.
	ErrNotNumeric = errors.New("variable is not numeric")
)

// elementLoader returns a loader over the count*v.Count elements of v in
// buf, converting each element to float64.
func elementLoader(schema *core.Schema, buf core.BufferSet, name string, count int) (func(i int) float64, int, error) {
	v, ok := schema.Lookup(name)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	if !v.Kind.Numeric() {
		return nil, 0, fmt.Errorf("%w: %q is %s", ErrNotNumeric, name, v.Kind)
	}
	span := buf[name]
	core.Precondition(len(span) >= count*v.Stride(), "reduce", "span %q holds %d bytes, need %d", name, len(span), count*v.Stride())
	n := count * v.Count
	switch v.Kind {
	case core.KindInt8:
		s := core.View[int8](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindInt16:
		s := core.View[int16](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindInt32:
		s := core.View[int32](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindInt64:
		s := core.View[int64](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindUint8:
		s := core.View[uint8](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindUint16:
		s := core.View[uint16](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindUint32:
		s := core.View[uint32](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindUint64:
		s := core.View[uint64](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	case core.KindFloat32:
		s := core.View[float32](span)
		return func(i int) float64 { return float64(s[i]) }, n, nil
	default:
		s := core.View[float64](span)
		return func(i int) float64 { return s[i] }, n, nil
	}
}

func (e *Engine) reduce(op string, schema *core.Schema, buf core.BufferSet, name string, count int, init float64, fn func(a, b float64) float64, pred func(float64) bool) (result float64, err error) {
	load, n, err := elementLoader(schema, buf, name, count)
	if err != nil {
		return 0, err
	}
	if pred != nil {
		inner := load
		load = func(i int) float64 {
			if pred(inner(i)) {
				return 1
			}
			return 0
		}
	}
	err = e.Run(op, func() error {
		temp, err := e.arena.Request(ArenaReduce, kernels.ReduceTempSize(e.workers))
		if err != nil {
			return err
		}
		result = kernels.Reduce(temp, n, e.workers, init, fn, load)
		return nil
	})
	return result, err
}

func add(a, b float64) float64 { return a + b }

// Sum adds every element of variable name over count slots.
func (e *Engine) Sum(schema *core.Schema, buf core.BufferSet, name string, count int) (float64, error) {
	return e.reduce("sum", schema, buf, name, count, 0, add, nil)
}

// Min returns the smallest element of variable name, +Inf when empty.
func (e *Engine) Min(schema *core.Schema, buf core.BufferSet, name string, count int) (float64, error) {
	return e.reduce("min", schema, buf, name, count, math.Inf(1), math.Min, nil)
}

// Max returns the largest element of variable name, -Inf when empty.
func (e *Engine) Max(schema *core.Schema, buf core.BufferSet, name string, count int) (float64, error) {
	return e.reduce("max", schema, buf, name, count, math.Inf(-1), math.Max, nil)
}

// Count returns how many elements of variable name satisfy pred.
func (e *Engine) Count(schema *core.Schema, buf core.BufferSet, name string, count int, pred func(float64) bool) (int, error) {
	n, err := e.reduce("count", schema, buf, name, count, 0, add, pred)
	return int(n), err
}

// HistogramEven counts the elements of variable name into bins equal-width
// buckets over [lower, upper).
func (e *Engine) HistogramEven(schema *core.Schema, buf core.BufferSet, name string, count, bins int, lower, upper float64) (out []int, err error) {
	defer e.observe("histogram_even", time.Now(), &err)
	if bins <= 0 || !(upper > lower) {
		return nil, fmt.Errorf("histogram of %q: need bins > 0 and upper > lower, got %d bins over [%v, %v)", name, bins, lower, upper)
	}
	load, n, err := elementLoader(schema, buf, name, count)
	if err != nil {
		return nil, err
	}
	err = e.exec(func() error {
		out = kernels.HistogramEven(n, e.workers, bins, lower, upper, load)
		return nil
	})
	return out, err
}
