// Package device models the parallel compute device the ensemble engine
// runs on: an accounted memory pool and ordered execution streams.
//
// Device memory is host memory handed out in cache-line aligned spans. The
// device tracks how much is live and refuses allocations beyond its
// configured capacity with ErrOutOfMemory, so resize paths observe the same
// partial-failure conditions a real accelerator would produce.
//
// A Stream is an ordered work queue drained by one goroutine. Work enqueued
// on a stream runs in enqueue order, asynchronously to the caller; work on
// different streams has no ordering relationship. Errors raised by enqueued
// work are sticky and reported by the next Synchronize.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sbl8/ensemble/core"
)

// ErrOutOfMemory is returned when an allocation would exceed the device
// capacity.
var ErrOutOfMemory = errors.New("device: out of memory")

// maxSpan bounds a single allocation below the runtime's slice limit: 128 TiB
// on 64-bit platforms, 1 GiB on 32-bit ones.
const maxSpan = 1 << (30 + 17*(^uint(0)>>63))

// Device is an accounted memory pool plus the parallelism available to
// kernels launched on its streams. It is safe for concurrent use.
type Device struct {
	capacity int64
	workers  int

	used   atomic.Int64
	peak   atomic.Int64
	allocs atomic.Int64
	resets atomic.Int64
}

// Option configures a Device.
type Option func(*Device)

// WithCapacity bounds live device memory to bytes; 0 means unbounded.
func WithCapacity(bytes int64) Option {
	return func(d *Device) { d.capacity = bytes }
}

// WithWorkers sets how many goroutines a kernel launch may use.
func WithWorkers(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.workers = n
		}
	}
}

// New creates a device.
func New(opts ...Option) *Device {
	d := &Device{workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Alloc returns a zeroed, cache-line aligned span of size bytes.
func (d *Device) Alloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("device: negative allocation %d", size)
	}
	if size == 0 {
		return nil, nil
	}
	if size > maxSpan {
		return nil, fmt.Errorf("%w: requested %d bytes exceeds the %d byte span limit", ErrOutOfMemory, size, maxSpan)
	}
	n := int64(size)
	for {
		cur := d.used.Load()
		if d.capacity > 0 && cur+n > d.capacity {
			return nil, fmt.Errorf("%w: requested %d bytes with %d of %d in use", ErrOutOfMemory, size, cur, d.capacity)
		}
		if d.used.CompareAndSwap(cur, cur+n) {
			d.bumpPeak(cur + n)
			break
		}
	}
	d.allocs.Add(1)
	return core.AlignedBytes(size), nil
}

// Free returns buf to the device. Spans obtained before a Reset are
// tolerated and simply not counted twice.
func (d *Device) Free(buf []byte) {
	n := int64(len(buf))
	if n == 0 {
		return
	}
	for {
		cur := d.used.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if d.used.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (d *Device) bumpPeak(v int64) {
	for {
		p := d.peak.Load()
		if v <= p || d.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// Reset forgets every live allocation, as after a full device reset. Spans
// handed out earlier must not be used afterwards.
func (d *Device) Reset() {
	d.used.Store(0)
	d.resets.Add(1)
}

// Used returns the live allocated bytes.
func (d *Device) Used() int64 { return d.used.Load() }

// Peak returns the high-water mark of live allocated bytes.
func (d *Device) Peak() int64 { return d.peak.Load() }

// Allocations returns the number of successful allocations so far.
func (d *Device) Allocations() int64 { return d.allocs.Load() }

// Capacity returns the configured capacity, 0 when unbounded.
func (d *Device) Capacity() int64 { return d.capacity }

// Workers returns the kernel launch width.
func (d *Device) Workers() int { return d.workers }

var _ core.Allocator = (*Device)(nil)
