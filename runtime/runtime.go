// Package runtime implements the per-stream ensemble engine and the registry
// that hands engines out to simulation instances.
//
// An Engine is bound to one device stream and owns everything a pass on that
// stream mutates: a grow-only Arena of scratch regions and one scan-compaction
// pair per Purpose. Engines never share scratch, so simulations bound to
// different streams run concurrently without locks.
//
// Key components:
//   - Engine: scatter, compaction, unpack and reorder passes over SoA buffers
//   - Arena: grow-only scratch memory keyed by ArenaPurpose
//   - Registry / Session: explicit, reference-counted stream-indexed pool
//   - Options: YAML-loadable configuration
//   - MetricsRecorder: Prometheus-backed operation and arena metrics
//
// Execution model:
//  1. The caller validates buffer sets against the schema (violations panic)
//  2. The engine enqueues its kernels on its stream
//  3. Work runs in enqueue order on the stream goroutine
//  4. Operations that report counts or errors synchronise with the stream
package runtime

import (
	"time"

	"github.com/sbl8/ensemble/device"
	"github.com/sbl8/ensemble/logging"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Workers int // kernel launch width, 0 uses the device's
	Logger  logging.Logger
	Metrics MetricsRecorder
}

// DefaultEngineOptions provides sensible engine defaults.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{}
}

// Engine runs data-movement passes on one stream.
type Engine struct {
	id      int
	dev     *device.Device
	stream  *device.Stream
	arena   *Arena
	scans   [numPurposes]scanPair
	workers int
	log     logging.Logger
	metrics MetricsRecorder
}

// NewEngine creates an engine bound to a new stream streamID on dev.
func NewEngine(dev *device.Device, streamID int, opts *EngineOptions) *Engine {
	o := DefaultEngineOptions()
	if opts != nil {
		o = *opts
	}
	workers := o.Workers
	if workers <= 0 {
		workers = dev.Workers()
	}
	log := logging.OrNoOp(o.Logger)
	metrics := orNoopMetrics(o.Metrics)
	return &Engine{
		id:      streamID,
		dev:     dev,
		stream:  dev.NewStream(streamID),
		arena:   NewArena(dev, streamID, log, metrics),
		workers: workers,
		log:     log,
		metrics: metrics,
	}
}

// StreamID returns the index of the engine's stream.
func (e *Engine) StreamID() int { return e.id }

// Stream returns the engine's stream. Work enqueued on it is ordered with
// the engine's own passes.
func (e *Engine) Stream() *device.Stream { return e.stream }

// Arena returns the engine's scratch arena. It must only be used from work
// ordered on the engine's stream or between engine calls.
func (e *Engine) Arena() *Arena { return e.arena }

// Device returns the device the engine allocates from.
func (e *Engine) Device() *device.Device { return e.dev }

// Workers returns the kernel launch width.
func (e *Engine) Workers() int { return e.workers }

// exec enqueues fn and waits for the stream to drain.
func (e *Engine) exec(fn device.Op) error {
	e.stream.Enqueue(fn)
	return e.stream.Synchronize()
}

// Run enqueues fn on the engine's stream, waits for it and records it as
// operation op. fn may use the arena and must not call back into the
// engine's synchronising operations.
func (e *Engine) Run(op string, fn func() error) (err error) {
	defer e.observe(op, time.Now(), &err)
	return e.exec(fn)
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	e.metrics.Observe(op, *err == nil, time.Since(start))
	if *err != nil {
		e.log.Warn("engine operation failed", "stream", e.id, "op", op, "error", *err)
	}
}

// Free drains the stream and returns all scratch and scan memory to the
// device. The engine stays usable and reallocates lazily.
func (e *Engine) Free() {
	if err := e.exec(func() error {
		e.arena.Free()
		e.freeScans(true)
		return nil
	}); err != nil {
		e.log.Warn("pending stream error discarded on free", "stream", e.id, "error", err)
	}
}

// Purge forgets all scratch and scan memory without returning it, for use
// after the device has been reset.
func (e *Engine) Purge() {
	if err := e.exec(func() error {
		e.arena.Purge()
		e.freeScans(false)
		return nil
	}); err != nil {
		e.log.Warn("pending stream error discarded on purge", "stream", e.id, "error", err)
	}
}

// Close frees the engine's memory and stops its stream.
func (e *Engine) Close() {
	e.Free()
	e.stream.Close()
}
