package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sbl8/ensemble/core"
	"github.com/sbl8/ensemble/device"
	"github.com/sbl8/ensemble/logging"
)

var (
	// ErrStreamOutOfRange is returned for stream indices beyond MaxStreams.
	ErrStreamOutOfRange = errors.New("stream index out of range")
	// ErrStreamInUse is returned when another session already holds the
	// requested stream.
	ErrStreamInUse = errors.New("stream bound to another session")
	// ErrSessionClosed is returned by a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Registry is the stream-indexed engine pool shared by the simulation
// instances of one process. It creates at most one engine per stream index
// and frees every engine's device memory when the last session detaches.
type Registry struct {
	mu       sync.Mutex
	dev      *device.Device
	opts     Options
	log      logging.Logger
	metrics  MetricsRecorder
	engines  []*Engine
	owners   []uuid.UUID
	sessions map[uuid.UUID]*Session
	layouts  *lru.Cache[uint64, core.PackingLayout]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithOptions replaces the registry's Options.
func WithOptions(o Options) RegistryOption {
	return func(r *Registry) { r.opts = o }
}

// WithLogger sets the logger used by the registry and its engines.
func WithLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) { r.log = logging.OrNoOp(l) }
}

// WithMetrics sets the recorder used by the registry and its engines.
func WithMetrics(m MetricsRecorder) RegistryOption {
	return func(r *Registry) { r.metrics = orNoopMetrics(m) }
}

// NewRegistry creates an empty registry over dev.
func NewRegistry(dev *device.Device, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		dev:      dev,
		opts:     DefaultOptions(),
		log:      logging.NewNoOpLogger(),
		metrics:  noopMetrics{},
		sessions: make(map[uuid.UUID]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.opts.Validate(); err != nil {
		return nil, fmt.Errorf("registry options: %w", err)
	}
	cache, err := lru.New[uint64, core.PackingLayout](r.opts.LayoutCacheSize)
	if err != nil {
		return nil, fmt.Errorf("layout cache: %w", err)
	}
	r.layouts = cache
	r.engines = make([]*Engine, r.opts.MaxStreams)
	r.owners = make([]uuid.UUID, r.opts.MaxStreams)
	return r, nil
}

// Session is one simulation instance's reference to the registry.
type Session struct {
	id     uuid.UUID
	reg    *Registry
	closed bool
	bound  []int
}

// Attach registers a new simulation instance.
func (r *Registry) Attach() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{id: uuid.New(), reg: r}
	r.sessions[s.id] = s
	r.metrics.ActiveSessions(len(r.sessions))
	r.log.Debug("session attached", "session", s.id.String(), "active", len(r.sessions))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Engine returns the engine of stream streamID, creating it on first use,
// and binds the stream to this session until Close.
func (s *Session) Engine(streamID int) (*Engine, error) {
	r := s.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if streamID < 0 || streamID >= len(r.engines) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrStreamOutOfRange, streamID, len(r.engines))
	}
	if owner := r.owners[streamID]; owner != uuid.Nil && owner != s.id {
		return nil, fmt.Errorf("%w: stream %d held by %s", ErrStreamInUse, streamID, owner)
	}
	e := r.engines[streamID]
	if e == nil {
		e = NewEngine(r.dev, streamID, &EngineOptions{
			Workers: r.opts.Workers,
			Logger:  r.log,
			Metrics: r.metrics,
		})
		r.engines[streamID] = e
		r.log.Debug("engine created", "stream", streamID)
	}
	if r.owners[streamID] == uuid.Nil {
		r.owners[streamID] = s.id
		s.bound = append(s.bound, streamID)
	}
	return e, nil
}

// Close detaches the session. When it was the last attached session every
// engine of the registry is closed and its device memory released, whether
// or not this session used it. Close is idempotent.
func (s *Session) Close() {
	r := s.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, id := range s.bound {
		r.owners[id] = uuid.Nil
	}
	s.bound = nil
	delete(r.sessions, s.id)
	r.metrics.ActiveSessions(len(r.sessions))
	if len(r.sessions) > 0 {
		return
	}
	freed := 0
	for i, e := range r.engines {
		if e != nil {
			e.Close()
			r.engines[i] = nil
			freed++
		}
	}
	r.log.Info("registry released", "engines", freed)
}

// Active returns the number of attached sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Engines returns the number of live engines.
func (r *Registry) Engines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.engines {
		if e != nil {
			n++
		}
	}
	return n
}

// MaxStreams returns the number of stream indices the registry serves.
func (r *Registry) MaxStreams() int { return len(r.engines) }

// Purge drops the scratch memory of every engine without returning it, for
// use after the device has been reset.
func (r *Registry) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.engines {
		if e != nil {
			e.Purge()
		}
	}
	r.log.Info("registry purged")
}

// Layout returns the packed array-of-structures layout of schema, caching
// it by schema fingerprint.
func (r *Registry) Layout(schema *core.Schema) core.PackingLayout {
	if l, ok := r.layouts.Get(schema.Fingerprint()); ok {
		return l
	}
	l := core.PackedLayout(schema)
	r.layouts.Add(schema.Fingerprint(), l)
	return l
}
