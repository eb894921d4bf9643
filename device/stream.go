package device

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStreamClosed is reported for work enqueued after Close.
var ErrStreamClosed = errors.New("device: stream closed")

// Op is one unit of stream work.
type Op func() error

// Stream executes enqueued work in order on a dedicated goroutine.
// Enqueue and Synchronize are meant to be driven by one owner at a time.
type Stream struct {
	id  int
	dev *Device

	work    chan Op
	pending sync.WaitGroup
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewStream starts a stream bound to d.
func (d *Device) NewStream(id int) *Stream {
	s := &Stream{
		id:   id,
		dev:  d,
		work: make(chan Op, 64),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

// ID returns the stream index.
func (s *Stream) ID() int { return s.id }

// Device returns the device the stream runs on.
func (s *Stream) Device() *Device { return s.dev }

// Workers returns the kernel launch width for work on this stream.
func (s *Stream) Workers() int { return s.dev.workers }

func (s *Stream) loop() {
	defer close(s.done)
	for op := range s.work {
		if s.sticky() == nil {
			if err := s.run(op); err != nil {
				s.fail(err)
			}
		}
		s.pending.Done()
	}
}

func (s *Stream) run(op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream %d: kernel fault: %v", s.id, r)
		}
	}()
	return op()
}

// Enqueue schedules op after all previously enqueued work. Once the stream
// holds an error, later work is skipped until Synchronize clears it.
func (s *Stream) Enqueue(op Op) {
	s.mu.Lock()
	if s.closed {
		if s.err == nil {
			s.err = ErrStreamClosed
		}
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()
	s.work <- op
}

// Synchronize blocks until all enqueued work has finished and returns, then
// clears, the first error raised since the previous Synchronize.
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close drains the stream and stops its goroutine.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()
	close(s.work)
	<-s.done
}

func (s *Stream) sticky() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
