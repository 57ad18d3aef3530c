package device

import (
	"sync"

	"github.com/gomlx/fluxgraph/pkg/core/memory"
	"github.com/gomlx/fluxgraph/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// streamItem is executed with the sticky error of the stream (nil if none).
type streamItem func(failed error) error

// Stream is an in-order asynchronous execution stream: items are executed one at a time, in
// the order they were enqueued, by the stream's own goroutine.
//
// Errors are sticky: after an operation fails, later operations are skipped until the error is
// collected by Synchronize. Recorded events are still triggered, carrying the error.
type Stream struct {
	dev  memory.Device
	name string

	mu       sync.Mutex
	cond     sync.Cond
	items    []streamItem
	closed   bool
	err      error
	inFlight *xsync.DynamicWaitGroup
}

// NewStream creates a stream executing on dev, and starts its goroutine. Call Close to stop it.
func NewStream(dev memory.Device, name string) *Stream {
	s := &Stream{dev: dev, name: name, inFlight: xsync.NewDynamicWaitGroup()}
	s.cond = sync.Cond{L: &s.mu}
	go s.loop()
	return s
}

// Name of the stream, for logging.
func (s *Stream) Name() string { return s.name }

func (s *Stream) loop() {
	for {
		s.mu.Lock()
		for len(s.items) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.items) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.items[0]
		s.items[0] = nil
		s.items = s.items[1:]
		failed := s.err
		s.mu.Unlock()

		err := item(failed)
		if err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
				klog.V(1).Infof("stream %s: %v", s.name, err)
			}
			s.mu.Unlock()
		}
		s.inFlight.Done()
	}
}

// push returns false if the stream is closed, in which case the stream error is set.
func (s *Stream) push(item streamItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err == nil {
			s.err = errors.Errorf("stream %s used after Close", s.name)
		}
		return false
	}
	s.inFlight.Add(1)
	s.items = append(s.items, item)
	s.cond.Signal()
	return true
}

// Enqueue operations to be executed in order.
func (s *Stream) Enqueue(ops ...Op) {
	s.push(func(failed error) error {
		if failed != nil {
			return nil
		}
		return ExecAll(s.dev, ops)
	})
}

// EnqueueFunc enqueues a host function, executed in order with the device operations.
func (s *Stream) EnqueueFunc(fn func() error) {
	s.push(func(failed error) error {
		if failed != nil {
			return nil
		}
		return fn()
	})
}

// WaitEvent makes every item enqueued after it wait for the event. If the event carries an
// error, it becomes the error of the stream.
func (s *Stream) WaitEvent(event *xsync.Latch) {
	s.push(func(error) error {
		return event.Wait()
	})
}

// Record returns an event triggered when every item enqueued so far has executed.
// The event carries the sticky error of the stream, if any.
func (s *Stream) Record() *xsync.Latch {
	event := xsync.NewLatch()
	pushed := s.push(func(failed error) error {
		event.TriggerWithError(failed)
		return nil
	})
	if !pushed {
		event.TriggerWithError(errors.Errorf("stream %s used after Close", s.name))
	}
	return event
}

// Synchronize blocks until every enqueued item executed, and returns (and clears) the sticky error.
func (s *Stream) Synchronize() error {
	s.inFlight.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

// Close stops the stream goroutine once the enqueued items executed.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}
