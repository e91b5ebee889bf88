package device

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStreamClosed is returned when work is issued to a closed stream.
	ErrStreamClosed = errors.New("device: stream closed")
	// ErrCapturing is returned for operations that are invalid while a
	// stream is recording a graph.
	ErrCapturing = errors.New("device: stream is capturing")
	// ErrNotCapturing is returned by EndCapture without BeginCapture.
	ErrNotCapturing = errors.New("device: stream is not capturing")
)

// Op is one unit of stream-ordered work.
type Op func() error

// Stream executes operations strictly in issue order on its own goroutine.
// Issuing never blocks the caller; Synchronize is the only host wait.
//
// Once an operation fails the stream skips the remaining queued work until
// the error is collected by Synchronize.
type Stream struct {
	dev ID

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Op
	running bool
	err     error
	closed  bool
	capture *Graph
}

// NewStream starts a stream bound to dev.
func NewStream(dev ID) *Stream {
	s := &Stream{dev: dev}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Device is the device the stream belongs to.
func (s *Stream) Device() ID { return s.dev }

func (s *Stream) loop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			return
		}
		op := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		skip := s.err != nil
		s.running = true
		s.mu.Unlock()

		var err error
		if !skip {
			err = runOp(op)
		}

		s.mu.Lock()
		s.running = false
		if err != nil && s.err == nil {
			s.err = err
		}
		s.cond.Broadcast()
	}
}

func runOp(op Op) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("device: stream op panicked: %v", rec)
		}
	}()
	return op()
}

// Launch issues op. While capturing, op is recorded into the graph instead.
func (s *Stream) Launch(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.capture != nil {
		s.capture.ops = append(s.capture.ops, op)
		return nil
	}
	s.queue = append(s.queue, op)
	s.cond.Broadcast()
	return nil
}

// Record issues an event that completes once every operation issued before
// it has run. An event recorded during capture completes the first time the
// graph is replayed.
func (s *Stream) Record() (*Event, error) {
	ev := NewEvent()
	if err := s.Launch(func() error { ev.Complete(); return nil }); err != nil {
		return nil, err
	}
	return ev, nil
}

// WaitEvent makes later operations on s wait for ev without blocking the
// caller.
func (s *Stream) WaitEvent(ev *Event) error {
	return s.Launch(func() error {
		<-ev.Done()
		return nil
	})
}

// Synchronize blocks until all issued work has run and returns, then clears,
// the first failure.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return ErrCapturing
	}
	for len(s.queue) > 0 || s.running {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// Close drains the stream and stops its goroutine.
func (s *Stream) Close() error {
	err := s.Synchronize()
	if errors.Is(err, ErrCapturing) {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return err
}

// BeginCapture starts recording launched operations into a graph.
func (s *Stream) BeginCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return ErrCapturing
	}
	s.capture = &Graph{dev: s.dev}
	return nil
}

// EndCapture stops recording and returns the captured graph.
func (s *Stream) EndCapture() (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return nil, ErrNotCapturing
	}
	g := s.capture
	s.capture = nil
	return g, nil
}

// Graph is a recorded sequence of stream operations. Replaying it reissues
// the same operations, bound to the same buffers, in the same order.
type Graph struct {
	dev ID
	ops []Op
}

// Len is the number of captured operations.
func (g *Graph) Len() int { return len(g.ops) }

// Replay issues every captured operation onto s.
func (g *Graph) Replay(s *Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.capture != nil {
		return ErrCapturing
	}
	s.queue = append(s.queue, g.ops...)
	s.cond.Broadcast()
	return nil
}

// Event is a one-shot completion signal ordered with stream work.
type Event struct {
	once sync.Once
	done chan struct{}
}

// NewEvent returns a pending event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Complete marks the event done. Extra calls are ignored.
func (e *Event) Complete() {
	e.once.Do(func() { close(e.done) })
}

// Done is closed when the event completes.
func (e *Event) Done() <-chan struct{} { return e.done }

// Wait blocks the host until the event completes.
func (e *Event) Wait() { <-e.done }

// Completed reports whether the event has fired.
func (e *Event) Completed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
