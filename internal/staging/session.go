// Package staging owns the reusable buffers that bridge accelerator and host
// compute: per-(backend class, device) staging sets and per-device output
// buffers, all of a fixed row capacity.
package staging

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/logger"
	"github.com/samcharles93/hetmoe/internal/taskqueue"
)

// DefaultMaxChunk is the row capacity used when none is configured.
const DefaultMaxChunk = 512

// CapacityError reports a chunk larger than the staging capacity.
type CapacityError struct {
	Tokens, Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("chunk of %d tokens exceeds max_chunk_size %d", e.Tokens, e.Capacity)
}

// CheckCapacity returns a *CapacityError when n exceeds capacity.
func CheckCapacity(n, capacity int) error {
	if n > capacity {
		return &CapacityError{Tokens: n, Capacity: capacity}
	}
	return nil
}

// Session is the context every backend operation runs in. It owns the
// staging buffers, output buffers, device streams, residency tracker and
// the host task queue.
//
// Buffers are handed out without locking their contents: at most one chunk
// may be in flight per (class, device) pair.
type Session struct {
	id       string
	maxChunk int
	log      logger.Logger
	queue    *taskqueue.Queue
	tracker  *device.Tracker

	mu      sync.Mutex
	sets    map[setKey]*Buffers
	outputs map[device.ID][]float32
	streams map[device.ID]*device.Stream
}

type setKey struct {
	class string
	dev   device.ID
}

// Options configures a Session.
type Options struct {
	MaxChunk int
	Logger   logger.Logger
	Queue    *taskqueue.Queue
	Tracker  *device.Tracker
}

// New creates a session. A queue and tracker are created when not supplied.
func New(opts Options) *Session {
	log := logger.OrDefault(opts.Logger)
	s := &Session{
		id:       uuid.NewString(),
		maxChunk: opts.MaxChunk,
		queue:    opts.Queue,
		tracker:  opts.Tracker,
		sets:     make(map[setKey]*Buffers),
		outputs:  make(map[device.ID][]float32),
		streams:  make(map[device.ID]*device.Stream),
	}
	if s.maxChunk <= 0 {
		s.maxChunk = DefaultMaxChunk
	}
	s.log = log.With("session", s.id)
	if s.queue == nil {
		s.queue = taskqueue.New(log)
	}
	if s.tracker == nil {
		s.tracker = device.NewTracker()
	}
	return s
}

func (s *Session) ID() string               { return s.id }
func (s *Session) MaxChunk() int            { return s.maxChunk }
func (s *Session) Logger() logger.Logger    { return s.log }
func (s *Session) Queue() *taskqueue.Queue  { return s.queue }
func (s *Session) Tracker() *device.Tracker { return s.tracker }

// Buffers returns the staging set for class on dev, creating it on first
// use. Every later request for the pair must agree on hidden and topK.
func (s *Session) Buffers(class string, dev device.ID, hidden, topK int) (*Buffers, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := setKey{class: class, dev: dev}
	if b, ok := s.sets[k]; ok {
		if b.Hidden != hidden || b.TopK != topK {
			return nil, fmt.Errorf("staging: %s on %s was created for hidden=%d topk=%d, requested hidden=%d topk=%d",
				class, dev, b.Hidden, b.TopK, hidden, topK)
		}
		return b, nil
	}
	b := newBuffers(class, dev, s.maxChunk, hidden, topK)
	s.sets[k] = b
	s.log.Debug("staging buffers created", "class", class, "device", dev, "rows", s.maxChunk, "hidden", hidden, "topk", topK)
	return b, nil
}

// Output returns the shared output buffer for dev. It holds MaxChunk rows of
// hidden values and is reused by every forward that targets dev.
func (s *Session) Output(dev device.ID, hidden int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.outputs[dev]
	if !ok {
		buf = make([]float32, s.maxChunk*hidden)
		s.outputs[dev] = buf
		return buf, nil
	}
	if len(buf) != s.maxChunk*hidden {
		return nil, fmt.Errorf("staging: output buffer on %s has width %d, requested %d", dev, len(buf)/s.maxChunk, hidden)
	}
	return buf, nil
}

// Stream returns the session's stream for dev.
func (s *Session) Stream(dev device.ID) *device.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[dev]
	if !ok {
		st = device.NewStream(dev)
		s.streams[dev] = st
	}
	return st
}

// StagingBytes is the host memory held by staging and output buffers.
func (s *Session) StagingBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, b := range s.sets {
		n += b.bytes()
	}
	for _, o := range s.outputs {
		n += int64(len(o)) * 4
	}
	return n
}

// Close drains and stops the streams and the queue.
func (s *Session) Close() error {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[device.ID]*device.Stream)
	s.mu.Unlock()
	var first error
	for _, st := range streams {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := s.queue.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
