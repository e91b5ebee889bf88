// Package taskqueue runs host compute tasks off the caller's goroutine and
// orders them against accelerator streams.
package taskqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/logger"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("taskqueue: closed")

// Task is one unit of host computation, normally a kernel call bound to
// fixed buffer handles.
type Task interface {
	Run() error
}

// Func adapts a function to Task.
type Func func() error

func (f Func) Run() error { return f() }

// Stats are cumulative counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Pending   int   `json:"pending"`
}

// lane tracks the outstanding tasks of one waiter: the host, or one stream.
type lane struct {
	name        string
	outstanding int
	err         error
}

type item struct {
	id   string
	task Task
	lane *lane
}

// Queue executes tasks one at a time, in submission order, on a dedicated
// goroutine. Tasks parallelize internally.
type Queue struct {
	log logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []item
	host    *lane
	streams map[*device.Stream]*lane
	closed  bool
	stats   Stats
	done    chan struct{}
}

// New starts a queue.
func New(log logger.Logger) *Queue {
	q := &Queue{
		log:     logger.OrDefault(log).With("component", "taskqueue"),
		host:    &lane{name: "host"},
		streams: make(map[*device.Stream]*lane),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			return
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		q.mu.Unlock()

		err := run(it.task)
		if err != nil {
			q.log.Debug("task failed", "id", it.id, "lane", it.lane.name, "error", err)
		}

		q.mu.Lock()
		it.lane.outstanding--
		q.stats.Completed++
		if err != nil {
			q.stats.Failed++
			if it.lane.err == nil {
				it.lane.err = err
			}
		}
		q.cond.Broadcast()
	}
}

func run(t Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("taskqueue: task panicked: %v", rec)
		}
	}()
	return t.Run()
}

func (q *Queue) enqueue(t Task, l *lane) (string, error) {
	id := uuid.NewString()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	l.outstanding++
	q.stats.Submitted++
	q.items = append(q.items, item{id: id, task: t, lane: l})
	q.cond.Broadcast()
	return id, nil
}

func (q *Queue) wait(l *lane) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for l.outstanding > 0 {
		q.cond.Wait()
	}
	err := l.err
	l.err = nil
	return err
}

// Submit queues t and returns its id without waiting.
func (q *Queue) Submit(t Task) (string, error) {
	id, err := q.enqueue(t, q.host)
	if err == nil {
		q.log.Debug("task submitted", "id", id)
	}
	return id, err
}

// Sync blocks until every task queued by Submit has finished and returns
// the first failure since the previous Sync.
func (q *Queue) Sync() error {
	return q.wait(q.host)
}

func (q *Queue) streamLane(s *device.Stream) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.streams[s]
	if !ok {
		l = &lane{name: "stream:" + s.Device().String()}
		q.streams[s] = l
	}
	return l
}

// SubmitWithStream queues t at the current position of stream s: the task
// is handed to the queue only after every operation previously issued on s
// has run, so it never observes staging buffers before their copies land.
// The caller does not block.
func (q *Queue) SubmitWithStream(s *device.Stream, t Task) error {
	l := q.streamLane(s)
	return s.Launch(func() error {
		_, err := q.enqueue(t, l)
		return err
	})
}

// SyncWithStream makes operations issued on s after this call wait for every
// task submitted through s. A task failure becomes a stream failure,
// reported by s.Synchronize. The caller does not block.
func (q *Queue) SyncWithStream(s *device.Stream) error {
	l := q.streamLane(s)
	return s.Launch(func() error {
		return q.wait(l)
	})
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.stats
	st.Pending = len(q.items)
	return st
}

// Close waits for queued tasks to finish and stops the worker.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
	return nil
}
