package taskqueue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/hetmoe/internal/device"
	"github.com/samcharles93/hetmoe/internal/logger"
)

func newQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(logger.Discard())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestSubmitRunsInOrder(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	var order []int
	for i := range 20 {
		if _, err := q.Submit(Func(func() error {
			order = append(order, i)
			return nil
		})); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := q.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d completed at position %d", v, i)
		}
	}
	if st := q.Stats(); st.Submitted != 20 || st.Completed != 20 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSubmitDoesNotBlock(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	release := make(chan struct{})
	start := time.Now()
	_, _ = q.Submit(Func(func() error { <-release; return nil }))
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("Submit blocked on task execution")
	}
	close(release)
	if err := q.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestSyncReturnsFirstFailure(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	first := errors.New("first")
	var ran atomic.Int32
	_, _ = q.Submit(Func(func() error { ran.Add(1); return first }))
	_, _ = q.Submit(Func(func() error { ran.Add(1); return errors.New("second") }))
	_, _ = q.Submit(Func(func() error { panic("third") }))
	if err := q.Sync(); !errors.Is(err, first) {
		t.Fatalf("expected first failure, got %v", err)
	}
	if ran.Load() != 2 {
		t.Fatalf("every submitted task must run, ran %d", ran.Load())
	}
	if err := q.Sync(); err != nil {
		t.Fatalf("error should be cleared, got %v", err)
	}
	if st := q.Stats(); st.Failed != 3 {
		t.Fatalf("failed = %d, want 3", st.Failed)
	}
}

func TestStreamOrdering(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	s := device.NewStream(device.Accelerator(0))
	defer s.Close()

	staging := make([]float32, 4)
	out := make([]float32, 4)
	result := make([]float32, 4)

	gate := device.NewEvent()
	_ = s.WaitEvent(gate)
	_ = s.Launch(func() error { copy(staging, []float32{1, 2, 3, 4}); return nil })
	if err := q.SubmitWithStream(s, Func(func() error {
		for i, v := range staging {
			out[i] = v * 10
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})); err != nil {
		t.Fatalf("submit with stream: %v", err)
	}
	if err := q.SyncWithStream(s); err != nil {
		t.Fatalf("sync with stream: %v", err)
	}
	_ = s.Launch(func() error { copy(result, out); return nil })

	// Nothing may run before the stream reaches the copy.
	if st := q.Stats(); st.Submitted != 0 {
		t.Fatalf("task reached the queue before its stream position: %+v", st)
	}
	gate.Complete()
	if err := s.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	for i, v := range result {
		if v != float32(i+1)*10 {
			t.Fatalf("result = %v", result)
		}
	}
}

func TestStreamTaskFailureSurfacesOnStream(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	s := device.NewStream(device.Accelerator(0))
	defer s.Close()

	boom := errors.New("kernel failed")
	_ = q.SubmitWithStream(s, Func(func() error { return boom }))
	_ = q.SyncWithStream(s)
	if err := s.Synchronize(); !errors.Is(err, boom) {
		t.Fatalf("expected kernel failure on stream, got %v", err)
	}
	if err := q.Sync(); err != nil {
		t.Fatalf("host lane should be clean, got %v", err)
	}
}

func TestGraphReplayRerunsTask(t *testing.T) {
	t.Parallel()

	q := newQueue(t)
	s := device.NewStream(device.Accelerator(0))
	defer s.Close()

	var runs atomic.Int32
	if err := s.BeginCapture(); err != nil {
		t.Fatalf("begin capture: %v", err)
	}
	_ = q.SubmitWithStream(s, Func(func() error { runs.Add(1); return nil }))
	_ = q.SyncWithStream(s)
	g, err := s.EndCapture()
	if err != nil {
		t.Fatalf("end capture: %v", err)
	}
	for range 4 {
		_ = g.Replay(s)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	if runs.Load() != 4 {
		t.Fatalf("runs = %d, want 4", runs.Load())
	}
}

func TestClosedQueueRejects(t *testing.T) {
	t.Parallel()

	q := New(logger.Discard())
	_ = q.Close()
	if _, err := q.Submit(Func(func() error { return nil })); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
