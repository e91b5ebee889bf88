package device

import (
	"maps"
	"sync"
	"sync/atomic"
)

// Tracker accounts bytes held per device. Backends register every buffer
// they keep resident and free it on unload, so residency can be asserted
// without a real allocator.
type Tracker struct {
	mu       sync.Mutex
	resident map[ID]int64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{resident: make(map[ID]int64)}
}

// Allocation is one accounted buffer. Free is idempotent.
type Allocation struct {
	t     *Tracker
	dev   ID
	bytes int64
	freed atomic.Bool
}

// Alloc records bytes as resident on dev.
func (t *Tracker) Alloc(dev ID, bytes int64) *Allocation {
	t.mu.Lock()
	t.resident[dev.normalized()] += bytes
	t.mu.Unlock()
	return &Allocation{t: t, dev: dev.normalized(), bytes: bytes}
}

// Free releases the allocation.
func (a *Allocation) Free() {
	if a == nil || !a.freed.CompareAndSwap(false, true) {
		return
	}
	a.t.mu.Lock()
	a.t.resident[a.dev] -= a.bytes
	if a.t.resident[a.dev] == 0 {
		delete(a.t.resident, a.dev)
	}
	a.t.mu.Unlock()
}

// Bytes is the accounted size.
func (a *Allocation) Bytes() int64 {
	if a == nil || a.freed.Load() {
		return 0
	}
	return a.bytes
}

// Device is where the allocation lives.
func (a *Allocation) Device() ID { return a.dev }

// Resident returns the bytes currently held on dev.
func (t *Tracker) Resident(dev ID) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resident[dev.normalized()]
}

// Snapshot returns a copy of the per-device totals.
func (t *Tracker) Snapshot() map[ID]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.resident)
}

func (id ID) normalized() ID {
	if id == "" {
		return Host
	}
	return id
}
