// Package pending implements the per-key update rendezvous. At most one
// pending update exists per key; it carries the originating source and an
// opaque data string across a request/acknowledge gap and auto-releases
// after a deadline.
package pending

import (
	"sync"
	"time"

	"github.com/micasa-home/micasa/internal/device"
	"github.com/micasa-home/micasa/internal/scheduler"
)

type entry struct {
	source  device.Source
	data    string
	blocked time.Time // TryQueue returns false until at least this moment
	expiry  *scheduler.Task
}

// Table holds the live pending updates.
type Table struct {
	mu    sync.Mutex
	sched *scheduler.Scheduler
	keys  map[string]*entry
}

// NewTable creates a table whose auto-release timers run on the given
// owner handle.
func NewTable(sched *scheduler.Scheduler) *Table {
	return &Table{sched: sched, keys: make(map[string]*entry)}
}

// TryQueue registers a pending update for key and returns true, or returns
// false if one already exists. The entry auto-releases after maxWait;
// minBlock is the minimum time TryQueue keeps refusing a duplicate even if
// the entry is released earlier by hand.
func (t *Table) TryQueue(key string, source device.Source, data string, minBlock, maxWait time.Duration) bool {
	t.mu.Lock()
	if _, ok := t.keys[key]; ok {
		t.mu.Unlock()
		return false
	}
	e := &entry{
		source:  source,
		data:    data,
		blocked: time.Now().Add(minBlock),
	}
	t.keys[key] = e
	t.mu.Unlock()

	e.expiry = t.sched.Schedule(maxWait, 0, 1, key, func(*scheduler.Task) any {
		t.mu.Lock()
		if cur, ok := t.keys[key]; ok && cur == e {
			delete(t.keys, key)
		}
		t.mu.Unlock()
		return nil
	})
	return true
}

// TryRelease consumes the pending update for key if one exists, returning
// its source and data. A release before the minimum block window elapses
// is refused so rapid retries stay deduplicated.
func (t *Table) TryRelease(key string) (device.Source, string, bool) {
	t.mu.Lock()
	e, ok := t.keys[key]
	if !ok || time.Now().Before(e.blocked) {
		t.mu.Unlock()
		return 0, "", false
	}
	delete(t.keys, key)
	t.mu.Unlock()
	return e.source, e.data, true
}

// Has reports whether a pending update currently exists for key.
func (t *Table) Has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.keys[key]
	return ok
}
