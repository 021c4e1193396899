// Package keyed holds per-client mutable state behind per-key locks.
package keyed

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	mu       sync.Mutex
	val      V
	lastSeen time.Time
	dead     bool
}

// Table maps a key to a value that is only touched while its own lock is held.
// There is no table-wide lock: lookups go through sync.Map and Sweep locks one
// entry at a time.
type Table[V any] struct {
	m     sync.Map
	newFn func() V
	size  atomic.Int64
}

func NewTable[V any](newFn func() V) *Table[V] {
	return &Table[V]{newFn: newFn}
}

// With runs fn with exclusive access to key's value, creating it on first use.
func (t *Table[V]) With(key string, now time.Time, fn func(v V)) {
	for {
		e := t.load(key)
		e.mu.Lock()
		if e.dead {
			// lost a race with Sweep; the entry is no longer in the map
			e.mu.Unlock()
			continue
		}
		e.lastSeen = now
		fn(e.val)
		e.mu.Unlock()
		return
	}
}

// Peek runs fn on an existing value without touching its idle timer.
func (t *Table[V]) Peek(key string, fn func(v V)) bool {
	v, ok := t.m.Load(key)
	if !ok {
		return false
	}
	e := v.(*entry[V])
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	fn(e.val)
	return true
}

func (t *Table[V]) load(key string) *entry[V] {
	if v, ok := t.m.Load(key); ok {
		return v.(*entry[V])
	}
	fresh := &entry[V]{val: t.newFn()}
	v, loaded := t.m.LoadOrStore(key, fresh)
	if !loaded {
		t.size.Add(1)
	}
	return v.(*entry[V])
}

// Sweep removes entries not seen for at least idle and returns how many went.
func (t *Table[V]) Sweep(now time.Time, idle time.Duration) int {
	removed := 0
	t.m.Range(func(k, v any) bool {
		e := v.(*entry[V])
		e.mu.Lock()
		if !e.dead && now.Sub(e.lastSeen) >= idle {
			e.dead = true
			if t.m.CompareAndDelete(k, e) {
				t.size.Add(-1)
				removed++
			}
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

func (t *Table[V]) Len() int {
	return int(t.size.Load())
}

func (t *Table[V]) Reset() {
	t.m.Range(func(k, v any) bool {
		e := v.(*entry[V])
		e.mu.Lock()
		e.dead = true
		if t.m.CompareAndDelete(k, e) {
			t.size.Add(-1)
		}
		e.mu.Unlock()
		return true
	})
}
