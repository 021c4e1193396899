package engine

import "time"

// FailureWindow is an ordered log of failure timestamps. Entries older than
// the cutoff passed to Evict are dropped lazily; maxEntries bounds memory
// during a sustained flood.
type FailureWindow struct {
	events     []time.Time
	head       int
	maxEntries int
}

func NewFailureWindow(maxEntries int) *FailureWindow {
	return &FailureWindow{
		events:     make([]time.Time, 0, 16),
		maxEntries: maxEntries,
	}
}

func (w *FailureWindow) Add(ts time.Time) {
	w.events = append(w.events, ts)
	if w.maxEntries > 0 && w.Count() > w.maxEntries {
		w.head++
	}
	w.compact()
}

func (w *FailureWindow) Evict(cutoff time.Time) {
	for w.head < len(w.events) {
		if !w.events[w.head].Before(cutoff) {
			break
		}
		w.head++
	}
	w.compact()
}

func (w *FailureWindow) Count() int {
	return len(w.events) - w.head
}

func (w *FailureWindow) Reset() {
	w.events = w.events[:0]
	w.head = 0
}

func (w *FailureWindow) compact() {
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append(w.events[:0], w.events[w.head:]...)
		w.head = 0
	}
}
