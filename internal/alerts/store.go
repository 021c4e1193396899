// Package alerts keeps the most recent detection events in memory for the
// admin API and optionally archives them to the database.
package alerts

import (
	"sync"
	"time"

	"jokeguard/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.SecurityEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

// List returns up to limit of the newest events, oldest first.
func (s *Store) List(limit int) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.SecurityEvent, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.SecurityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SecurityEvent, 0)
	for _, ev := range s.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
