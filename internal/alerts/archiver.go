package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"jokeguard/internal/model"
)

// Saver persists a single detection event.
type Saver interface {
	SaveAlert(ctx context.Context, ev model.SecurityEvent) error
}

// Archiver hands detection events to a Saver on a background goroutine.
// Events are dropped when the buffer is full.
type Archiver struct {
	saver   Saver
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	ch      chan model.SecurityEvent
	closed  bool
	done    chan struct{}
	dropped func()
}

func NewArchiver(saver Saver, buffer int, logger *slog.Logger) *Archiver {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		saver:   saver,
		logger:  logger,
		timeout: 5 * time.Second,
		ch:      make(chan model.SecurityEvent, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// OnDrop registers a callback invoked for every event that could not be queued.
func (a *Archiver) OnDrop(fn func()) {
	a.dropped = fn
}

func (a *Archiver) Archive(ev model.SecurityEvent) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.ch <- ev:
		return true
	default:
		if a.dropped != nil {
			a.dropped()
		}
		a.logger.Warn("alert archive queue full", "event_type", ev.EventType, "client_ip", ev.ClientIP)
		return false
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for ev := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.saver.SaveAlert(ctx, ev); err != nil {
			a.logger.Error("alert archive failed", "error", err, "event_type", ev.EventType)
		}
		cancel()
	}
}

// Close flushes queued events and stops the worker.
func (a *Archiver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
