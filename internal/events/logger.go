// Package events writes the security event stream: one JSON object per line
// with a fixed field set, handed to sinks by a background goroutine so that a
// slow or failing sink never delays a request.
package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"jokeguard/internal/logging"
	"jokeguard/internal/model"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Observer is told about records that never reached a sink.
type Observer interface {
	EventDropped()
	SinkFailed(sink string)
}

type Emitter interface {
	Emit(ev model.SecurityEvent)
}

type Logger struct {
	name     string
	handler  slog.Handler
	sinks    []Sink
	fallback io.Writer
	observer Observer

	mu     sync.RWMutex
	queue  chan []byte
	closed bool
	done   chan struct{}
}

type Option func(*Logger)

// WithFallback sets the diagnostic channel for sink failures (default stderr).
func WithFallback(w io.Writer) Option {
	return func(l *Logger) { l.fallback = w }
}

func WithObserver(o Observer) Option {
	return func(l *Logger) { l.observer = o }
}

func New(name string, buffer int, sinks []Sink, opts ...Option) *Logger {
	if buffer <= 0 {
		buffer = 4096
	}
	l := &Logger{
		name:     name,
		sinks:    sinks,
		fallback: os.Stderr,
		queue:    make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.handler = slog.NewJSONHandler(queueWriter{l}, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: replaceAttr,
	})
	go l.drain()
	return l
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		return slog.String("timestamp", a.Value.Time().UTC().Format(timestampLayout))
	case slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			return slog.String(slog.LevelKey, logging.LevelName(lvl))
		}
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}

func severityLevel(s model.Severity) slog.Level {
	switch s {
	case model.SeverityWarning:
		return slog.LevelWarn
	case model.SeverityError:
		return slog.LevelError
	case model.SeverityCritical:
		return logging.LevelCritical
	}
	return slog.LevelInfo
}

// Emit serializes ev and queues it. It never blocks on a sink.
func (l *Logger) Emit(ev model.SecurityEvent) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := slog.NewRecord(ts, severityLevel(ev.Severity), ev.Message, 0)
	rec.AddAttrs(
		slog.String("logger", l.name),
		slog.String("request_id", ev.RequestID),
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.Int("status_code", ev.StatusCode),
		slog.String("client_ip", ev.ClientIP),
		slog.String("user_agent", ev.UserAgent),
		slog.Float64("response_time_ms", math.Round(ev.ResponseTimeMs*100)/100),
		slog.String("event_type", string(ev.EventType)),
	)
	if ev.CredentialID > 0 {
		rec.AddAttrs(slog.Int64("api_key_id", ev.CredentialID))
	}
	if err := l.handler.Handle(context.Background(), rec); err != nil {
		l.report(fmt.Errorf("encode event: %w", err))
	}
}

type queueWriter struct{ l *Logger }

var errQueueFull = errors.New("event queue full")

// Write receives exactly one encoded record per call from the JSON handler.
func (q queueWriter) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	q.l.mu.RLock()
	defer q.l.mu.RUnlock()
	if q.l.closed {
		q.l.dropped(errors.New("event logger closed"))
		return len(p), nil
	}
	select {
	case q.l.queue <- line:
	default:
		q.l.dropped(errQueueFull)
	}
	return len(p), nil
}

func (l *Logger) dropped(err error) {
	if l.observer != nil {
		l.observer.EventDropped()
	}
	l.report(err)
}

func (l *Logger) drain() {
	defer close(l.done)
	for line := range l.queue {
		for _, s := range l.sinks {
			if err := s.Write(context.Background(), line); err != nil {
				if l.observer != nil {
					l.observer.SinkFailed(s.Name())
				}
				l.report(fmt.Errorf("%s sink: %w", s.Name(), err))
			}
		}
	}
}

// report writes to the fallback channel; its own failures are ignored.
func (l *Logger) report(err error) {
	if l.fallback == nil {
		return
	}
	_, _ = fmt.Fprintf(l.fallback, "%s event stream degraded: %v\n", time.Now().UTC().Format(timestampLayout), err)
}

// ReportSinkError lets asynchronous sinks surface delivery failures.
func (l *Logger) ReportSinkError(sink string, err error) {
	if l.observer != nil {
		l.observer.SinkFailed(sink)
	}
	l.report(err)
}

// Close stops accepting records, flushes the queue and closes every sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done

	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
