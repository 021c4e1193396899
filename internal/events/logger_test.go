package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jokeguard/internal/model"
)

type memSink struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	block chan struct{}
	err   error
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(_ context.Context, line []byte) error {
	if m.block != nil {
		<-m.block
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Write(line)
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) records(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(m.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), "line: %s", sc.Text())
		out = append(out, rec)
	}
	return out
}

type countingObserver struct {
	mu      sync.Mutex
	dropped int
	failed  map[string]int
}

func (c *countingObserver) EventDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *countingObserver) SinkFailed(sink string) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = map[string]int{}
	}
	c.failed[sink]++
	c.mu.Unlock()
}

func sampleEvent() model.SecurityEvent {
	return model.SecurityEvent{
		Timestamp:      time.Date(2026, 3, 4, 5, 6, 7, 891_234_000, time.UTC),
		Severity:       model.SeverityInfo,
		Message:        "Request completed",
		RequestID:      "4a7b0b4e-7f0e-4c5e-9b1e-2d0c1f9b8a11",
		Method:         "GET",
		Path:           "/jokes/random",
		StatusCode:     200,
		ClientIP:       "203.0.113.9",
		UserAgent:      "curl/8.0",
		ResponseTimeMs: 1.23456,
		EventType:      model.EventHTTPRequest,
	}
}

var mandatory = []string{
	"timestamp", "level", "logger", "message", "request_id", "method", "path",
	"status_code", "client_ip", "user_agent", "response_time_ms", "event_type",
}

func TestEmitWritesFixedFieldSet(t *testing.T) {
	sink := &memSink{}
	l := New("jokeguard", 16, []Sink{sink})

	l.Emit(sampleEvent())
	authed := sampleEvent()
	authed.CredentialID = 42
	authed.Severity = model.SeverityCritical
	authed.EventType = model.EventBruteForce
	l.Emit(authed)
	require.NoError(t, l.Close())

	recs := sink.records(t)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		for _, k := range mandatory {
			assert.Contains(t, rec, k)
		}
		assert.NotContains(t, rec, "time")
		assert.NotContains(t, rec, "msg")
	}
	first := recs[0]
	assert.Equal(t, "2026-03-04T05:06:07.891Z", first["timestamp"])
	assert.Equal(t, "INFO", first["level"])
	assert.Equal(t, "jokeguard", first["logger"])
	assert.Equal(t, "Request completed", first["message"])
	assert.Equal(t, float64(200), first["status_code"])
	assert.Equal(t, 1.23, first["response_time_ms"])
	assert.NotContains(t, first, "api_key_id")

	second := recs[1]
	assert.Equal(t, "CRITICAL", second["level"])
	assert.Equal(t, "brute_force_detected", second["event_type"])
	assert.Equal(t, float64(42), second["api_key_id"])
}

func TestEmitLevels(t *testing.T) {
	sink := &memSink{}
	l := New("x", 16, []Sink{sink})
	for _, s := range []model.Severity{model.SeverityInfo, model.SeverityWarning, model.SeverityError, model.SeverityCritical} {
		ev := sampleEvent()
		ev.Severity = s
		l.Emit(ev)
	}
	require.NoError(t, l.Close())
	var levels []string
	for _, rec := range sink.records(t) {
		levels = append(levels, rec["level"].(string))
	}
	assert.Equal(t, []string{"INFO", "WARNING", "ERROR", "CRITICAL"}, levels)
}

func TestEmitPreservesOrderFromOneCaller(t *testing.T) {
	sink := &memSink{}
	l := New("x", 1024, []Sink{sink})
	for i := 0; i < 200; i++ {
		ev := sampleEvent()
		ev.StatusCode = i
		l.Emit(ev)
	}
	require.NoError(t, l.Close())
	recs := sink.records(t)
	require.Len(t, recs, 200)
	for i, rec := range recs {
		assert.Equal(t, float64(i), rec["status_code"])
	}
}

func TestEmitNeverBlocksOnSlowSink(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	obs := &countingObserver{}
	var diag bytes.Buffer
	var diagMu sync.Mutex
	l := New("x", 2, []Sink{sink}, WithObserver(obs), WithFallback(lockedWriter{&diag, &diagMu}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			l.Emit(sampleEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked on a stalled sink")
	}
	close(sink.block)
	require.NoError(t, l.Close())

	obs.mu.Lock()
	assert.Greater(t, obs.dropped, 0)
	obs.mu.Unlock()
	diagMu.Lock()
	assert.Contains(t, diag.String(), "event queue full")
	diagMu.Unlock()
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	failing := &memSink{err: errors.New("disk full")}
	healthy := &memSink{}
	obs := &countingObserver{}
	var diag bytes.Buffer
	var diagMu sync.Mutex
	l := New("x", 16, []Sink{failing, healthy}, WithObserver(obs), WithFallback(lockedWriter{&diag, &diagMu}))
	l.Emit(sampleEvent())
	require.NoError(t, l.Close())

	assert.Len(t, healthy.records(t), 1)
	assert.Equal(t, 1, obs.failed["mem"])
	assert.True(t, strings.Contains(diag.String(), "disk full"))
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	sink := &memSink{}
	obs := &countingObserver{}
	l := New("x", 4, []Sink{sink}, WithObserver(obs), WithFallback(nil))
	require.NoError(t, l.Close())
	l.Emit(sampleEvent())
	require.NoError(t, l.Close())
	assert.Empty(t, sink.records(t))
	assert.Equal(t, 1, obs.dropped)
}

type lockedWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
