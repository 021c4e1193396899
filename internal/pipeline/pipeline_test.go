package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jokeguard/internal/alerts"
	"jokeguard/internal/auth"
	"jokeguard/internal/config"
	"jokeguard/internal/model"
	"jokeguard/internal/ratelimit"
)

type captureEmitter struct {
	mu  sync.Mutex
	evs []model.SecurityEvent
}

func (c *captureEmitter) Emit(ev model.SecurityEvent) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *captureEmitter) all() []model.SecurityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.SecurityEvent(nil), c.evs...)
}

func (c *captureEmitter) byType(t model.EventType) []model.SecurityEvent {
	var out []model.SecurityEvent
	for _, ev := range c.all() {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type keyMap map[string]*model.CredentialRecord

func (k keyMap) LookupByDigest(_ context.Context, digest string) (*model.CredentialRecord, error) {
	return k[digest], nil
}

const (
	goodKey     = "cnj_good"
	disabledKey = "cnj_disabled"
	adminSecret = "s3cret-admin"
)

type harness struct {
	p      *Pipeline
	events *captureEmitter
	clock  *fakeClock
	alerts *alerts.Store
	secret *auth.AdminSecret
	mux    *http.ServeMux
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	state, err := NewAbuseState(cfg, clk.Now)
	require.NoError(t, err)
	keys := keyMap{
		auth.Digest(goodKey):     {ID: 7, Name: "ci", Active: true},
		auth.Digest(disabledKey): {ID: 8, Name: "old", Active: false},
	}
	secret := auth.NewAdminSecret(cfg.Auth.AdminSecret)
	em := &captureEmitter{}
	store := alerts.NewStore(100)
	ips, _ := NewClientIPExtractor(cfg.Server.TrustedProxies)
	p := New(state, auth.NewGate(keys, secret), em,
		WithClock(clk.Now),
		WithAdminSecret(secret),
		WithAlerts(store),
		WithClientIPExtractor(ips),
	)
	h := &harness{p: p, events: em, clock: clk, alerts: store, secret: secret, mux: http.NewServeMux()}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	})
	h.mux.Handle("GET /read", p.Guard(ratelimit.TierRead, auth.KindNone)(ok))
	h.mux.Handle("POST /write", p.Guard(ratelimit.TierWrite, auth.KindAPIKey)(ok))
	h.mux.Handle("GET /keyed", p.Guard(ratelimit.TierRead, auth.KindAPIKey)(ok))
	h.mux.Handle("POST /admin", p.Guard(ratelimit.TierKeyIssue, auth.KindAdminSecret)(ok))
	h.mux.Handle("GET /panic", p.Guard(ratelimit.TierRead, auth.KindNone)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	h.mux.Handle("POST /created", p.Guard(ratelimit.TierRead, auth.KindAPIKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.EmitDomain(r, model.EventJokeCreated, http.StatusCreated, "New joke created")
		WriteJSON(w, http.StatusCreated, map[string]int{"id": 1})
	})))
	return h
}

func (h *harness) do(method, path, ip, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":40000"
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func TestRequestIDHeaderMatchesRecord(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/read", "203.0.113.1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get(HeaderRequestID)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())

	evs := h.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, id, evs[0].RequestID)
	assert.Equal(t, model.EventHTTPRequest, evs[0].EventType)
	assert.Equal(t, model.SeverityInfo, evs[0].Severity)
	assert.Equal(t, "203.0.113.1", evs[0].ClientIP)
	assert.Equal(t, "/read", evs[0].Path)
	assert.Zero(t, evs[0].CredentialID)
}

func TestWriteTierDeniesEleventh(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		rec := h.do(http.MethodPost, "/write", "198.51.100.7", goodKey)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec := h.do(http.MethodPost, "/write", "198.51.100.7", goodKey)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get(HeaderRetryAfter))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "Rate limit exceeded")

	evs := h.events.all()
	last := evs[len(evs)-1]
	assert.Equal(t, model.EventHTTPRequest, last.EventType)
	assert.Equal(t, model.SeverityWarning, last.Severity)
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Zero(t, last.CredentialID)
	assert.Zero(t, h.p.State().Detector().Failures("198.51.100.7", h.clock.Now()))

	h.clock.Advance(30 * time.Second)
	rec = h.do(http.MethodPost, "/write", "198.51.100.7", goodKey)
	assert.Equal(t, "30", rec.Header().Get(HeaderRetryAfter))

	h.clock.Advance(30 * time.Second)
	rec = h.do(http.MethodPost, "/write", "198.51.100.7", goodKey)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthOutcomesMapToStatus(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/keyed", "192.0.2.1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(http.MethodGet, "/keyed", "192.0.2.1", "cnj_wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodGet, "/keyed", "192.0.2.1", disabledKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(http.MethodGet, "/keyed", "192.0.2.1", goodKey)
	assert.Equal(t, http.StatusOK, rec.Code)

	evs := h.events.all()
	require.Len(t, evs, 4)
	for _, ev := range evs[:3] {
		assert.Equal(t, model.EventAuthFailure, ev.EventType)
		assert.Equal(t, model.SeverityWarning, ev.Severity)
		assert.Zero(t, ev.CredentialID)
	}
	assert.Equal(t, model.EventHTTPRequest, evs[3].EventType)
	assert.Equal(t, int64(7), evs[3].CredentialID)
	assert.Equal(t, 3, h.p.State().Detector().Failures("192.0.2.1", h.clock.Now()))
}

func TestValidKeyLeavesDetectorUntouched(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 30; i++ {
		h.do(http.MethodGet, "/keyed", "192.0.2.50", goodKey)
	}
	assert.Zero(t, h.p.State().Detector().Failures("192.0.2.50", h.clock.Now()))
	assert.Zero(t, h.p.State().Detector().GlobalFailures(h.clock.Now()))
	assert.Zero(t, h.p.State().Detector().TrackedClients())
}

func TestBruteForceFollowsPrimaryRecord(t *testing.T) {
	h := newHarness(t, nil)
	var eleventh *httptest.ResponseRecorder
	for i := 0; i < 15; i++ {
		rec := h.do(http.MethodGet, "/keyed", "198.51.100.66", "cnj_guess"+strconv.Itoa(i))
		require.Equal(t, http.StatusForbidden, rec.Code)
		if i == 10 {
			eleventh = rec
		}
		h.clock.Advance(time.Second)
	}

	bf := h.events.byType(model.EventBruteForce)
	require.Len(t, bf, 1)
	assert.Equal(t, model.SeverityCritical, bf[0].Severity)
	assert.Equal(t, eleventh.Header().Get(HeaderRequestID), bf[0].RequestID)
	assert.Equal(t, "198.51.100.66", bf[0].ClientIP)

	evs := h.events.all()
	for i, ev := range evs {
		if ev.EventType == model.EventBruteForce {
			require.Positive(t, i)
			assert.Equal(t, model.EventAuthFailure, evs[i-1].EventType)
			assert.Equal(t, ev.RequestID, evs[i-1].RequestID)
		}
	}
	assert.Equal(t, 1, h.alerts.Len())
}

func TestSprayFiresOnceAcrossDistinctClients(t *testing.T) {
	h := newHarness(t, nil)
	for i := 1; i <= 25; i++ {
		ip := "10.0.0." + strconv.Itoa(i)
		key := ""
		if i%2 == 0 {
			key = "cnj_nope"
		}
		h.do(http.MethodGet, "/keyed", ip, key)
	}
	spray := h.events.byType(model.EventSprayAttack)
	require.Len(t, spray, 1)
	assert.Equal(t, "10.0.0.21", spray[0].ClientIP)
	assert.Empty(t, h.events.byType(model.EventBruteForce))
}

func TestAdminSecret(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/admin", "192.0.2.9", "anything")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, h.p.State().Detector().GlobalFailures(h.clock.Now()))
	assert.Equal(t, model.EventServerError, h.events.all()[0].EventType)

	cfg := config.DefaultConfig()
	cfg.Auth.AdminSecret = adminSecret
	h.p.UpdateConfig(cfg)

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/admin", "192.0.2.9", "").Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/admin", "192.0.2.9", "s3cret-admiN").Code)
	rec = h.do(http.MethodPost, "/admin", "192.0.2.9", adminSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	evs := h.events.all()
	assert.Zero(t, evs[len(evs)-1].CredentialID)
}

func TestPanicBecomesServerError(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/panic", "192.0.2.3", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Internal server error."}`, rec.Body.String())
	evs := h.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventServerError, evs[0].EventType)
	assert.Equal(t, model.SeverityError, evs[0].Severity)
}

func TestDomainEventCarriesRequestFields(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/created", "192.0.2.4", goodKey)
	require.Equal(t, http.StatusCreated, rec.Code)
	evs := h.events.all()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventJokeCreated, evs[0].EventType)
	assert.Equal(t, int64(7), evs[0].CredentialID)
	assert.Equal(t, evs[1].RequestID, evs[0].RequestID)
	assert.Equal(t, http.StatusCreated, evs[1].StatusCode)
}

func TestTrustedProxyHeader(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Server.TrustedProxies = []string{"10.1.0.0/16"}
	})
	req := httptest.NewRequest(http.MethodGet, "/read", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.200, 10.1.9.9")
	h.mux.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.200", h.events.all()[0].ClientIP)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		typ    model.EventType
		sev    model.Severity
	}{
		{200, model.EventHTTPRequest, model.SeverityInfo},
		{301, model.EventHTTPRequest, model.SeverityInfo},
		{401, model.EventAuthFailure, model.SeverityWarning},
		{403, model.EventAuthFailure, model.SeverityWarning},
		{404, model.EventHTTPRequest, model.SeverityWarning},
		{429, model.EventHTTPRequest, model.SeverityWarning},
		{500, model.EventServerError, model.SeverityError},
		{503, model.EventServerError, model.SeverityError},
	}
	for _, tc := range cases {
		typ, sev, _ := Classify(tc.status)
		assert.Equal(t, tc.typ, typ, "status %d", tc.status)
		assert.Equal(t, tc.sev, sev, "status %d", tc.status)
	}
}
