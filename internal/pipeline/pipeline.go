// Package pipeline runs every inbound request through admission, credential
// checks, the handler, classification, event logging and abuse detection.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"jokeguard/internal/auth"
	"jokeguard/internal/config"
	"jokeguard/internal/events"
	"jokeguard/internal/model"
	"jokeguard/internal/ratelimit"
)

const (
	HeaderRequestID  = "X-Request-ID"
	HeaderRetryAfter = "Retry-After"
)

// Recorder receives per-request counters. *metrics.Metrics implements it.
type Recorder interface {
	ObserveRequest(eventType, method string, status int, seconds float64)
	RateLimited(tier string)
	AuthOutcome(outcome string)
	Detection(eventType string)
}

// AlertSink receives detector events after they are logged.
type AlertSink interface {
	Add(ev model.SecurityEvent)
}

type Archiver interface {
	Archive(ev model.SecurityEvent) bool
}

type Pipeline struct {
	state    *AbuseState
	gate     *auth.Gate
	emitter  events.Emitter
	ips      *ClientIPExtractor
	header   string
	secret   *auth.AdminSecret
	alerts   AlertSink
	archiver Archiver
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithClientIPExtractor(e *ClientIPExtractor) Option {
	return func(p *Pipeline) { p.ips = e }
}

// WithCredentialHeader overrides the header carrying API keys and the admin
// secret (default X-API-Key).
func WithCredentialHeader(name string) Option {
	return func(p *Pipeline) { p.header = name }
}

// WithAdminSecret lets UpdateConfig rotate the admin secret on reload.
func WithAdminSecret(s *auth.AdminSecret) Option {
	return func(p *Pipeline) { p.secret = s }
}

func WithAlerts(a AlertSink) Option {
	return func(p *Pipeline) { p.alerts = a }
}

func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func New(state *AbuseState, gate *auth.Gate, emitter events.Emitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		state:   state,
		gate:    gate,
		emitter: emitter,
		header:  "X-API-Key",
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ips == nil {
		p.ips, _ = NewClientIPExtractor(nil)
	}
	return p
}

func (p *Pipeline) State() *AbuseState { return p.state }

// UpdateConfig pushes reloadable settings into the running pipeline.
func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	p.state.UpdateConfig(cfg)
	if p.secret != nil {
		p.secret.Set(cfg.Auth.AdminSecret)
	}
}

// RequestInfo is attached to the request context for handlers.
type RequestInfo struct {
	ID        string
	ClientIP  string
	Method    string
	Path      string
	UserAgent string
	Start     time.Time
	Outcome   model.AuthOutcome
}

type ctxKey struct{}

func Info(ctx context.Context) (*RequestInfo, bool) {
	info, ok := ctx.Value(ctxKey{}).(*RequestInfo)
	return info, ok
}

// Guard returns middleware that admits, authenticates and logs requests for
// one route. TierNone skips admission; auth.KindNone skips authentication.
func (p *Pipeline) Guard(tier ratelimit.Tier, kind auth.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p.serve(w, r, tier, kind, next)
		})
	}
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, tier ratelimit.Tier, kind auth.Kind, next http.Handler) {
	info := &RequestInfo{
		ID:        uuid.NewString(),
		ClientIP:  p.ips.Extract(r),
		Method:    r.Method,
		Path:      r.URL.Path,
		UserAgent: r.UserAgent(),
		Start:     p.now(),
		Outcome:   model.AuthOutcome{Status: model.AuthNotRequired},
	}
	if info.UserAgent == "" {
		info.UserAgent = "unknown"
	}
	w.Header().Set(HeaderRequestID, info.ID)
	rec := &statusRecorder{ResponseWriter: w}

	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				p.finish(info, http.StatusInternalServerError)
				panic(v)
			}
			p.logger.Error("handler panic", "panic", v, "request_id", info.ID, "path", info.Path, "stack", string(debug.Stack()))
			if !rec.wroteHeader {
				WriteDetail(rec, http.StatusInternalServerError, "Internal server error.")
			}
			rec.status = http.StatusInternalServerError
		}
		p.finish(info, rec.Status())
	}()

	if tier != ratelimit.TierNone {
		d := p.state.Limiter().AdmitAt(info.ClientIP, tier, info.Start)
		if d.Limit > 0 {
			rec.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			rec.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		}
		if !d.Allowed {
			if p.recorder != nil {
				p.recorder.RateLimited(string(tier))
			}
			retry := strconv.Itoa(d.RetryAfterSeconds())
			rec.Header().Set(HeaderRetryAfter, retry)
			WriteDetail(rec, http.StatusTooManyRequests, "Rate limit exceeded. Retry in "+retry+" seconds.")
			return
		}
	}

	if kind != auth.KindNone {
		outcome, err := p.gate.Authenticate(r.Context(), r.Header.Get(p.header), kind)
		switch {
		case errors.Is(err, auth.ErrAdminSecretUnset):
			WriteDetail(rec, http.StatusServiceUnavailable, "Admin secret not configured on server.")
			return
		case err != nil:
			p.logger.Error("credential check failed", "error", err, "request_id", info.ID)
			WriteDetail(rec, http.StatusInternalServerError, "Internal server error.")
			return
		}
		info.Outcome = outcome
		if p.recorder != nil {
			p.recorder.AuthOutcome(outcome.Status.String())
		}
		switch outcome.Status {
		case model.AuthMissing:
			WriteDetail(rec, http.StatusUnauthorized, missingDetail(kind))
			return
		case model.AuthInvalid:
			WriteDetail(rec, http.StatusForbidden, invalidDetail(kind))
			return
		}
	}

	next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, info)))
}

func missingDetail(kind auth.Kind) string {
	if kind == auth.KindAdminSecret {
		return "Missing admin secret. Provide X-API-Key header."
	}
	return "Missing API key. Provide X-API-Key header."
}

func invalidDetail(kind auth.Kind) string {
	if kind == auth.KindAdminSecret {
		return "Invalid admin secret."
	}
	return "Invalid or deactivated API key."
}

// Classify maps a response status to the primary record's event type,
// severity and message.
func Classify(status int) (model.EventType, model.Severity, string) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.EventAuthFailure, model.SeverityWarning, "Authentication failure"
	case status >= 500:
		return model.EventServerError, model.SeverityError, "Server error"
	case status >= 400:
		return model.EventHTTPRequest, model.SeverityWarning, "Client error"
	}
	return model.EventHTTPRequest, model.SeverityInfo, "Request completed"
}

// finish logs the primary record, then feeds the detector and logs whatever
// it raised, in that order.
func (p *Pipeline) finish(info *RequestInfo, status int) {
	end := p.now()
	elapsed := end.Sub(info.Start)
	eventType, severity, msg := Classify(status)
	primary := p.baseEvent(info, end, status)
	primary.EventType = eventType
	primary.Severity = severity
	primary.Message = msg
	p.emitter.Emit(primary)
	if p.recorder != nil {
		p.recorder.ObserveRequest(string(eventType), info.Method, status, elapsed.Seconds())
	}

	for _, det := range p.state.Detector().RecordOutcome(info.ClientIP, info.Outcome, end) {
		ev := p.baseEvent(info, end, status)
		ev.EventType = det.EventType
		ev.Severity = det.Severity
		ev.Message = det.Message
		p.emitter.Emit(ev)
		if p.recorder != nil {
			p.recorder.Detection(string(det.EventType))
		}
		if p.alerts != nil {
			p.alerts.Add(ev)
		}
		if p.archiver != nil {
			p.archiver.Archive(ev)
		}
	}
}

func (p *Pipeline) baseEvent(info *RequestInfo, at time.Time, status int) model.SecurityEvent {
	ev := model.SecurityEvent{
		Timestamp:      at,
		RequestID:      info.ID,
		Method:         info.Method,
		Path:           info.Path,
		StatusCode:     status,
		ClientIP:       info.ClientIP,
		UserAgent:      info.UserAgent,
		ResponseTimeMs: float64(at.Sub(info.Start).Microseconds()) / 1000,
	}
	if info.Outcome.Status == model.AuthValid {
		ev.CredentialID = info.Outcome.CredentialID
	}
	return ev
}

// EmitDomain logs a handler-level event (joke_created, api_key_created) with
// the request's fields through the same event stream.
func (p *Pipeline) EmitDomain(r *http.Request, eventType model.EventType, status int, message string) {
	info, ok := Info(r.Context())
	if !ok {
		return
	}
	ev := p.baseEvent(info, p.now(), status)
	ev.EventType = eventType
	ev.Severity = model.SeverityInfo
	ev.Message = message
	p.emitter.Emit(ev)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteDetail writes the {"detail": ...} error body used by every endpoint.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, map[string]string{"detail": detail})
}
