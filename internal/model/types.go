package model

import "time"

type EventType string

const (
	EventHTTPRequest   EventType = "http_request"
	EventAuthFailure   EventType = "auth_failure"
	EventServerError   EventType = "server_error"
	EventBruteForce    EventType = "brute_force_detected"
	EventSprayAttack   EventType = "spray_attack_detected"
	EventJokeCreated   EventType = "joke_created"
	EventAPIKeyCreated EventType = "api_key_created"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// SecurityEvent is one record of the structured event stream. CredentialID is
// zero for requests that were not authenticated with an API key.
type SecurityEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Severity       Severity  `json:"level"`
	Message        string    `json:"message"`
	RequestID      string    `json:"request_id"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	StatusCode     int       `json:"status_code"`
	ClientIP       string    `json:"client_ip"`
	UserAgent      string    `json:"user_agent"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	EventType      EventType `json:"event_type"`
	CredentialID   int64     `json:"api_key_id,omitempty"`
}

type AuthStatus int

const (
	AuthNotRequired AuthStatus = iota
	AuthMissing
	AuthInvalid
	AuthValid
)

func (s AuthStatus) String() string {
	switch s {
	case AuthNotRequired:
		return "not_required"
	case AuthMissing:
		return "missing"
	case AuthInvalid:
		return "invalid"
	case AuthValid:
		return "valid"
	}
	return "unknown"
}

// AuthOutcome is the per-request result of credential verification.
// CredentialID is set only for Valid API keys; the admin secret has no id.
type AuthOutcome struct {
	Status       AuthStatus
	CredentialID int64
}

func (o AuthOutcome) IsFailure() bool {
	return o.Status == AuthMissing || o.Status == AuthInvalid
}

type CredentialRecord struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	HashedSecret string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Joke struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
