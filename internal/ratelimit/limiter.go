// Package ratelimit provides tiered per-client admission control.
//
// The default algorithm is a fixed window: one counter per (client, tier)
// reset when the window elapses. It allows a burst of up to twice the limit
// across a window boundary in exchange for O(1) updates and one small record
// per active client. TokenBucket can be swapped in behind the same Admitter
// contract when smoother admission near boundaries matters more.
package ratelimit

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"jokeguard/internal/config"
)

type Tier string

const (
	TierNone     Tier = ""
	TierRead     Tier = config.TierRead
	TierWrite    Tier = config.TierWrite
	TierKeyIssue Tier = config.TierKeyIssue
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds is the whole-second hint for the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Admitter interface {
	Admit(clientIP string, tier Tier) Decision
}

// Limiter is an Admitter whose state can be swept, resized and reset.
type Limiter interface {
	Admitter
	AdmitAt(clientIP string, tier Tier, now time.Time) Decision
	UpdateLimits(limits Limits)
	Sweep(now time.Time, idle time.Duration) int
	Len() int
	Reset()
}

// Limits maps each tier to its request budget per window.
type Limits struct {
	Window time.Duration
	Tiers  map[Tier]int
}

func LimitsFromConfig(cfg config.RateLimitConfig) Limits {
	tiers := make(map[Tier]int, len(cfg.Tiers))
	for name, limit := range cfg.Tiers {
		tiers[Tier(name)] = limit
	}
	return Limits{Window: cfg.Window, Tiers: tiers}
}

func (l Limits) limit(tier Tier) (int, bool) {
	n, ok := l.Tiers[tier]
	return n, ok
}

func New(cfg config.RateLimitConfig, now func() time.Time) (Limiter, error) {
	limits := LimitsFromConfig(cfg)
	switch cfg.Algorithm {
	case "", config.AlgorithmFixedWindow:
		return NewFixedWindow(limits, now), nil
	case config.AlgorithmTokenBucket:
		return NewTokenBucket(limits, now), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit algorithm: %s", cfg.Algorithm)
	}
}

type limitsHolder struct {
	v atomic.Pointer[Limits]
}

func (h *limitsHolder) load() Limits {
	return *h.v.Load()
}

func (h *limitsHolder) store(l Limits) {
	h.v.Store(&l)
}

func bucketKey(clientIP string, tier Tier) string {
	return string(tier) + "|" + clientIP
}

func allowUnknownTier() Decision {
	return Decision{Allowed: true}
}
