package ratelimit

import (
	"time"

	"jokeguard/internal/keyed"
)

type windowCounter struct {
	windowStart time.Time
	count       int
}

// FixedWindow counts requests per (client, tier) in windows that start at the
// client's first request after the previous window expired.
type FixedWindow struct {
	limits   limitsHolder
	counters *keyed.Table[*windowCounter]
	now      func() time.Time
}

func NewFixedWindow(limits Limits, now func() time.Time) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	fw := &FixedWindow{
		counters: keyed.NewTable(func() *windowCounter { return &windowCounter{} }),
		now:      now,
	}
	fw.limits.store(limits)
	return fw
}

func (f *FixedWindow) Admit(clientIP string, tier Tier) Decision {
	return f.AdmitAt(clientIP, tier, f.now())
}

func (f *FixedWindow) AdmitAt(clientIP string, tier Tier, now time.Time) Decision {
	limits := f.limits.load()
	limit, ok := limits.limit(tier)
	if !ok {
		return allowUnknownTier()
	}
	var d Decision
	f.counters.With(bucketKey(clientIP, tier), now, func(wc *windowCounter) {
		if wc.windowStart.IsZero() || now.Sub(wc.windowStart) >= limits.Window {
			wc.windowStart = now
			wc.count = 0
		}
		wc.count++
		d.Limit = limit
		if wc.count > limit {
			d.RetryAfter = wc.windowStart.Add(limits.Window).Sub(now)
			return
		}
		d.Allowed = true
		d.Remaining = limit - wc.count
	})
	return d
}

func (f *FixedWindow) UpdateLimits(limits Limits) {
	f.limits.store(limits)
}

func (f *FixedWindow) Sweep(now time.Time, idle time.Duration) int {
	return f.counters.Sweep(now, idle)
}

func (f *FixedWindow) Len() int {
	return f.counters.Len()
}

func (f *FixedWindow) Reset() {
	f.counters.Reset()
}
