package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"jokeguard/internal/keyed"
)

type bucketEntry struct {
	limiter *rate.Limiter
	limit   int
}

// TokenBucket refills limit tokens evenly over the window with a burst of
// limit, so a client cannot double its budget across a window boundary.
type TokenBucket struct {
	limits  limitsHolder
	buckets *keyed.Table[*bucketEntry]
	now     func() time.Time
}

func NewTokenBucket(limits Limits, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	tb := &TokenBucket{
		buckets: keyed.NewTable(func() *bucketEntry { return &bucketEntry{} }),
		now:     now,
	}
	tb.limits.store(limits)
	return tb
}

func (t *TokenBucket) Admit(clientIP string, tier Tier) Decision {
	return t.AdmitAt(clientIP, tier, t.now())
}

func (t *TokenBucket) AdmitAt(clientIP string, tier Tier, now time.Time) Decision {
	limits := t.limits.load()
	limit, ok := limits.limit(tier)
	if !ok {
		return allowUnknownTier()
	}
	every := rate.Every(limits.Window / time.Duration(limit))
	var d Decision
	t.buckets.With(bucketKey(clientIP, tier), now, func(b *bucketEntry) {
		if b.limiter == nil || b.limit != limit {
			b.limiter = rate.NewLimiter(every, limit)
			b.limit = limit
		} else if b.limiter.Limit() != every {
			b.limiter.SetLimitAt(now, every)
		}
		d.Limit = limit
		r := b.limiter.ReserveN(now, 1)
		if !r.OK() {
			d.RetryAfter = limits.Window
			return
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			d.RetryAfter = delay
			return
		}
		d.Allowed = true
		d.Remaining = int(b.limiter.TokensAt(now))
	})
	return d
}

func (t *TokenBucket) UpdateLimits(limits Limits) {
	t.limits.store(limits)
}

func (t *TokenBucket) Sweep(now time.Time, idle time.Duration) int {
	return t.buckets.Sweep(now, idle)
}

func (t *TokenBucket) Len() int {
	return t.buckets.Len()
}

func (t *TokenBucket) Reset() {
	t.buckets.Reset()
}
