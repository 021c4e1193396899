package engine

import (
	"time"

	"jokeguard/internal/config"
)

// breachLatch lets a detector alert once per breach instead of once per
// failure. How the latch re-arms is decided by the reset policy.
type breachLatch struct {
	alerted   bool
	alertedAt time.Time
}

// rearm is called with the window count before the new failure is added, so
// a dip to the threshold between two failures ends the breach.
func (l *breachLatch) rearm(count, threshold int, now time.Time, p Policy) {
	if !l.alerted {
		return
	}
	switch p.Reset {
	case config.ResetOnCooldown:
		if now.Sub(l.alertedAt) >= p.Cooldown {
			l.alerted = false
		}
	default:
		if count <= threshold {
			l.alerted = false
		}
	}
}

// fire reports whether count crossing threshold should raise an alert now.
func (l *breachLatch) fire(count, threshold int, now time.Time) bool {
	if count <= threshold || l.alerted {
		return false
	}
	l.alerted = true
	l.alertedAt = now
	return true
}
