package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jokeguard/internal/config"
	"jokeguard/internal/keyed"
	"jokeguard/internal/model"
)

// Policy is the detector's tunable state, swapped atomically on reload.
type Policy struct {
	Window          time.Duration
	PerIPThreshold  int
	GlobalThreshold int
	Reset           string
	Cooldown        time.Duration
	MaxEntries      int
}

func PolicyFromConfig(cfg config.DetectionConfig) Policy {
	return Policy{
		Window:          cfg.Window,
		PerIPThreshold:  cfg.PerIPThreshold,
		GlobalThreshold: cfg.GlobalThreshold,
		Reset:           cfg.ResetPolicy,
		Cooldown:        cfg.Cooldown,
		MaxEntries:      cfg.MaxEntries,
	}
}

type ipState struct {
	window *FailureWindow
	latch  breachLatch
}

// Detector keeps rolling authentication failure histories per client IP and
// globally and reports brute force and credential spray breaches. It performs
// no I/O: detections are returned to the caller for logging.
type Detector struct {
	policy atomic.Pointer[Policy]
	perIP  *keyed.Table[*ipState]

	globalMu    sync.Mutex
	global      *FailureWindow
	globalLatch breachLatch
}

func NewDetector(p Policy) *Detector {
	d := &Detector{global: NewFailureWindow(p.MaxEntries)}
	d.policy.Store(&p)
	d.perIP = keyed.NewTable(func() *ipState {
		return &ipState{window: NewFailureWindow(d.Policy().MaxEntries)}
	})
	return d
}

func (d *Detector) Policy() Policy {
	return *d.policy.Load()
}

func (d *Detector) UpdatePolicy(p Policy) {
	d.policy.Store(&p)
	d.globalMu.Lock()
	d.global.maxEntries = p.MaxEntries
	d.globalMu.Unlock()
}

// RecordOutcome feeds one authentication outcome. Only Missing and Invalid
// outcomes change state. The returned events carry the detection fields;
// request fields are filled in by the caller.
func (d *Detector) RecordOutcome(clientIP string, outcome model.AuthOutcome, now time.Time) []model.SecurityEvent {
	if !outcome.IsFailure() {
		return nil
	}
	p := d.Policy()
	cutoff := now.Add(-p.Window)
	var out []model.SecurityEvent

	var ipCount int
	var bruteForce bool
	d.perIP.With(clientIP, now, func(s *ipState) {
		s.window.maxEntries = p.MaxEntries
		s.window.Evict(cutoff)
		s.latch.rearm(s.window.Count(), p.PerIPThreshold, now, p)
		s.window.Add(now)
		ipCount = s.window.Count()
		bruteForce = s.latch.fire(ipCount, p.PerIPThreshold, now)
	})
	if bruteForce {
		out = append(out, model.SecurityEvent{
			Timestamp: now,
			Severity:  model.SeverityCritical,
			EventType: model.EventBruteForce,
			ClientIP:  clientIP,
			Message: fmt.Sprintf("Possible brute force attack detected: %d failures from %s in %ds",
				ipCount, clientIP, int(p.Window.Seconds())),
		})
	}

	d.globalMu.Lock()
	d.global.Evict(cutoff)
	d.globalLatch.rearm(d.global.Count(), p.GlobalThreshold, now, p)
	d.global.Add(now)
	total := d.global.Count()
	spray := d.globalLatch.fire(total, p.GlobalThreshold, now)
	d.globalMu.Unlock()
	if spray {
		out = append(out, model.SecurityEvent{
			Timestamp: now,
			Severity:  model.SeverityCritical,
			EventType: model.EventSprayAttack,
			ClientIP:  clientIP,
			Message: fmt.Sprintf("Possible credential spray attack detected: %d failures in %ds",
				total, int(p.Window.Seconds())),
		})
	}
	return out
}

// Failures returns the number of failures currently held for clientIP,
// evicting expired entries first.
func (d *Detector) Failures(clientIP string, now time.Time) int {
	cutoff := now.Add(-d.Policy().Window)
	n := 0
	d.perIP.Peek(clientIP, func(s *ipState) {
		s.window.Evict(cutoff)
		n = s.window.Count()
	})
	return n
}

func (d *Detector) GlobalFailures(now time.Time) int {
	cutoff := now.Add(-d.Policy().Window)
	d.globalMu.Lock()
	defer d.globalMu.Unlock()
	d.global.Evict(cutoff)
	return d.global.Count()
}

func (d *Detector) TrackedClients() int {
	return d.perIP.Len()
}

// Sweep drops per-IP histories idle for at least idle.
func (d *Detector) Sweep(now time.Time, idle time.Duration) int {
	return d.perIP.Sweep(now, idle)
}

func (d *Detector) Reset() {
	d.perIP.Reset()
	d.globalMu.Lock()
	d.global.Reset()
	d.globalLatch = breachLatch{}
	d.globalMu.Unlock()
}
