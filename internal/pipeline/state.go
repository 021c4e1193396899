package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"jokeguard/internal/config"
	"jokeguard/internal/engine"
	"jokeguard/internal/ratelimit"
)

// AbuseState owns every piece of per-client mutable state: the rate limit
// buckets and the failure windows. Each pipeline gets its own instance.
type AbuseState struct {
	limiter  ratelimit.Limiter
	detector *engine.Detector
	now      func() time.Time

	limiterIdle   atomic.Int64
	detectorIdle  atomic.Int64
	sweepInterval atomic.Int64
}

type Stats struct {
	Buckets        int `json:"buckets"`
	TrackedClients int `json:"tracked_clients"`
	GlobalFailures int `json:"global_failures"`
}

func NewAbuseState(cfg *config.Config, now func() time.Time) (*AbuseState, error) {
	if now == nil {
		now = time.Now
	}
	limiter, err := ratelimit.New(cfg.RateLimit, now)
	if err != nil {
		return nil, err
	}
	s := &AbuseState{
		limiter:  limiter,
		detector: engine.NewDetector(engine.PolicyFromConfig(cfg.Detection)),
		now:      now,
	}
	s.storeDurations(cfg)
	return s, nil
}

func (s *AbuseState) storeDurations(cfg *config.Config) {
	s.limiterIdle.Store(int64(cfg.RateLimit.IdleTTL))
	s.detectorIdle.Store(int64(cfg.Detection.IdleTTL))
	s.sweepInterval.Store(int64(cfg.RateLimit.SweepInterval))
}

func (s *AbuseState) Limiter() ratelimit.Limiter { return s.limiter }

func (s *AbuseState) Detector() *engine.Detector { return s.detector }

// UpdateConfig applies new limits and detector thresholds in place. Counters
// already accumulated are kept. The algorithm itself is fixed at start.
func (s *AbuseState) UpdateConfig(cfg *config.Config) {
	s.limiter.UpdateLimits(ratelimit.LimitsFromConfig(cfg.RateLimit))
	s.detector.UpdatePolicy(engine.PolicyFromConfig(cfg.Detection))
	s.storeDurations(cfg)
}

// Sweep evicts buckets and failure windows idle for longer than their
// configured horizon.
func (s *AbuseState) Sweep(now time.Time) (buckets, clients int) {
	buckets = s.limiter.Sweep(now, time.Duration(s.limiterIdle.Load()))
	clients = s.detector.Sweep(now, time.Duration(s.detectorIdle.Load()))
	return buckets, clients
}

// Run sweeps on the configured interval until ctx is done. onSweep, if set,
// is called after every pass.
func (s *AbuseState) Run(ctx context.Context, onSweep func(evictedBuckets, evictedClients int)) {
	interval := time.Duration(s.sweepInterval.Load())
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, c := s.Sweep(s.now())
			if onSweep != nil {
				onSweep(b, c)
			}
			if next := time.Duration(s.sweepInterval.Load()); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *AbuseState) Reset() {
	s.limiter.Reset()
	s.detector.Reset()
}

func (s *AbuseState) Stats() Stats {
	return Stats{
		Buckets:        s.limiter.Len(),
		TrackedClients: s.detector.TrackedClients(),
		GlobalFailures: s.detector.GlobalFailures(s.now()),
	}
}
