// Package admission bounds pipeline concurrency and isolates unhealthy
// stages so overload degrades latency, never correctness.
package admission

import (
	"sync"
	"time"

	"github.com/nekobot/gatekeeper/internal/metrics"
)

// Breaker is a per-stage circuit breaker. After threshold consecutive
// failures it opens for a cool-down, during which the stage is skipped.
// Once the cool-down elapses exactly one probe call is let through; its
// outcome closes or re-opens the breaker.
type Breaker struct {
	stage     string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	consecutive int
	open        bool
	openedAt    time.Time
	probing     bool
}

// NewBreaker builds a closed breaker for one stage name.
func NewBreaker(stage string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		stage:     stage,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether the stage may run. While open it returns false
// until the cool-down elapses, then true exactly once as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.probing || b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.probing = true
	return true
}

// Success resets the breaker to closed.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
	b.probing = false
	metrics.BreakerState.WithLabelValues(b.stage).Set(0)
}

// Failure records one failed or timed-out call. A failed probe re-opens
// immediately; otherwise the breaker opens after threshold consecutive
// failures.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.probing {
		b.probing = false
		b.openedAt = b.now()
		metrics.BreakerState.WithLabelValues(b.stage).Set(1)
		return
	}
	if !b.open && b.consecutive >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		metrics.BreakerState.WithLabelValues(b.stage).Set(1)
	}
}

// Open reports the current breaker state.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// BreakerSet lazily builds one breaker per stage name.
type BreakerSet struct {
	threshold int
	cooldown  time.Duration

	mu      sync.Mutex
	byStage map[string]*Breaker
}

// NewBreakerSet builds a set sharing threshold and cool-down.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		byStage:   make(map[string]*Breaker),
	}
}

// For returns the breaker for stage, creating it on first use.
func (s *BreakerSet) For(stage string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byStage[stage]
	if !ok {
		b = NewBreaker(stage, s.threshold, s.cooldown)
		s.byStage[stage] = b
	}
	return b
}
