package policy

import (
	"sync"
	"time"

	"github.com/nekobot/gatekeeper/internal/snapshot"
)

// limiter is the closed check/release contract every rate-rule variant
// implements. check both tests and commits; release only matters for
// block rules.
type limiter interface {
	check(key string, now time.Time) bool
	release(key string)
}

// cooldownLimiter rejects within the window and (re)starts it on a pass.
type cooldownLimiter struct {
	window time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
}

func newCooldownLimiter(seconds int) *cooldownLimiter {
	return &cooldownLimiter{
		window: time.Duration(seconds) * time.Second,
		last:   make(map[string]time.Time),
	}
}

func (l *cooldownLimiter) check(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.last[key]; ok && now.Sub(prev) < l.window {
		return false
	}
	l.last[key] = now
	return true
}

func (l *cooldownLimiter) release(string) {}

// blockLimiter rejects while a prior invocation has not been released.
type blockLimiter struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func newBlockLimiter() *blockLimiter {
	return &blockLimiter{inflight: make(map[string]struct{})}
}

func (l *blockLimiter) check(key string, _ time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[key]; busy {
		return false
	}
	l.inflight[key] = struct{}{}
	return true
}

func (l *blockLimiter) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, key)
}

// countLimiter rejects once the bounded counter saturates.
type countLimiter struct {
	max    int
	mu     sync.Mutex
	counts map[string]int
}

func newCountLimiter(max int) *countLimiter {
	return &countLimiter{max: max, counts: make(map[string]int)}
}

func (l *countLimiter) check(key string, _ time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[key] >= l.max {
		return false
	}
	l.counts[key]++
	return true
}

func (l *countLimiter) release(string) {}

// LimitManager owns one limiter instance per rule id, rebuilt when the
// rule's parameters change.
type LimitManager struct {
	mu       sync.Mutex
	limiters map[int64]limiter
	rules    map[int64]snapshot.LimitRule
	now      func() time.Time
}

// NewLimitManager builds an empty manager.
func NewLimitManager() *LimitManager {
	return &LimitManager{
		limiters: make(map[int64]limiter),
		rules:    make(map[int64]snapshot.LimitRule),
		now:      time.Now,
	}
}

// limitKey derives the watch key: the user id, or the channel-or-group id
// for GROUP-scoped rules. ok is false when the scope does not apply to
// this event (a GROUP rule outside group context is skipped).
func limitKey(rule snapshot.LimitRule, ev Event) (string, bool) {
	switch rule.Scope {
	case snapshot.WatchGroup:
		if ev.ChannelID != "" {
			return ev.ChannelID, true
		}
		if ev.GroupID != "" {
			return ev.GroupID, true
		}
		return "", false
	default:
		if ev.UserID == "" {
			return "", false
		}
		return ev.UserID, true
	}
}

func (m *LimitManager) limiterFor(rule snapshot.LimitRule) limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rules[rule.ID]; ok &&
		prev.Kind == rule.Kind &&
		prev.CooldownSeconds == rule.CooldownSeconds &&
		prev.MaxCount == rule.MaxCount {
		return m.limiters[rule.ID]
	}
	var l limiter
	switch rule.Kind {
	case snapshot.LimitCooldown:
		l = newCooldownLimiter(rule.CooldownSeconds)
	case snapshot.LimitBlock:
		l = newBlockLimiter()
	case snapshot.LimitCount:
		l = newCountLimiter(rule.MaxCount)
	default:
		return nil
	}
	m.limiters[rule.ID] = l
	m.rules[rule.ID] = rule
	return l
}

// Check runs the event against at most one rule per kind. On rejection it
// returns the rule's configured result text and rolls back any block
// limiter committed earlier in the same check.
func (m *LimitManager) Check(rules []snapshot.LimitRule, ev Event) (ok bool, result string) {
	now := m.now()
	seenKind := make(map[snapshot.LimitKind]bool, 3)
	type committed struct {
		lim limiter
		key string
	}
	var blocks []committed

	for _, rule := range rules {
		if !rule.Enabled || seenKind[rule.Kind] {
			continue
		}
		seenKind[rule.Kind] = true

		key, applies := limitKey(rule, ev)
		if !applies {
			continue
		}
		lim := m.limiterFor(rule)
		if lim == nil {
			continue
		}
		if !lim.check(key, now) {
			for _, c := range blocks {
				c.lim.release(c.key)
			}
			return false, rule.Result
		}
		if rule.Kind == snapshot.LimitBlock {
			blocks = append(blocks, committed{lim: lim, key: key})
		}
	}
	return true, ""
}

// Release frees the block limiters held for this event, called by the
// post-dispatch hook and when a later stage denies the same event.
func (m *LimitManager) Release(rules []snapshot.LimitRule, ev Event) {
	for _, rule := range rules {
		if !rule.Enabled || rule.Kind != snapshot.LimitBlock {
			continue
		}
		key, applies := limitKey(rule, ev)
		if !applies {
			continue
		}
		if lim := m.limiterFor(rule); lim != nil {
			lim.release(key)
		}
	}
}
