package policy

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Notifier delivers a policy notice to the event's origin. The pipeline
// never constructs platform messages; implementations own formatting and
// transport. Send errors are logged and swallowed by the caller.
type Notifier interface {
	Send(ctx context.Context, ev Event, text string) error
}

// noticeLimiter rate-limits notices per target so the same deny does not
// spam replies.
type noticeLimiter struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func newNoticeLimiter(interval time.Duration) *noticeLimiter {
	return &noticeLimiter{
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// allow reports whether a notice may be sent to target now, committing
// the send slot when it is.
func (n *noticeLimiter) allow(target string) bool {
	if n.interval <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if prev, ok := n.last[target]; ok && now.Sub(prev) < n.interval {
		return false
	}
	n.last[target] = now
	return true
}

// renderNotice fills the {remaining} placeholder in the ban notice
// template.
func renderNotice(tmpl string, remaining int64) string {
	return strings.ReplaceAll(tmpl, "{remaining}", strconv.FormatInt(remaining, 10))
}
