package admission

import (
	"sync"
	"time"

	"github.com/nekobot/gatekeeper/internal/metrics"
)

// Overload is the process-wide shed-load flag. Each drop re-arms the
// window; the flag clears once the window elapses without further drops.
type Overload struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	until time.Time
}

// NewOverload builds a cleared flag with the given window.
func NewOverload(window time.Duration) *Overload {
	return &Overload{window: window, now: time.Now}
}

// Trip raises the flag for one window from now.
func (o *Overload) Trip() {
	o.mu.Lock()
	o.until = o.now().Add(o.window)
	o.mu.Unlock()
	metrics.OverloadActive.Set(1)
}

// Active reports whether the window is still open. Producers that may
// shed optional work consult this.
func (o *Overload) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.now().Before(o.until) {
		return true
	}
	metrics.OverloadActive.Set(0)
	return false
}
