package policy

import (
	"sync"
	"time"
)

// Event identifies one inbound message directed at a handler.
type Event struct {
	BotID     string
	Platform  string
	UserID    string
	GroupID   string
	ChannelID string
	MessageID string
	RawText   string
}

// InGroup reports whether the event carries a group context.
func (e Event) InGroup() bool { return e.GroupID != "" || e.ChannelID != "" }

// memoKey scopes cached results to one event.
type memoKey struct {
	botID     string
	platform  string
	userID    string
	groupID   string
	channelID string
	messageID string
}

func (e Event) key() memoKey {
	return memoKey{
		botID:     e.BotID,
		platform:  e.Platform,
		userID:    e.UserID,
		groupID:   e.GroupID,
		channelID: e.ChannelID,
		messageID: e.MessageID,
	}
}

const (
	memoTTL       = time.Minute
	memoSweepSize = 1024
)

// memoEntry caches per-event results so a fast synchronous pre-check and
// a slower deferred full check never redundantly recompute.
type memoEntry struct {
	verdicts map[string]Verdict // by module
	banned   *bool
	expires  time.Time
}

type memoTable struct {
	mu      sync.Mutex
	entries map[memoKey]*memoEntry
	now     func() time.Time
}

func newMemoTable() *memoTable {
	return &memoTable{
		entries: make(map[memoKey]*memoEntry),
		now:     time.Now,
	}
}

func (t *memoTable) entry(key memoKey) *memoEntry {
	e, ok := t.entries[key]
	if ok && t.now().Before(e.expires) {
		return e
	}
	if len(t.entries) >= memoSweepSize {
		t.sweepLocked()
	}
	e = &memoEntry{verdicts: make(map[string]Verdict), expires: t.now().Add(memoTTL)}
	t.entries[key] = e
	return e
}

func (t *memoTable) getVerdict(ev Event, module string) (Verdict, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ev.key()]
	if !ok || t.now().After(e.expires) {
		return Verdict{}, false
	}
	v, ok := e.verdicts[module]
	return v, ok
}

func (t *memoTable) putVerdict(ev Event, module string, v Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(ev.key()).verdicts[module] = v
}

func (t *memoTable) getBanned(ev Event) (banned, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[ev.key()]
	if !found || t.now().After(e.expires) || e.banned == nil {
		return false, false
	}
	return *e.banned, true
}

func (t *memoTable) putBanned(ev Event, banned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(ev.key()).banned = &banned
}

// sweepLocked drops expired entries. Callers hold the lock.
func (t *memoTable) sweepLocked() {
	now := t.now()
	for k, e := range t.entries {
		if now.After(e.expires) {
			delete(t.entries, k)
		}
	}
}
