package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/metrics"
	"github.com/nekobot/gatekeeper/internal/snapshot"
	"github.com/nekobot/gatekeeper/internal/storage"
)

// banCache keeps every ban record in memory, split by shape so a lookup
// never scans. Expiry is detected lazily on read; an expired record is
// treated as "not banned" immediately and evicted asynchronously.
type banCache struct {
	mu     sync.RWMutex
	byPair map[snapshot.LevelKey]snapshot.BanRecord // (user, group) bans
	byUser map[string]snapshot.BanRecord            // user-only bans
	byGrp  map[string]snapshot.BanRecord            // group-only bans

	ready     chan struct{}
	readyOnce sync.Once

	now       func() time.Time
	loadAll   func() ([]snapshot.BanRecord, error)
	onExpired func(rec snapshot.BanRecord) // async store delete + publish

	log zerolog.Logger
}

func newBanCache(loadAll func() ([]snapshot.BanRecord, error), onExpired func(snapshot.BanRecord), log zerolog.Logger) *banCache {
	return &banCache{
		byPair:    make(map[snapshot.LevelKey]snapshot.BanRecord),
		byUser:    make(map[string]snapshot.BanRecord),
		byGrp:     make(map[string]snapshot.BanRecord),
		ready:     make(chan struct{}),
		now:       time.Now,
		loadAll:   loadAll,
		onExpired: onExpired,
		log:       log.With().Str("cache", "ban").Logger(),
	}
}

// Refresh reloads all ban records and swaps the three maps atomically.
func (c *banCache) Refresh() error {
	recs, err := c.loadAll()
	if err != nil {
		metrics.CacheRefreshTotal.WithLabelValues(string(storage.KindBan), "error").Inc()
		return err
	}
	byPair := make(map[snapshot.LevelKey]snapshot.BanRecord)
	byUser := make(map[string]snapshot.BanRecord)
	byGrp := make(map[string]snapshot.BanRecord)
	for _, rec := range recs {
		switch {
		case rec.UserID != "" && rec.GroupID != "":
			byPair[snapshot.LevelKey{UserID: rec.UserID, GroupID: rec.GroupID}] = rec
		case rec.UserID != "":
			byUser[rec.UserID] = rec
		case rec.GroupID != "":
			byGrp[rec.GroupID] = rec
		}
	}
	c.mu.Lock()
	c.byPair, c.byUser, c.byGrp = byPair, byUser, byGrp
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	metrics.CacheRefreshTotal.WithLabelValues(string(storage.KindBan), "ok").Inc()
	metrics.CacheEntries.WithLabelValues(string(storage.KindBan)).Set(float64(len(recs)))
	return nil
}

// Upsert replaces the record in whichever map matches its shape.
func (c *banCache) Upsert(rec snapshot.BanRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case rec.UserID != "" && rec.GroupID != "":
		c.byPair[snapshot.LevelKey{UserID: rec.UserID, GroupID: rec.GroupID}] = rec
	case rec.UserID != "":
		c.byUser[rec.UserID] = rec
	case rec.GroupID != "":
		c.byGrp[rec.GroupID] = rec
	}
}

// Remove evicts the record keyed by (userID, groupID).
func (c *banCache) Remove(userID, groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case userID != "" && groupID != "":
		delete(c.byPair, snapshot.LevelKey{UserID: userID, GroupID: groupID})
	case userID != "":
		delete(c.byUser, userID)
	case groupID != "":
		delete(c.byGrp, groupID)
	}
}

// lookup returns the effective record for (userID, groupID): an exact
// (user, group) ban wins over a user-only ban, which wins over a
// group-only ban. Expired candidates are evicted and skipped.
func (c *banCache) lookup(userID, groupID string) *snapshot.BanRecord {
	now := c.now()
	if userID != "" && groupID != "" {
		if rec, ok := c.peek(func() (snapshot.BanRecord, bool) {
			r, ok := c.byPair[snapshot.LevelKey{UserID: userID, GroupID: groupID}]
			return r, ok
		}, now); ok {
			return rec
		}
	}
	if userID != "" {
		if rec, ok := c.peek(func() (snapshot.BanRecord, bool) {
			r, ok := c.byUser[userID]
			return r, ok
		}, now); ok {
			return rec
		}
	}
	if groupID != "" {
		if rec, ok := c.peek(func() (snapshot.BanRecord, bool) {
			r, ok := c.byGrp[groupID]
			return r, ok
		}, now); ok {
			return rec
		}
	}
	return nil
}

// peek reads one candidate under the lock and handles lazy expiry. The
// middle return is (nil, true) only for live records; expired ones yield
// (nil, false) so lookup falls through to the next precedence level.
func (c *banCache) peek(read func() (snapshot.BanRecord, bool), now time.Time) (*snapshot.BanRecord, bool) {
	c.mu.RLock()
	rec, ok := read()
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if rec.Expired(now) {
		c.expire(rec)
		return nil, false
	}
	return &rec, true
}

// expire evicts rec from memory and fires the async storage cleanup.
func (c *banCache) expire(rec snapshot.BanRecord) {
	c.Remove(rec.UserID, rec.GroupID)
	metrics.BansExpired.Inc()
	c.log.Debug().Str("user", rec.UserID).Str("group", rec.GroupID).Msg("ban expired on read")
	if c.onExpired != nil {
		go c.onExpired(rec)
	}
}

// IsBanned blocks until the initial load completes, then reports whether
// an effective ban covers (userID, groupID).
func (c *banCache) IsBanned(ctx context.Context, userID, groupID string) (bool, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return c.lookup(userID, groupID) != nil, nil
}

// IsBannedIfReady is the non-blocking variant. ready is false until the
// initial load completes; callers must then treat the answer as unknown.
func (c *banCache) IsBannedIfReady(userID, groupID string) (banned, ready bool) {
	select {
	case <-c.ready:
	default:
		return false, false
	}
	return c.lookup(userID, groupID) != nil, true
}

// Remaining returns the seconds left on the effective ban: -1 for
// permanent, 0 when not banned.
func (c *banCache) Remaining(userID, groupID string) int64 {
	rec := c.lookup(userID, groupID)
	if rec == nil {
		return 0
	}
	return rec.Remaining(c.now())
}

// CheckBanLevel reports whether an effective ban exists whose level is at
// or below the given level.
func (c *banCache) CheckBanLevel(userID, groupID string, level int) bool {
	rec := c.lookup(userID, groupID)
	return rec != nil && rec.Level <= level
}

// CleanupExpired sweeps all maps, evicting records expired at now. It
// returns how many were evicted.
func (c *banCache) CleanupExpired() int {
	now := c.now()
	var expired []snapshot.BanRecord

	c.mu.Lock()
	for k, rec := range c.byPair {
		if rec.Expired(now) {
			delete(c.byPair, k)
			expired = append(expired, rec)
		}
	}
	for k, rec := range c.byUser {
		if rec.Expired(now) {
			delete(c.byUser, k)
			expired = append(expired, rec)
		}
	}
	for k, rec := range c.byGrp {
		if rec.Expired(now) {
			delete(c.byGrp, k)
			expired = append(expired, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range expired {
		metrics.BansExpired.Inc()
		if c.onExpired != nil {
			go c.onExpired(rec)
		}
	}
	return len(expired)
}

// Len returns the total live record count.
func (c *banCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byPair) + len(c.byUser) + len(c.byGrp)
}
