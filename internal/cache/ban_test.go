package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/snapshot"
)

func newBanCacheForTest(t *testing.T, recs []snapshot.BanRecord, onExpired func(snapshot.BanRecord)) *banCache {
	t.Helper()
	c := newBanCache(func() ([]snapshot.BanRecord, error) { return recs, nil }, onExpired, zerolog.Nop())
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBanPairPrecedence(t *testing.T) {
	c := newBanCacheForTest(t, []snapshot.BanRecord{
		{UserID: "u1", BanTime: 1000, Duration: 1000},
		{UserID: "u1", GroupID: "g1", BanTime: 1000, Duration: 100},
	}, nil)
	c.now = func() time.Time { return time.Unix(1050, 0) }

	// The (user, group) record determines remaining time in that group.
	if got := c.Remaining("u1", "g1"); got != 50 {
		t.Errorf("remaining in g1 = %d, want 50 from pair record", got)
	}
	// Elsewhere the user-only record applies.
	if got := c.Remaining("u1", "g2"); got != 950 {
		t.Errorf("remaining in g2 = %d, want 950 from user record", got)
	}
}

func TestBanLazyExpiry(t *testing.T) {
	var mu sync.Mutex
	var expired []snapshot.BanRecord
	c := newBanCacheForTest(t, []snapshot.BanRecord{
		{UserID: "u1", BanTime: 1000, Duration: 100},
	}, func(rec snapshot.BanRecord) {
		mu.Lock()
		expired = append(expired, rec)
		mu.Unlock()
	})

	c.now = func() time.Time { return time.Unix(1050, 0) }
	if banned, _ := c.IsBannedIfReady("u1", ""); !banned {
		t.Fatal("ban should be active before expiry")
	}

	c.now = func() time.Time { return time.Unix(1200, 0) }
	if banned, _ := c.IsBannedIfReady("u1", ""); banned {
		t.Error("expired ban must read as not banned")
	}
	if c.Len() != 0 {
		t.Errorf("expired ban still cached, len = %d", c.Len())
	}

	// Async cleanup callback fires once.
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(expired)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("onExpired fired %d times, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPermanentBanRemaining(t *testing.T) {
	c := newBanCacheForTest(t, []snapshot.BanRecord{
		{UserID: "u1", GroupID: "g1", Duration: snapshot.PermanentBan},
	}, nil)
	c.now = func() time.Time { return time.Unix(1<<40, 0) }

	if got := c.Remaining("u1", "g1"); got != -1 {
		t.Errorf("permanent remaining = %d, want -1", got)
	}
	if banned, _ := c.IsBannedIfReady("u1", "g1"); !banned {
		t.Error("permanent ban must never expire")
	}
}

func TestBanExpiredPairFallsThroughToUserBan(t *testing.T) {
	c := newBanCacheForTest(t, []snapshot.BanRecord{
		{UserID: "u1", BanTime: 1000, Duration: 1000},
		{UserID: "u1", GroupID: "g1", BanTime: 1000, Duration: 10},
	}, nil)
	c.now = func() time.Time { return time.Unix(1100, 0) }

	// Pair record expired; the live user-only record still applies.
	if got := c.Remaining("u1", "g1"); got != 900 {
		t.Errorf("remaining = %d, want 900 from user record", got)
	}
}

func TestCheckBanLevel(t *testing.T) {
	c := newBanCacheForTest(t, []snapshot.BanRecord{
		{UserID: "u1", Level: 5, Duration: snapshot.PermanentBan},
	}, nil)

	if !c.CheckBanLevel("u1", "", 5) {
		t.Error("level 5 ban should match level 5 check")
	}
	if !c.CheckBanLevel("u1", "", 9) {
		t.Error("level 5 ban should match level 9 check")
	}
	if c.CheckBanLevel("u1", "", 4) {
		t.Error("level 5 ban should not match level 4 check")
	}
	if c.CheckBanLevel("u2", "", 9) {
		t.Error("no ban, no match")
	}
}

func TestBanCleanupExpired(t *testing.T) {
	c := newBanCacheForTest(t, []snapshot.BanRecord{
		{UserID: "u1", BanTime: 1000, Duration: 10},
		{UserID: "u2", BanTime: 1000, Duration: 10000},
		{GroupID: "g1", Duration: snapshot.PermanentBan},
	}, nil)
	c.now = func() time.Time { return time.Unix(2000, 0) }

	if got := c.CleanupExpired(); got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}
