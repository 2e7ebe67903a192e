package policy

import (
	"testing"
	"time"

	"github.com/nekobot/gatekeeper/internal/snapshot"
)

func TestCooldownLimiterWindow(t *testing.T) {
	lm := NewLimitManager()
	base := time.Unix(0, 0)
	lm.now = func() time.Time { return base }

	rules := []snapshot.LimitRule{
		{ID: 1, Module: "draw_card", Kind: snapshot.LimitCooldown, Scope: snapshot.WatchUser, Enabled: true, CooldownSeconds: 10},
	}
	ev := Event{UserID: "u1"}

	if ok, _ := lm.Check(rules, ev); !ok {
		t.Fatal("t=0 should pass")
	}
	base = time.Unix(5, 0)
	if ok, _ := lm.Check(rules, ev); ok {
		t.Fatal("t=5 should reject within the 10s window")
	}
	base = time.Unix(11, 0)
	if ok, _ := lm.Check(rules, ev); !ok {
		t.Fatal("t=11 should pass after the window")
	}
}

func TestBlockLimiterReleases(t *testing.T) {
	lm := NewLimitManager()
	rules := []snapshot.LimitRule{
		{ID: 2, Module: "draw_card", Kind: snapshot.LimitBlock, Scope: snapshot.WatchUser, Enabled: true, Result: "still running"},
	}
	ev := Event{UserID: "u1"}

	if ok, _ := lm.Check(rules, ev); !ok {
		t.Fatal("first call should take the slot")
	}
	ok, result := lm.Check(rules, ev)
	if ok {
		t.Fatal("second call should reject while in flight")
	}
	if result != "still running" {
		t.Errorf("result = %q", result)
	}

	lm.Release(rules, ev)
	if ok, _ := lm.Check(rules, ev); !ok {
		t.Error("released slot should pass again")
	}
}

func TestCountLimiterSaturates(t *testing.T) {
	lm := NewLimitManager()
	rules := []snapshot.LimitRule{
		{ID: 3, Module: "sign_in", Kind: snapshot.LimitCount, Scope: snapshot.WatchUser, Enabled: true, MaxCount: 2},
	}
	ev := Event{UserID: "u1"}

	for i := 0; i < 2; i++ {
		if ok, _ := lm.Check(rules, ev); !ok {
			t.Fatalf("call %d should pass below the bound", i+1)
		}
	}
	if ok, _ := lm.Check(rules, ev); ok {
		t.Error("saturated counter should reject")
	}
	// Other keys have their own counter.
	if ok, _ := lm.Check(rules, Event{UserID: "u2"}); !ok {
		t.Error("another user should have a fresh counter")
	}
}

func TestGroupScopeKeying(t *testing.T) {
	lm := NewLimitManager()
	rules := []snapshot.LimitRule{
		{ID: 4, Module: "draw_card", Kind: snapshot.LimitCooldown, Scope: snapshot.WatchGroup, Enabled: true, CooldownSeconds: 60},
	}

	if ok, _ := lm.Check(rules, Event{UserID: "u1", GroupID: "g1"}); !ok {
		t.Fatal("first group call should pass")
	}
	// Same group, different user: shared key, rejected.
	if ok, _ := lm.Check(rules, Event{UserID: "u2", GroupID: "g1"}); ok {
		t.Error("group scope must share the window across users")
	}
	// Different group passes.
	if ok, _ := lm.Check(rules, Event{UserID: "u1", GroupID: "g2"}); !ok {
		t.Error("another group should have its own window")
	}
	// Private context: the group rule does not apply.
	if ok, _ := lm.Check(rules, Event{UserID: "u1"}); !ok {
		t.Error("group-scoped rule must be skipped outside group context")
	}
}

func TestChannelKeyPreferredOverGroup(t *testing.T) {
	lm := NewLimitManager()
	rules := []snapshot.LimitRule{
		{ID: 5, Module: "draw_card", Kind: snapshot.LimitCooldown, Scope: snapshot.WatchGroup, Enabled: true, CooldownSeconds: 60},
	}
	if ok, _ := lm.Check(rules, Event{UserID: "u1", GroupID: "g1", ChannelID: "c1"}); !ok {
		t.Fatal("first channel call should pass")
	}
	// Same group, different channel: distinct key.
	if ok, _ := lm.Check(rules, Event{UserID: "u1", GroupID: "g1", ChannelID: "c2"}); !ok {
		t.Error("channels must be keyed separately")
	}
}

func TestOneRulePerKind(t *testing.T) {
	lm := NewLimitManager()
	// Two cooldown rules: only the first enabled one is consulted.
	rules := []snapshot.LimitRule{
		{ID: 6, Module: "m", Kind: snapshot.LimitCooldown, Scope: snapshot.WatchUser, Enabled: true, CooldownSeconds: 60},
		{ID: 7, Module: "m", Kind: snapshot.LimitCooldown, Scope: snapshot.WatchUser, Enabled: true, CooldownSeconds: 1},
	}
	ev := Event{UserID: "u1"}
	if ok, _ := lm.Check(rules, ev); !ok {
		t.Fatal("first call should pass")
	}
	if ok, _ := lm.Check(rules, ev); ok {
		t.Error("rejection must come from the first rule's 60s window")
	}
	if len(lm.limiters) != 1 {
		t.Errorf("limiters built = %d, want 1", len(lm.limiters))
	}
}

func TestBlockRolledBackWhenLaterRuleRejects(t *testing.T) {
	lm := NewLimitManager()
	base := time.Unix(0, 0)
	lm.now = func() time.Time { return base }
	rules := []snapshot.LimitRule{
		{ID: 8, Module: "m", Kind: snapshot.LimitBlock, Scope: snapshot.WatchUser, Enabled: true},
		{ID: 9, Module: "m", Kind: snapshot.LimitCooldown, Scope: snapshot.WatchUser, Enabled: true, CooldownSeconds: 60},
	}
	ev := Event{UserID: "u1"}

	if ok, _ := lm.Check(rules, ev); !ok {
		t.Fatal("first call should pass both rules")
	}
	lm.Release(rules, ev)

	// Cooldown still hot: the check fails, and the block slot it took
	// first must be rolled back.
	base = time.Unix(5, 0)
	if ok, _ := lm.Check(rules, ev); ok {
		t.Fatal("cooldown should reject")
	}
	blk := lm.limiters[8].(*blockLimiter)
	blk.mu.Lock()
	_, busy := blk.inflight["u1"]
	blk.mu.Unlock()
	if busy {
		t.Error("block slot must be released when a later rule rejects")
	}
}

func TestLimiterRebuiltOnRuleChange(t *testing.T) {
	lm := NewLimitManager()
	rule := snapshot.LimitRule{ID: 10, Module: "m", Kind: snapshot.LimitCooldown, Scope: snapshot.WatchUser, Enabled: true, CooldownSeconds: 60}
	ev := Event{UserID: "u1"}

	if ok, _ := lm.Check([]snapshot.LimitRule{rule}, ev); !ok {
		t.Fatal("first call should pass")
	}
	// Shrinking the window replaces the limiter instance, clearing state.
	rule.CooldownSeconds = 1
	if ok, _ := lm.Check([]snapshot.LimitRule{rule}, ev); !ok {
		t.Error("changed rule must get a fresh limiter")
	}
}
