package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/replication"
	"github.com/nekobot/gatekeeper/internal/snapshot"
	"github.com/nekobot/gatekeeper/internal/storage"
	"github.com/nekobot/gatekeeper/internal/testutil"
)

func testManagerConfig() Config {
	return Config{
		BanRefreshInterval:    time.Hour,
		BotRefreshInterval:    time.Hour,
		GroupRefreshInterval:  time.Hour,
		PluginRefreshInterval: time.Hour,
		LimitRefreshInterval:  time.Hour,
		LevelRefreshInterval:  time.Hour,
		BotNegativeTTL:        time.Minute,
		GroupNegativeTTL:      time.Minute,
		PluginNegativeTTL:     time.Minute,
		LevelNegativeTTL:      time.Minute,
		BanCleanInterval:      time.Hour,
		UserFlushBatch:        100,
	}
}

func newManagerForTest(t *testing.T, store storage.Store, pub replication.Publisher) *Manager {
	t.Helper()
	m := NewManager(store, testManagerConfig(), pub, zerolog.Nop())
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestHooksPropagateToCache(t *testing.T) {
	raw := testutil.NewMockStore()
	m := newManagerForTest(t, raw, nil)
	store := storage.WithHooks(raw, m.Hooks())

	if err := store.PutBan(snapshot.BanRecord{UserID: "u1", Duration: snapshot.PermanentBan}); err != nil {
		t.Fatal(err)
	}
	if banned, ready := m.IsBannedIfReady("u1", ""); !ready || !banned {
		t.Errorf("ban hook did not land: banned=%v ready=%v", banned, ready)
	}

	if err := store.PutGroup(snapshot.Group{GroupID: "g1", Level: 5, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	g, err := m.Group(context.Background(), snapshot.GroupKey{GroupID: "g1"})
	if err != nil || g == nil || g.Level != 5 {
		t.Fatalf("group hook did not land: %+v, %v", g, err)
	}

	if err := store.DeleteBan("u1", ""); err != nil {
		t.Fatal(err)
	}
	if banned, _ := m.IsBannedIfReady("u1", ""); banned {
		t.Error("ban delete hook did not land")
	}
}

func TestApplyUpsertIdempotent(t *testing.T) {
	m := newManagerForTest(t, testutil.NewMockStore(), nil)

	data, _ := json.Marshal(snapshot.Plugin{Module: "sign_in", Enabled: true, CostGold: 5})
	ev := replication.Event{Source: "peer", Type: storage.KindPlugin, Action: replication.ActionUpsert, Data: data}

	for i := 0; i < 2; i++ {
		if err := m.Apply(ev); err != nil {
			t.Fatalf("Apply #%d: %v", i+1, err)
		}
	}
	p, err := m.Plugin(context.Background(), "sign_in")
	if err != nil || p == nil || p.CostGold != 5 {
		t.Fatalf("plugin = %+v, %v", p, err)
	}
	if m.plugins.Len() != 1 {
		t.Errorf("plugin cache len = %d, want 1", m.plugins.Len())
	}
}

func TestApplyDeleteAndRefresh(t *testing.T) {
	store := testutil.NewMockStore()
	if err := store.PutBot(snapshot.Bot{BotID: "b1", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	m := newManagerForTest(t, store, nil)

	data, _ := json.Marshal(map[string]string{"bot_id": "b1"})
	if err := m.Apply(replication.Event{Source: "peer", Type: storage.KindBot, Action: replication.ActionDelete, Data: data}); err != nil {
		t.Fatal(err)
	}
	if b, _ := m.bots.GetIfReady("b1"); b != nil {
		t.Error("bot delete did not land")
	}

	// A refresh action reloads the full set from storage.
	if err := m.Apply(replication.Event{Source: "peer", Type: storage.KindBot, Action: replication.ActionRefresh}); err != nil {
		t.Fatal(err)
	}
	if b, _ := m.bots.GetIfReady("b1"); b == nil {
		t.Error("bot refresh did not reload from storage")
	}
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	m := newManagerForTest(t, testutil.NewMockStore(), nil)
	err := m.Apply(replication.Event{Source: "peer", Type: "mystery", Action: replication.ActionUpsert, Data: []byte("{}")})
	if err == nil {
		t.Error("unknown entity kind must error")
	}
}

// loopbackPublisher delivers locally published mutations straight into a
// peer manager, standing in for the redis transport.
type loopbackPublisher struct {
	peer *Manager
}

func (p loopbackPublisher) Publish(_ context.Context, typ storage.Kind, action replication.Action, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.peer.Apply(replication.Event{Source: "a", Type: typ, Action: action, Data: raw})
}

func TestBanReplicatesAcrossManagers(t *testing.T) {
	storeB := testutil.NewMockStore()
	mB := newManagerForTest(t, storeB, nil)

	storeA := testutil.NewMockStore()
	mA := newManagerForTest(t, storeA, loopbackPublisher{peer: mB})
	hookedA := storage.WithHooks(storeA, mA.Hooks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mA.Run(ctx) }()

	if err := hookedA.PutBan(snapshot.BanRecord{UserID: "u1", GroupID: "g1", Duration: snapshot.PermanentBan}); err != nil {
		t.Fatal(err)
	}

	// B reflects the ban without ever querying its own storage.
	deadline := time.Now().Add(time.Second)
	for {
		if banned, ready := mB.IsBannedIfReady("u1", "g1"); ready && banned {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ban never replicated to peer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := storeB.CallCount("ListBans"); got != 1 {
		t.Errorf("peer hit storage %d times, want only the initial load", got)
	}
}

func TestEffectiveLevelMax(t *testing.T) {
	store := testutil.NewMockStore()
	if err := store.PutLevel(snapshot.AdminLevel{UserID: "u1", Level: 3}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutLevel(snapshot.AdminLevel{UserID: "u1", GroupID: "g1", Level: 7}); err != nil {
		t.Fatal(err)
	}
	m := newManagerForTest(t, store, nil)

	lvl, err := m.EffectiveLevel(context.Background(), "u1", "g1")
	if err != nil || lvl != 7 {
		t.Errorf("effective level in g1 = %d, %v; want 7", lvl, err)
	}
	lvl, err = m.EffectiveLevel(context.Background(), "u1", "g2")
	if err != nil || lvl != 3 {
		t.Errorf("effective level in g2 = %d, %v; want 3", lvl, err)
	}
}

func TestLimitsForFiltersModuleAndEnabled(t *testing.T) {
	store := testutil.NewMockStore()
	rules := []snapshot.LimitRule{
		{ID: 1, Module: "draw_card", Kind: snapshot.LimitCooldown, Enabled: true, CooldownSeconds: 10},
		{ID: 2, Module: "draw_card", Kind: snapshot.LimitBlock, Enabled: false},
		{ID: 3, Module: "sign_in", Kind: snapshot.LimitCount, Enabled: true, MaxCount: 3},
	}
	for _, r := range rules {
		if err := store.PutLimit(r); err != nil {
			t.Fatal(err)
		}
	}
	m := newManagerForTest(t, store, nil)

	got := m.LimitsFor("draw_card")
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("LimitsFor = %+v, want only the enabled draw_card rule", got)
	}
}
