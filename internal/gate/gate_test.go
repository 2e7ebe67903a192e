package gate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/admission"
	"github.com/nekobot/gatekeeper/internal/cache"
	"github.com/nekobot/gatekeeper/internal/policy"
	"github.com/nekobot/gatekeeper/internal/snapshot"
	"github.com/nekobot/gatekeeper/internal/testutil"
)

func testController(t *testing.T, cfg admission.Config) *admission.Controller {
	t.Helper()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 4
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	cfg.BreakerThreshold = 100
	cfg.BreakerCooldown = time.Minute
	cfg.StageTimeout = time.Second
	cfg.PipelineTimeout = 2 * time.Second
	cfg.OverloadWindow = 100 * time.Millisecond
	return admission.New(cfg, zerolog.Nop())
}

func testPipeline(t *testing.T, ctrl *admission.Controller) *policy.Pipeline {
	t.Helper()
	store := testutil.NewMockStore()
	if err := store.PutBot(snapshot.Bot{BotID: "b1", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutPlugin(snapshot.Plugin{Module: "echo", Enabled: true, Kind: snapshot.KindNormal}); err != nil {
		t.Fatal(err)
	}
	mgr := cache.NewManager(store, cache.Config{
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
	}, nil, zerolog.Nop())
	if err := mgr.Init(context.Background()); err != nil {
		t.Fatalf("cache init: %v", err)
	}
	return policy.New(policy.Config{}, mgr, ctrl, nil, zerolog.Nop())
}

func TestEvaluateAllows(t *testing.T) {
	ctrl := testController(t, admission.Config{})
	svc := New(ctrl, testPipeline(t, ctrl), zerolog.Nop())

	ev := policy.Event{BotID: "b1", UserID: "u1", MessageID: "m1"}
	if v := svc.Evaluate(context.Background(), ev, "echo"); !v.Allowed() {
		t.Errorf("verdict = %+v, want allow", v)
	}
}

func TestEvaluateRecoversPanicFailClosed(t *testing.T) {
	ctrl := testController(t, admission.Config{})
	// A pipeline with no cache manager panics on first use; the gate must
	// convert that into a deny, never a pass.
	broken := policy.New(policy.Config{}, nil, ctrl, nil, zerolog.Nop())
	svc := New(ctrl, broken, zerolog.Nop())

	v := svc.Evaluate(context.Background(), policy.Event{BotID: "b1", UserID: "u1", MessageID: "m1"}, "echo")
	if !v.Denied() || v.Reason != "internal error" {
		t.Errorf("verdict = %+v, want internal-error deny", v)
	}
	// The slot must have been released despite the panic.
	if err := ctrl.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after panic: %v", err)
	}
	ctrl.Release()
}

func TestEvaluateDeniesWhenNoSlot(t *testing.T) {
	ctrl := testController(t, admission.Config{MaxConcurrent: 1})
	svc := New(ctrl, testPipeline(t, ctrl), zerolog.Nop())

	if err := ctrl.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ctrl.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	v := svc.Evaluate(ctx, policy.Event{BotID: "b1", UserID: "u1", MessageID: "m1"}, "echo")
	if !v.Denied() || v.Reason != "evaluation slot unavailable" {
		t.Errorf("verdict = %+v, want slot-unavailable deny", v)
	}
}

func TestEvaluateAsyncDeliversVerdict(t *testing.T) {
	ctrl := testController(t, admission.Config{})
	svc := New(ctrl, testPipeline(t, ctrl), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	got := make(chan policy.Verdict, 1)
	if !svc.EvaluateAsync(policy.Event{BotID: "b1", UserID: "u1", MessageID: "m1"}, "echo",
		func(v policy.Verdict) { got <- v }) {
		t.Fatal("enqueue should succeed")
	}
	select {
	case v := <-got:
		if !v.Allowed() {
			t.Errorf("verdict = %+v, want allow", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("verdict never delivered")
	}
}

func TestEvaluateAsyncShedsWhenFull(t *testing.T) {
	ctrl := testController(t, admission.Config{QueueDepth: 1})
	svc := New(ctrl, testPipeline(t, ctrl), zerolog.Nop())
	// Workers not running: the queue holds one task, the second is shed.

	noop := func(policy.Verdict) {}
	ev := policy.Event{BotID: "b1", UserID: "u1"}
	if !svc.EvaluateAsync(ev, "echo", noop) {
		t.Fatal("first enqueue should succeed")
	}
	if svc.EvaluateAsync(ev, "echo", noop) {
		t.Error("second enqueue should be shed")
	}
	if !svc.Overloaded() {
		t.Error("shed must open the overload window")
	}
	time.Sleep(150 * time.Millisecond)
	if svc.Overloaded() {
		t.Error("overload window should close after it elapses")
	}
}

func TestFastBanPrecheckAndReleaseBlock(t *testing.T) {
	ctrl := testController(t, admission.Config{})
	store := testutil.NewMockStore()
	if err := store.PutBot(snapshot.Bot{BotID: "b1", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutBan(snapshot.BanRecord{UserID: "u9", Duration: snapshot.PermanentBan}); err != nil {
		t.Fatal(err)
	}
	mgr := cache.NewManager(store, cache.Config{
		BanRefreshInterval:    time.Hour,
		BotRefreshInterval:    time.Hour,
		GroupRefreshInterval:  time.Hour,
		PluginRefreshInterval: time.Hour,
		LimitRefreshInterval:  time.Hour,
		LevelRefreshInterval:  time.Hour,
		BanCleanInterval:      time.Hour,
		UserFlushBatch:        100,
	}, nil, zerolog.Nop())
	if err := mgr.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc := New(ctrl, policy.New(policy.Config{}, mgr, ctrl, nil, zerolog.Nop()), zerolog.Nop())

	if !svc.FastBanPrecheck(policy.Event{UserID: "u9", MessageID: "m1"}) {
		t.Error("precheck should report the ban")
	}
	if svc.FastBanPrecheck(policy.Event{UserID: "u1", MessageID: "m2"}) {
		t.Error("precheck false positive")
	}
}
