package admission

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		MaxConcurrent:    2,
		QueueDepth:       2,
		Workers:          1,
		OverloadWindow:   50 * time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
		StageTimeout:     30 * time.Millisecond,
		PipelineTimeout:  time.Second,
	}
}

func TestDeferDropsWhenQueueFull(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())

	// Workers not running, so the queue fills.
	if !c.Defer(func(context.Context) {}) || !c.Defer(func(context.Context) {}) {
		t.Fatal("queue should accept up to its depth")
	}
	if c.Overloaded() {
		t.Fatal("overload must not trip before a drop")
	}
	if c.Defer(func(context.Context) {}) {
		t.Fatal("full queue must drop")
	}
	if !c.Overloaded() {
		t.Error("drop must raise the overload flag")
	}

	// The flag clears once the window elapses without further drops.
	time.Sleep(80 * time.Millisecond)
	if c.Overloaded() {
		t.Error("overload flag must clear after the window")
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	var ran atomic.Int64
	for i := 0; i < 2; i++ {
		if !c.Defer(func(context.Context) { ran.Add(1) }) {
			t.Fatal("enqueue failed")
		}
	}
	deadline := time.Now().Add(time.Second)
	for ran.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("workers ran %d tasks, want 2", ran.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunStageOutcomes(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())
	ctx := context.Background()

	var captured int
	if got := c.RunStage(ctx, "group", func(context.Context) { captured = 42 }); got != StageRan {
		t.Fatalf("outcome = %v, want StageRan", got)
	}
	if captured != 42 {
		t.Error("stage function did not run")
	}

	// Two timeouts open the breaker (threshold 2)...
	slow := func(sctx context.Context) { <-sctx.Done() }
	for i := 0; i < 2; i++ {
		if got := c.RunStage(ctx, "group", slow); got != StageTimedOut {
			t.Fatalf("outcome = %v, want StageTimedOut", got)
		}
	}
	// ...after which the stage is skipped, not attempted.
	var attempted bool
	if got := c.RunStage(ctx, "group", func(context.Context) { attempted = true }); got != StageSkipped {
		t.Fatalf("outcome = %v, want StageSkipped", got)
	}
	if attempted {
		t.Error("open breaker must not run the stage")
	}
}

func TestAcquireBounds(t *testing.T) {
	c := New(testConfig(), zerolog.Nop())
	ctx := context.Background()

	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	busy, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := c.Acquire(busy); err == nil {
		t.Error("third acquire should block until a slot frees")
	}

	c.Release()
	if err := c.Acquire(ctx); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}
