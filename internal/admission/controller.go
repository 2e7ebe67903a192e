package admission

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nekobot/gatekeeper/internal/metrics"
)

// Config holds admission tuning.
type Config struct {
	MaxConcurrent    int64
	QueueDepth       int
	Workers          int
	OverloadWindow   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	StageTimeout     time.Duration
	PipelineTimeout  time.Duration
}

// Task is one deferred evaluation.
type Task func(ctx context.Context)

// StageOutcome is what happened to one stage call.
type StageOutcome int

const (
	// StageRan means the stage function completed within its deadline.
	StageRan StageOutcome = iota
	// StageSkipped means the stage's breaker was open; the stage is
	// treated as pass-through.
	StageSkipped
	// StageTimedOut means the deadline hit; the stage is treated as
	// pass-through and the breaker recorded a failure.
	StageTimedOut
)

// Controller bounds concurrent evaluations with a FIFO semaphore, defers
// full evaluations onto a bounded queue, and wraps stage calls in
// per-stage deadlines backed by circuit breakers.
type Controller struct {
	cfg      Config
	sem      *semaphore.Weighted
	queue    chan Task
	breakers *BreakerSet
	overload *Overload
	log      zerolog.Logger
}

// New builds a controller. Zero-valued fields get working defaults.
func New(cfg Config, log zerolog.Logger) *Controller {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 64
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 2 * time.Second
	}
	if cfg.PipelineTimeout == 0 {
		cfg.PipelineTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		queue:    make(chan Task, cfg.QueueDepth),
		breakers: NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		overload: NewOverload(cfg.OverloadWindow),
		log:      log.With().Str("component", "admission").Logger(),
	}
}

// Acquire blocks FIFO until an evaluation slot frees up or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	return c.sem.Acquire(ctx, 1)
}

// Release frees one evaluation slot.
func (c *Controller) Release() {
	c.sem.Release(1)
}

// Defer enqueues a task for the worker pool. When the queue is full the
// task is dropped and the overload flag is raised.
func (c *Controller) Defer(task Task) bool {
	select {
	case c.queue <- task:
		metrics.DeferredQueueDepth.Set(float64(len(c.queue)))
		return true
	default:
		metrics.DeferredDropped.Inc()
		c.overload.Trip()
		c.log.Warn().Msg("deferred queue full, dropping event")
		return false
	}
}

// Run starts the fixed worker pool and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case task := <-c.queue:
					metrics.DeferredQueueDepth.Set(float64(len(c.queue)))
					task(ctx)
				}
			}
		})
	}
	return g.Wait()
}

// Overloaded reports whether the shed-load window is open.
func (c *Controller) Overloaded() bool {
	return c.overload.Active()
}

// QueueDepth returns the current deferred queue length.
func (c *Controller) QueueDepth() int {
	return len(c.queue)
}

// PipelineTimeout is the overall evaluation deadline.
func (c *Controller) PipelineTimeout() time.Duration {
	return c.cfg.PipelineTimeout
}

// RunStage executes fn under the stage's deadline and breaker. A skipped
// or timed-out stage is pass-through; callers must only read state
// captured by fn when the outcome is StageRan.
func (c *Controller) RunStage(ctx context.Context, stage string, fn func(context.Context)) StageOutcome {
	br := c.breakers.For(stage)
	if !br.Allow() {
		return StageSkipped
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// A panicking stage is pass-through like a timed-out one; it must
		// not take the process down.
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Str("stage", stage).Interface("panic", r).Msg("stage panicked")
			}
		}()
		fn(sctx)
	}()

	select {
	case <-done:
		br.Success()
		return StageRan
	case <-sctx.Done():
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			br.Failure()
			metrics.StageTimeouts.WithLabelValues(stage).Inc()
			c.log.Warn().Str("stage", stage).Msg("stage timed out")
		}
		return StageTimedOut
	}
}
