// Package gate is the public entry point handlers call. It composes the
// admission controller and the policy pipeline: admission decides whether
// an evaluation may run now, the pipeline decides what the verdict is.
package gate

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/admission"
	"github.com/nekobot/gatekeeper/internal/policy"
)

// Service gates handler dispatch. One instance per process.
type Service struct {
	ctrl     *admission.Controller
	pipeline *policy.Pipeline
	log      zerolog.Logger
}

// New wires the facade.
func New(ctrl *admission.Controller, pipeline *policy.Pipeline, log zerolog.Logger) *Service {
	return &Service{
		ctrl:     ctrl,
		pipeline: pipeline,
		log:      log.With().Str("component", "gate").Logger(),
	}
}

// Evaluate runs the full pipeline under the concurrency bound and the
// overall deadline. A panic anywhere inside evaluation is recovered and
// converted to a deny: a broken gate must never let traffic through.
func (s *Service) Evaluate(ctx context.Context, ev policy.Event, module string) (v policy.Verdict) {
	if err := s.ctrl.Acquire(ctx); err != nil {
		return policy.Deny("admission", "evaluation slot unavailable")
	}
	defer s.ctrl.Release()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("module", module).
				Str("user", ev.UserID).Msg("evaluation panicked, denying")
			v = policy.Deny("admission", "internal error")
		}
	}()

	ectx, cancel := context.WithTimeout(ctx, s.ctrl.PipelineTimeout())
	defer cancel()
	return s.pipeline.Evaluate(ectx, ev, module)
}

// EvaluateAsync defers the full evaluation to the worker pool and hands
// the verdict to done. It reports false when the queue is full and the
// event was shed.
func (s *Service) EvaluateAsync(ev policy.Event, module string, done func(policy.Verdict)) bool {
	return s.ctrl.Defer(func(ctx context.Context) {
		done(s.Evaluate(ctx, ev, module))
	})
}

// FastBanPrecheck is the synchronous, never-blocking ban probe for hot
// receive paths. False while caches are still loading.
func (s *Service) FastBanPrecheck(ev policy.Event) bool {
	return s.pipeline.FastBanPrecheck(ev)
}

// ReleaseBlock frees the module's block-limiter slot once the handler
// finishes.
func (s *Service) ReleaseBlock(ev policy.Event, module string) {
	s.pipeline.ReleaseBlock(ev, module)
}

// Overloaded reports whether the shed-load window is open; callers may
// answer cheaply instead of evaluating.
func (s *Service) Overloaded() bool {
	return s.ctrl.Overloaded()
}

// Run starts the deferred-evaluation workers until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.ctrl.Run(ctx)
}
