package replication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/metrics"
	"github.com/nekobot/gatekeeper/internal/storage"
)

// Applier receives remote mutations. The cache manager implements it.
type Applier interface {
	Apply(ev Event) error
}

// Hub envelopes outbound mutations with this process's instance id and
// dispatches inbound ones, dropping self-echo.
type Hub struct {
	source string
	ch     Channel
	apply  Applier
	log    zerolog.Logger
}

// NewHub builds a hub for the given transport. source must be unique per
// process; see NewInstanceID.
func NewHub(source string, ch Channel, apply Applier, log zerolog.Logger) *Hub {
	return &Hub{
		source: source,
		ch:     ch,
		apply:  apply,
		log:    log.With().Str("component", "replication").Logger(),
	}
}

// NewInstanceID returns a process-unique replication source id.
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf))
}

// Source returns the local instance id.
func (h *Hub) Source() string { return h.source }

// SetApplier installs the inbound dispatch target. Must be called before
// Run when the applier was not known at construction time.
func (h *Hub) SetApplier(a Applier) { h.apply = a }

// Publish envelopes and sends one mutation. Errors are returned for
// accounting but callers must treat them as non-fatal.
func (h *Hub) Publish(ctx context.Context, typ storage.Kind, action Action, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	payload, err := json.Marshal(Event{Source: h.source, Type: typ, Action: action, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := h.ch.Publish(ctx, payload); err != nil {
		metrics.ReplicationMessages.WithLabelValues("out", "error").Inc()
		return fmt.Errorf("publish %s/%s: %w", typ, action, err)
	}
	metrics.ReplicationMessages.WithLabelValues("out", "ok").Inc()
	return nil
}

// Run listens until ctx is cancelled. Malformed or self-originated
// messages are dropped; apply errors are logged and swallowed.
func (h *Hub) Run(ctx context.Context) error {
	return h.ch.Listen(ctx, h.handle)
}

func (h *Hub) handle(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		metrics.ReplicationMessages.WithLabelValues("in", "malformed").Inc()
		h.log.Error().Err(err).Msg("malformed replication message")
		return
	}
	if ev.Source == h.source {
		metrics.ReplicationMessages.WithLabelValues("in", "self").Inc()
		return
	}
	if err := h.apply.Apply(ev); err != nil {
		metrics.ReplicationMessages.WithLabelValues("in", "error").Inc()
		h.log.Error().Err(err).Str("type", string(ev.Type)).
			Str("action", string(ev.Action)).Msg("apply replication event")
		return
	}
	metrics.ReplicationMessages.WithLabelValues("in", "ok").Inc()
	h.log.Debug().Str("type", string(ev.Type)).
		Str("action", string(ev.Action)).Str("from", ev.Source).Msg("applied replication event")
}
