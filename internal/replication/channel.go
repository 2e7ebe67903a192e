// Package replication propagates cache mutations between processes that
// share one durable store. Delivery is best-effort, at-most-once; the
// periodic cache refresh bounds staleness when messages are lost.
package replication

import (
	"context"
	"encoding/json"

	"github.com/nekobot/gatekeeper/internal/storage"
)

// Action is the mutation verb carried by a replication event.
type Action string

const (
	ActionUpsert  Action = "upsert"
	ActionDelete  Action = "delete"
	ActionRefresh Action = "refresh"
)

// Event is the wire envelope. Field names are part of the wire format.
type Event struct {
	Source string          `json:"source"`
	Type   storage.Kind    `json:"type"`
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Publisher is the narrow interface the cache layer publishes through.
// Implementations must never let a publish failure propagate to the
// caller's correctness; errors are for logging only.
type Publisher interface {
	Publish(ctx context.Context, typ storage.Kind, action Action, data any) error
}

// Channel is a raw transport for opaque payloads on one logical channel.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	// Listen blocks, invoking handler per message, until ctx is done.
	Listen(ctx context.Context, handler func(payload []byte)) error
	Close() error
}

// Noop is the valid single-process transport: publishes vanish, Listen
// blocks until cancelled.
type Noop struct{}

func (Noop) Publish(context.Context, []byte) error { return nil }

func (Noop) Listen(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Noop) Close() error { return nil }

// NoopPublisher discards all events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, storage.Kind, Action, any) error { return nil }
