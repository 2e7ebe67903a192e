package replication

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/storage"
)

// memChannel is an in-process loopback transport for tests.
type memChannel struct {
	mu       sync.Mutex
	handlers []func([]byte)
}

func (m *memChannel) Publish(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		h(payload)
	}
	return nil
}

func (m *memChannel) Listen(ctx context.Context, handler func([]byte)) error {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (m *memChannel) Close() error { return nil }

type recordApplier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordApplier) Apply(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHubSuppressesSelfEcho(t *testing.T) {
	ch := &memChannel{}
	applied := &recordApplier{}
	hub := NewHub("instance-a", ch, applied, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	if err := hub.Publish(ctx, storage.KindBan, ActionUpsert, map[string]string{"user_id": "u1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := applied.count(); got != 0 {
		t.Errorf("self-published event applied %d times, want 0", got)
	}
}

func TestHubDispatchesRemoteEvents(t *testing.T) {
	ch := &memChannel{}
	applied := &recordApplier{}
	local := NewHub("instance-a", ch, applied, zerolog.Nop())
	remote := NewHub("instance-b", ch, &recordApplier{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = local.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	if err := remote.Publish(ctx, storage.KindGroup, ActionDelete, map[string]string{"group_id": "g1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	applied.mu.Lock()
	defer applied.mu.Unlock()
	if len(applied.events) != 1 {
		t.Fatalf("applied %d events, want 1", len(applied.events))
	}
	ev := applied.events[0]
	if ev.Source != "instance-b" || ev.Type != storage.KindGroup || ev.Action != ActionDelete {
		t.Errorf("event = %+v", ev)
	}
	var data map[string]string
	if err := json.Unmarshal(ev.Data, &data); err != nil || data["group_id"] != "g1" {
		t.Errorf("payload = %s, err = %v", ev.Data, err)
	}
}

func TestHubDropsMalformedPayloads(t *testing.T) {
	ch := &memChannel{}
	applied := &recordApplier{}
	hub := NewHub("instance-a", ch, applied, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	_ = ch.Publish(ctx, []byte("{not json"))
	time.Sleep(20 * time.Millisecond)
	if got := applied.count(); got != 0 {
		t.Errorf("malformed payload applied %d times, want 0", got)
	}
}

func TestNewInstanceIDUnique(t *testing.T) {
	a, b := NewInstanceID(), NewInstanceID()
	if a == b {
		t.Errorf("instance ids collide: %s", a)
	}
}
