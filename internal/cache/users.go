package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/metrics"
	"github.com/nekobot/gatekeeper/internal/snapshot"
	"github.com/nekobot/gatekeeper/internal/storage"
)

const pendingQueueDepth = 4096

type pendingUser struct {
	userID   string
	platform string
}

// UserRegistry keeps user existence and gold balances in memory. New ids
// are optimistically marked known and durably created later by a single
// batch flusher, so the decision path never waits on an insert.
type UserRegistry struct {
	store storage.Store
	batch int

	mu      sync.Mutex
	known   map[string]struct{}
	gold    map[string]int64
	nextUID int64

	queue chan pendingUser

	log zerolog.Logger
}

// NewUserRegistry builds a registry flushing up to batch ids per wake.
func NewUserRegistry(store storage.Store, batch int, log zerolog.Logger) *UserRegistry {
	if batch < 1 {
		batch = 100
	}
	return &UserRegistry{
		store: store,
		batch: batch,
		known: make(map[string]struct{}),
		gold:  make(map[string]int64),
		queue: make(chan pendingUser, pendingQueueDepth),
		log:   log.With().Str("cache", "user").Logger(),
	}
}

// Load reads the full user table and the current uid high-water mark.
func (r *UserRegistry) Load() error {
	users, err := r.store.ListUsers()
	if err != nil {
		return err
	}
	maxUID, err := r.store.MaxUserUID()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		r.known[u.UserID] = struct{}{}
		r.gold[u.UserID] = u.Gold
	}
	r.nextUID = maxUID + 1
	return nil
}

// Ensure marks userID as known, queueing it for durable creation if it is
// new. Never blocks; a full queue drops the id with a warning and the next
// event re-queues it.
func (r *UserRegistry) Ensure(userID, platform string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	if _, ok := r.known[userID]; ok {
		r.mu.Unlock()
		return
	}
	r.known[userID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- pendingUser{userID: userID, platform: platform}:
		metrics.UsersPending.Set(float64(len(r.queue)))
	default:
		// Un-mark so a later event retries the insert.
		r.mu.Lock()
		delete(r.known, userID)
		r.mu.Unlock()
		r.log.Warn().Str("user", userID).Msg("user insert queue full, dropping")
	}
}

// Known reports whether userID has been seen (durably or optimistically).
func (r *UserRegistry) Known(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[userID]
	return ok
}

// Gold returns the cached balance. Unknown users have zero.
func (r *UserRegistry) Gold(userID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gold[userID]
}

// DeductGold atomically subtracts amount from the cached balance and
// writes the new value back asynchronously. It returns false when the
// balance is insufficient. A concurrent underflow clamps at zero instead
// of failing the event.
func (r *UserRegistry) DeductGold(userID string, amount int64) bool {
	if amount <= 0 {
		return true
	}
	r.mu.Lock()
	balance := r.gold[userID]
	if balance < amount {
		r.mu.Unlock()
		return false
	}
	remaining := balance - amount
	if remaining < 0 {
		remaining = 0
	}
	r.gold[userID] = remaining
	r.mu.Unlock()

	go func() {
		if err := r.store.SetGold(userID, remaining); err != nil {
			r.log.Error().Err(err).Str("user", userID).Msg("gold write-back failed")
		}
	}()
	return true
}

// AddGold credits the cached balance and writes it back asynchronously.
func (r *UserRegistry) AddGold(userID string, amount int64) {
	if amount <= 0 {
		return
	}
	r.mu.Lock()
	r.gold[userID] += amount
	total := r.gold[userID]
	r.mu.Unlock()

	go func() {
		if err := r.store.SetGold(userID, total); err != nil {
			r.log.Error().Err(err).Str("user", userID).Msg("gold write-back failed")
		}
	}()
}

// Run is the single batch flusher. It wakes on the first pending id,
// drains up to the batch size, assigns sequential uids and bulk-inserts.
func (r *UserRegistry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case first := <-r.queue:
			batch := []pendingUser{first}
		drain:
			for len(batch) < r.batch {
				select {
				case p := <-r.queue:
					batch = append(batch, p)
				default:
					break drain
				}
			}
			r.flush(batch)
			metrics.UsersPending.Set(float64(len(r.queue)))
		}
	}
}

func (r *UserRegistry) flush(batch []pendingUser) {
	now := time.Now()

	r.mu.Lock()
	recs := make([]snapshot.User, 0, len(batch))
	for _, p := range batch {
		recs = append(recs, snapshot.User{
			UserID:    p.userID,
			UID:       r.nextUID,
			Platform:  p.platform,
			CreatedAt: now,
		})
		r.nextUID++
	}
	r.mu.Unlock()

	if err := r.store.PutUsers(recs); err != nil {
		r.log.Error().Err(err).Int("count", len(recs)).Msg("user batch insert failed")
		// Un-mark so later events retry. The reserved uids are skipped.
		r.mu.Lock()
		for _, rec := range recs {
			delete(r.known, rec.UserID)
		}
		r.mu.Unlock()
		return
	}
	metrics.UserInserts.Add(float64(len(recs)))
	r.log.Debug().Int("count", len(recs)).Msg("user batch inserted")
}
