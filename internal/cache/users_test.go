package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/snapshot"
	"github.com/nekobot/gatekeeper/internal/testutil"
)

func TestUserRegistryBatchFlush(t *testing.T) {
	store := testutil.NewMockStore()
	if err := store.PutUsers([]snapshot.User{{UserID: "seed", UID: 7, Gold: 0}}); err != nil {
		t.Fatal(err)
	}

	reg := NewUserRegistry(store, 100, zerolog.Nop())
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	reg.Ensure("u1", "qq")
	reg.Ensure("u2", "qq")
	reg.Ensure("u1", "qq") // already known, no second queue entry

	deadline := time.Now().Add(time.Second)
	for {
		users, _ := store.ListUsers()
		if len(users) == 3 {
			uids := map[string]int64{}
			for _, u := range users {
				uids[u.UserID] = u.UID
			}
			// Sequential uids continue from the durable high-water mark.
			if uids["u1"]+uids["u2"] != 8+9 {
				t.Errorf("uids = %v, want 8 and 9 after seed uid 7", uids)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("flush did not land, users = %d", len(users))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUserRegistryKnownSkipsQueue(t *testing.T) {
	store := testutil.NewMockStore()
	reg := NewUserRegistry(store, 100, zerolog.Nop())
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	reg.Ensure("u1", "qq")
	if !reg.Known("u1") {
		t.Error("id must be optimistically known before the flush")
	}
	reg.Ensure("u1", "qq")
	if len(reg.queue) != 1 {
		t.Errorf("queue depth = %d, want 1", len(reg.queue))
	}
}

func TestDeductGold(t *testing.T) {
	store := testutil.NewMockStore()
	if err := store.PutUsers([]snapshot.User{{UserID: "u1", UID: 1, Gold: 100}}); err != nil {
		t.Fatal(err)
	}
	reg := NewUserRegistry(store, 100, zerolog.Nop())
	if err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	if !reg.DeductGold("u1", 60) {
		t.Fatal("deduction within balance should succeed")
	}
	if got := reg.Gold("u1"); got != 40 {
		t.Errorf("gold = %d, want 40", got)
	}
	if reg.DeductGold("u1", 60) {
		t.Error("deduction past balance should fail")
	}
	if got := reg.Gold("u1"); got != 40 {
		t.Errorf("failed deduction changed balance to %d", got)
	}

	// Write-back lands asynchronously.
	deadline := time.Now().Add(time.Second)
	for {
		u, _ := store.GetUser("u1")
		if u != nil && u.Gold == 40 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("write-back never landed, gold = %+v", u)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
