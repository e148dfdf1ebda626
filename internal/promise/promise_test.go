package promise

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/worker"
)

func newTestOplog(t *testing.T) *oplog.BoltStore {
	t.Helper()
	store, err := oplog.NewBoltStore(filepath.Join(t.TempDir(), "oplog.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAwaitReturnsAfterComplete(t *testing.T) {
	oplogStore := newTestOplog(t)
	store := NewStore(oplogStore)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx := context.Background()

	if _, err := store.Create(ctx, id, "p1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan []byte, 1)
	go func() {
		payload, err := store.Await(ctx, id, "p1")
		if err != nil {
			t.Errorf("Await: %v", err)
			return
		}
		done <- payload
	}()

	time.Sleep(50 * time.Millisecond)
	if err := store.Complete(ctx, id, "p1", []byte("result")); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case payload := <-done:
		if string(payload) != "result" {
			t.Fatalf("got %q, want %q", payload, "result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Await to return")
	}
}

func TestAwaitReturnsImmediatelyIfAlreadyComplete(t *testing.T) {
	oplogStore := newTestOplog(t)
	store := NewStore(oplogStore)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx := context.Background()

	if _, err := store.Create(ctx, id, "p1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Complete(ctx, id, "p1", []byte("already done")); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	payload, err := store.Await(ctx, id, "p1")
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(payload) != "already done" {
		t.Fatalf("got %q, want %q", payload, "already done")
	}
}

func TestAwaitCancelledContext(t *testing.T) {
	oplogStore := newTestOplog(t)
	store := NewStore(oplogStore)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := store.Create(ctx, id, "p1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := store.Await(ctx, id, "p1")
	if err == nil {
		t.Fatal("Await: want error on context cancellation, got nil")
	}
}
