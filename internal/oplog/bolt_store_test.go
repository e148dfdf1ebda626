package oplog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/worker"
)

func newTestStore(t *testing.T, opts ...BoltStoreOption) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	store, err := NewBoltStore(path, opts...)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testWorker(name string) worker.ID {
	return worker.ID{ComponentID: "comp-1", Name: name}
}

func TestAppendAssignsDenseIndexes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := testWorker("w1")

	for i := 0; i < 5; i++ {
		idx, err := store.Append(ctx, id, Entry{Kind: KindLog, Log: &LogPayload{Message: "hi"}}, Immediate)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if idx != Index(i+1) {
			t.Fatalf("Append #%d: got index %d, want %d", i, idx, i+1)
		}
	}

	last, err := store.LastIndex(ctx, id)
	if err != nil {
		t.Fatalf("LastIndex: %v", err)
	}
	if last != 5 {
		t.Fatalf("LastIndex: got %d, want 5", last)
	}
}

func TestReadRoundTripsEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := testWorker("w1")

	want := Entry{
		Kind: KindInvocationStart,
		InvocationStart: &InvocationStartPayload{
			Function:       "add",
			IdempotencyKey: "key-1",
		},
	}
	idx, err := store.Append(ctx, id, want, DurableOnly)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := store.Read(ctx, id, idx, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Read: got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.Kind != KindInvocationStart || got.InvocationStart.Function != "add" || got.InvocationStart.IdempotencyKey != "key-1" {
		t.Fatalf("Read round trip mismatch: %+v", got)
	}
}

func TestReadSpansMultipleChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := testWorker("w1")

	const n = chunkSize + 50
	for i := 0; i < n; i++ {
		if _, err := store.Append(ctx, id, Entry{Kind: KindLog, Log: &LogPayload{Message: "x"}}, DurableOnly); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	entries, err := store.Read(ctx, id, 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("Read: got %d entries, want %d", len(entries), n)
	}
	for i, e := range entries {
		if e.Index != Index(i+1) {
			t.Fatalf("entry %d: got index %d, want %d", i, e.Index, i+1)
		}
	}
}

func TestReadUnknownWorkerReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	entries, err := store.Read(ctx, testWorker("ghost"), 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Read: got %d entries, want 0", len(entries))
	}
}

func TestSubscribeDeliversHistoryThenLive(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := testWorker("w1")

	if _, err := store.Append(ctx, id, Entry{Kind: KindLog, Log: &LogPayload{Message: "one"}}, Immediate); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ch, unsubscribe, err := store.Subscribe(ctx, id, 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case e := <-ch:
		if e.Index != 1 {
			t.Fatalf("got index %d, want 1", e.Index)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for historical entry")
	}

	if _, err := store.Append(ctx, id, Entry{Kind: KindLog, Log: &LogPayload{Message: "two"}}, Immediate); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case e := <-ch:
		if e.Index != 2 {
			t.Fatalf("got index %d, want 2", e.Index)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live entry")
	}
}

func TestCompactRetainsAccordingToPolicy(t *testing.T) {
	store := newTestStore(t, WithRetentionPolicy(KeepLastN{N: 10}))
	ctx := context.Background()
	id := testWorker("w1")

	const n = chunkSize * 2
	for i := 0; i < n; i++ {
		if _, err := store.Append(ctx, id, Entry{Kind: KindLog, Log: &LogPayload{Message: "x"}}, DurableOnly); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	if err := store.Compact(ctx, id); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if _, err := store.Read(ctx, id, 1, 0); err == nil {
		t.Fatal("Read of reclaimed range: want error, got nil")
	} else if !golemerr.Is(err, golemerr.KindInvalidRequest) {
		t.Fatalf("Read of reclaimed range: got %v, want KindInvalidRequest", err)
	}

	last, err := store.LastIndex(ctx, id)
	if err != nil {
		t.Fatalf("LastIndex: %v", err)
	}
	entries, err := store.Read(ctx, id, last, 0)
	if err != nil {
		t.Fatalf("Read of retained tail: %v", err)
	}
	if len(entries) != 1 || entries[0].Index != last {
		t.Fatalf("Read of retained tail: got %+v", entries)
	}
}
