package durable

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/worker"
)

func newTestStore(t *testing.T) *oplog.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	store, err := oplog.NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type echoRequest struct{ Value string }
type echoResponse struct{ Value string }

func TestWrapLiveRecordsAndReplayMatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := worker.ID{ComponentID: "c1", Name: "w1"}

	calls := 0
	effect := func(_ context.Context, req echoRequest) (echoResponse, error) {
		calls++
		return echoResponse{Value: req.Value + "!"}, nil
	}

	live := NewLiveCursor(store, id)
	res, err := Wrap(ctx, live, "echo", oplog.WrapWriteLocal, echoRequest{Value: "hi"}, effect)
	if err != nil {
		t.Fatalf("Wrap (live): %v", err)
	}
	if res.Value != "hi!" {
		t.Fatalf("got %q, want %q", res.Value, "hi!")
	}
	if calls != 1 {
		t.Fatalf("effect called %d times, want 1", calls)
	}

	entries, err := store.Read(ctx, id, 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != oplog.KindImportedFunctionInvoked {
		t.Fatalf("got entries %+v, want one ImportedFunctionInvoked", entries)
	}

	replay := NewReplayCursor(id, entries)
	res2, err := Wrap(ctx, replay, "echo", oplog.WrapWriteLocal, echoRequest{Value: "hi"}, effect)
	if err != nil {
		t.Fatalf("Wrap (replay): %v", err)
	}
	if res2.Value != res.Value {
		t.Fatalf("replay result %q != live result %q", res2.Value, res.Value)
	}
	if calls != 1 {
		t.Fatalf("effect called %d times during replay, want still 1 (not re-executed)", calls)
	}
}

func TestWrapReplayFunctionIDMismatchIsNonDeterminism(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	entries := []oplog.Entry{
		{
			Index: 1, Kind: oplog.KindImportedFunctionInvoked,
			ImportedFunctionInvoked: &oplog.ImportedFunctionInvokedPayload{FunctionID: "other-fn"},
		},
	}
	replay := NewReplayCursor(id, entries)
	_, err := Wrap(context.Background(), replay, "echo", oplog.WrapReadLocal, echoRequest{}, func(context.Context, echoRequest) (echoResponse, error) {
		t.Fatal("effect should not run during replay")
		return echoResponse{}, nil
	})
	if !golemerr.Is(err, golemerr.KindNonDeterminism) {
		t.Fatalf("got %v, want KindNonDeterminism", err)
	}
}

func TestWrapReplayExhaustedIsNonDeterminism(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	replay := NewReplayCursor(id, nil)
	_, err := Wrap(context.Background(), replay, "echo", oplog.WrapReadLocal, echoRequest{}, func(context.Context, echoRequest) (echoResponse, error) {
		t.Fatal("effect should not run during replay")
		return echoResponse{}, nil
	})
	if !golemerr.Is(err, golemerr.KindNonDeterminism) {
		t.Fatalf("got %v, want KindNonDeterminism", err)
	}
	if !replay.Exhausted() {
		t.Fatal("Exhausted() = false for a cursor with no entries")
	}
}

func TestWrapLiveFailureIsNotRecorded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := worker.ID{ComponentID: "c1", Name: "w1"}

	wantErr := errors.New("boom")
	live := NewLiveCursor(store, id)
	_, err := Wrap(ctx, live, "echo", oplog.WrapWriteLocal, echoRequest{Value: "x"}, func(context.Context, echoRequest) (echoResponse, error) {
		return echoResponse{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped %v", err, wantErr)
	}

	last, err := store.LastIndex(ctx, id)
	if err != nil {
		t.Fatalf("LastIndex: %v", err)
	}
	if last != 0 {
		t.Fatalf("LastIndex = %d, want 0 (failed call must not be recorded)", last)
	}
}

func TestWrapRemoteRetriesThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := worker.ID{ComponentID: "c1", Name: "w1"}

	attempts := 0
	live := NewLiveCursor(store, id)
	res, err := Wrap(ctx, live, "remote-echo", oplog.WrapReadRemote, echoRequest{Value: "x"}, func(context.Context, echoRequest) (echoResponse, error) {
		attempts++
		if attempts < 3 {
			return echoResponse{}, errors.New("transient")
		}
		return echoResponse{Value: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if res.Value != "ok" {
		t.Fatalf("got %q, want ok", res.Value)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
