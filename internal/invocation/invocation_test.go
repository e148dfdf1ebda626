package invocation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
)

func newTestStore(t *testing.T) *oplog.BoltStore {
	t.Helper()
	store, err := oplog.NewBoltStore(filepath.Join(t.TempDir(), "oplog.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInvokeAppendsStartAndFinished(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, 0)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx := context.Background()

	payload, _ := wire.EncodePayload("add", 3)
	res, err := d.Invoke(ctx, Request{WorkerID: id, Function: "add"}, func(context.Context) (wire.Payload, *oplog.TrapInfo, error) {
		return payload, nil, nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var got int
	if err := wire.DecodePayload(res.Value, &got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got != 3 {
		t.Fatalf("got %d, want 3", got)
	}

	entries, err := store.Read(ctx, id, 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != oplog.KindInvocationStart || entries[1].Kind != oplog.KindInvocationFinished {
		t.Fatalf("got entries %+v, want [Start, Finished]", entries)
	}
}

func TestInvokeIdempotencyKeyShortCircuits(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, 0)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx := context.Background()

	calls := 0
	execute := func(context.Context) (wire.Payload, *oplog.TrapInfo, error) {
		calls++
		payload, _ := wire.EncodePayload("f", calls)
		return payload, nil, nil
	}

	req := Request{WorkerID: id, Function: "f", IdempotencyKey: "key-1"}
	res1, err := d.Invoke(ctx, req, execute)
	if err != nil {
		t.Fatalf("Invoke #1: %v", err)
	}
	res2, err := d.Invoke(ctx, req, execute)
	if err != nil {
		t.Fatalf("Invoke #2: %v", err)
	}
	if calls != 1 {
		t.Fatalf("execute called %d times, want 1", calls)
	}

	var v1, v2 int
	_ = wire.DecodePayload(res1.Value, &v1)
	_ = wire.DecodePayload(res2.Value, &v2)
	if v1 != v2 {
		t.Fatalf("got different results for the same idempotency key: %d vs %d", v1, v2)
	}
}

func TestInvokeTrapRecordsTrapNotError(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, 0)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx := context.Background()

	res, err := d.Invoke(ctx, Request{WorkerID: id, Function: "f"}, func(context.Context) (wire.Payload, *oplog.TrapInfo, error) {
		return wire.Payload{}, &oplog.TrapInfo{Message: "oops"}, nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Trap == nil || res.Trap.Message != "oops" {
		t.Fatalf("got %+v, want trap 'oops'", res)
	}
}

func TestInvokeExecuteErrorAppendsError(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, 0)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx := context.Background()

	wantErr := errors.New("agent unreachable")
	_, err := d.Invoke(ctx, Request{WorkerID: id, Function: "f"}, func(context.Context) (wire.Payload, *oplog.TrapInfo, error) {
		return wire.Payload{}, nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped %v", err, wantErr)
	}

	entries, err := store.Read(ctx, id, 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 || entries[1].Kind != oplog.KindError {
		t.Fatalf("got entries %+v, want [Start, Error]", entries)
	}
}

func TestInvokeBackpressure(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, 1)
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = d.Invoke(ctx, Request{WorkerID: id, Function: "slow"}, func(context.Context) (wire.Payload, *oplog.TrapInfo, error) {
			close(started)
			<-release
			return wire.Payload{}, nil, nil
		})
	}()
	<-started

	_, err := d.Invoke(ctx, Request{WorkerID: id, Function: "fast"}, func(context.Context) (wire.Payload, *oplog.TrapInfo, error) {
		return wire.Payload{}, nil, nil
	})
	close(release)
	if !golemerr.Is(err, golemerr.KindBusy) {
		t.Fatalf("got %v, want KindBusy", err)
	}
}

func TestInvokeDifferentWorkersDoNotBlockEachOther(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 2; i++ {
		id := worker.ID{ComponentID: "c1", Name: string(rune('a' + i))}
		wg.Add(1)
		go func(id worker.ID) {
			defer wg.Done()
			_, err := d.Invoke(ctx, Request{WorkerID: id, Function: "f"}, func(context.Context) (wire.Payload, *oplog.TrapInfo, error) {
				return wire.Payload{}, nil, nil
			})
			if err == nil {
				successes.Add(1)
			}
		}(id)
	}
	wg.Wait()
	if successes.Load() != 2 {
		t.Fatalf("successes = %d, want 2", successes.Load())
	}
}
