// Package invocation implements the per-worker FIFO invocation queue and
// dispatcher from spec.md §4.4: idempotency-key short-circuit so a retried
// call never re-executes a guest function, and bounded backpressure so a
// worker with too many in-flight calls rejects new ones instead of
// unbounded queueing. The idempotency lookup pattern is grounded on the
// teacher's EnqueueAsyncInvocationWithIdempotency ("idempotency key -> prior
// result"); the bounded-backpressure error is grounded on
// internal/pool/pool.go's ErrQueueFull/ErrInflightLimit sentinels, mapped
// onto golemerr.KindBusy.
package invocation

import (
	"context"
	"sync"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
)

// Request describes one call to a worker function.
type Request struct {
	WorkerID       worker.ID
	Function       string
	Arguments      wire.Payload
	IdempotencyKey string
	Context        map[string]string
}

// Result is a completed invocation's outcome: exactly one of Value or Trap
// is meaningful, mirroring oplog.InvocationFinishedPayload.
type Result struct {
	Value wire.Payload
	Trap  *oplog.TrapInfo
}

// Execute runs the guest function for an already-admitted invocation. The
// Dispatcher calls it exactly once per non-deduplicated Invoke call, with
// the InvocationStart entry already durable before Execute runs and the
// InvocationFinished entry appended from its return value.
type Execute func(ctx context.Context) (wire.Payload, *oplog.TrapInfo, error)

// Dispatcher serializes invocations per worker (oplog.Store.Append already
// serializes appends per worker; Dispatcher additionally holds the lock for
// the whole Execute call so two concurrent callers can never interleave
// invocations of the same worker) and enforces per-worker backpressure.
type Dispatcher struct {
	store         oplog.Store
	maxInFlight   int
	locksMu       sync.Mutex
	locks         map[string]*sync.Mutex
	inFlightMu    sync.Mutex
	inFlight      map[string]int
}

func NewDispatcher(store oplog.Store, maxInFlightPerWorker int) *Dispatcher {
	return &Dispatcher{
		store:       store,
		maxInFlight: maxInFlightPerWorker,
		locks:       make(map[string]*sync.Mutex),
		inFlight:    make(map[string]int),
	}
}

func (d *Dispatcher) lockFor(id worker.ID) *sync.Mutex {
	key := id.String()
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	return l
}

// Invoke admits req, short-circuiting if its IdempotencyKey already
// completed, otherwise appending InvocationStart, running execute, and
// appending InvocationFinished (or Error, if execute itself failed rather
// than the guest trapping).
func (d *Dispatcher) Invoke(ctx context.Context, req Request, execute Execute) (Result, error) {
	if req.IdempotencyKey != "" {
		if res, ok, err := d.findCompleted(ctx, req.WorkerID, req.IdempotencyKey); err != nil {
			return Result{}, err
		} else if ok {
			return res, nil
		}
	}

	key := req.WorkerID.String()
	d.inFlightMu.Lock()
	if d.inFlight[key] >= d.maxInFlight && d.maxInFlight > 0 {
		d.inFlightMu.Unlock()
		return Result{}, golemerr.Busy("invocation.Invoke", "worker has reached its maximum in-flight invocation count")
	}
	d.inFlight[key]++
	d.inFlightMu.Unlock()
	defer func() {
		d.inFlightMu.Lock()
		d.inFlight[key]--
		d.inFlightMu.Unlock()
	}()

	lock := d.lockFor(req.WorkerID)
	lock.Lock()
	defer lock.Unlock()

	if req.IdempotencyKey != "" {
		if res, ok, err := d.findCompleted(ctx, req.WorkerID, req.IdempotencyKey); err != nil {
			return Result{}, err
		} else if ok {
			return res, nil
		}
	}

	if _, err := d.store.Append(ctx, req.WorkerID, oplog.Entry{
		Kind: oplog.KindInvocationStart,
		InvocationStart: &oplog.InvocationStartPayload{
			IdempotencyKey: req.IdempotencyKey,
			Function:       req.Function,
			Arguments:      req.Arguments,
			Context:        req.Context,
		},
	}, oplog.Immediate); err != nil {
		return Result{}, golemerr.New("invocation.Invoke", golemerr.KindStorageFailure, err)
	}

	value, trap, execErr := execute(ctx)
	if execErr != nil {
		_, _ = d.store.Append(ctx, req.WorkerID, oplog.Entry{
			Kind:  oplog.KindError,
			Error: &oplog.ErrorPayload{Trap: oplog.TrapInfo{Message: execErr.Error()}},
		}, oplog.Immediate)
		return Result{}, golemerr.New("invocation.Invoke", golemerr.KindUnexpectedInternal, execErr)
	}

	finished := &oplog.InvocationFinishedPayload{Trap: trap}
	if trap == nil {
		finished.Result = &value
	}
	if _, err := d.store.Append(ctx, req.WorkerID, oplog.Entry{
		Kind:               oplog.KindInvocationFinished,
		InvocationFinished: finished,
	}, oplog.Immediate); err != nil {
		return Result{}, golemerr.New("invocation.Invoke", golemerr.KindStorageFailure, err)
	}

	return Result{Value: value, Trap: trap}, nil
}

// findCompleted scans id's oplog for an InvocationStart carrying key,
// returning its paired InvocationFinished result if one exists. Because
// every invocation for a given worker is serialized through Invoke's
// per-worker lock, the first InvocationFinished after a matching Start is
// always that Start's own completion.
func (d *Dispatcher) findCompleted(ctx context.Context, id worker.ID, key string) (Result, bool, error) {
	entries, err := d.store.Read(ctx, id, 1, 0)
	if err != nil {
		return Result{}, false, golemerr.New("invocation.findCompleted", golemerr.KindStorageFailure, err)
	}
	for i, e := range entries {
		if e.Kind != oplog.KindInvocationStart || e.InvocationStart.IdempotencyKey != key {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if entries[j].Kind != oplog.KindInvocationFinished {
				continue
			}
			f := entries[j].InvocationFinished
			var value wire.Payload
			if f.Result != nil {
				value = *f.Result
			}
			return Result{Value: value, Trap: f.Trap}, true, nil
		}
		return Result{}, false, nil
	}
	return Result{}, false, nil
}
