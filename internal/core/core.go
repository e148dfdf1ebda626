// Package core implements the single external-facing facade of spec.md §6:
// Executor, the only type a service layer (CLI, HTTP, gRPC — all out of
// scope here) ever calls into. It wires together oplog, workerstate,
// activeset, invocation, promise, structural, runtime, and componentstore
// behind operations named directly after spec.md's external interface
// list, the way the teacher's internal/executor.Executor is the single
// entry point an API handler calls into rather than touching pool/store
// directly.
package core

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golem-project/worker-executor/internal/activeset"
	"github.com/golem-project/worker-executor/internal/componentstore"
	"github.com/golem-project/worker-executor/internal/durable"
	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/invocation"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/promise"
	"github.com/golem-project/worker-executor/internal/runtime"
	"github.com/golem-project/worker-executor/internal/structural"
	"github.com/golem-project/worker-executor/internal/timerwheel"
	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
	"github.com/golem-project/worker-executor/internal/workerstate"
)

// Logger is the small ambient-logging seam Executor calls into for
// fire-and-forget Invoke failures it has nowhere else to report. Kept as an
// interface, mirroring durable.Recorder/durable.SpanStarter, so core never
// imports internal/logging directly.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

var (
	errNoRuntimeManager = errors.New("no runtime manager configured (see WithRuntimeManager)")
	errNoComponentStore = errors.New("no component store configured (see WithComponentStore)")
)

// Executor is the zero value is not usable; always construct via New.
type Executor struct {
	store       oplog.Store
	set         *activeset.Set
	components  componentstore.Store
	runtimeMgr  *runtime.Manager
	dispatcher  *invocation.Dispatcher
	promises    *promise.Store
	searchIndex oplog.SearchIndex
	timers      *timerwheel.Wheel
	logger      Logger

	durableRecorder durable.Recorder
	durableSpans    durable.SpanStarter

	inflight sync.WaitGroup
	closing  atomic.Bool
}

// New creates a ready-to-use Executor over store and set. maxInFlight
// bounds per-worker concurrent invocations (0 means unbounded); a
// componentstore.Store and runtime.Manager must be supplied via
// WithComponentStore/WithRuntimeManager before Invoke or InvokeAndAwait can
// actually start a process (CreateWorker never starts one), mirroring the teacher's pattern of defaulting
// optional collaborators (WithLogSink) while leaving required ones to
// panic loudly, or here, to fail with a descriptive error at call time.
func New(store oplog.Store, set *activeset.Set, maxInFlight int, opts ...Option) *Executor {
	e := &Executor{
		store:      store,
		set:        set,
		dispatcher: invocation.NewDispatcher(store, maxInFlight),
		promises:   promise.NewStore(store),
		logger:     noopLogger{},
	}
	e.timers = timerwheel.New(e.onWake)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) drainGuard(op string) error {
	if e.closing.Load() {
		return golemerr.InvalidRequest(op, "executor is shutting down")
	}
	return nil
}

// GracefulShutdown marks the executor as draining (rejecting new calls)
// and blocks until every in-flight Invoke/InvokeAndAwait call returns.
func (e *Executor) GracefulShutdown(ctx context.Context) error {
	e.closing.Store(true)
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return golemerr.New("core.GracefulShutdown", golemerr.KindCancelled, ctx.Err())
	}
}

// CreateWorker appends the Create entry that begins id's oplog. It
// succeeds if id has no history yet, or if its most recent incarnation
// reached worker.StatusExited (spec.md: "Create/Delete/Create of the same
// worker_name succeeds only if Delete has completed").
func (e *Executor) CreateWorker(ctx context.Context, id worker.ID, revision worker.ComponentRevision, args []string, env map[string]string, wasi worker.WasiConfig) error {
	if err := e.drainGuard("core.CreateWorker"); err != nil {
		return err
	}
	raw, err := e.store.Read(ctx, id, 1, 0)
	if err != nil {
		return golemerr.New("core.CreateWorker", golemerr.KindStorageFailure, err)
	}
	if len(raw) > 0 {
		md := workerstate.Project(id, structural.EffectiveEntries(raw))
		if md.Status != worker.StatusExited {
			return golemerr.AlreadyExists("core.CreateWorker", "worker "+id.String()+" already exists and has not been deleted")
		}
	}
	_, err = e.store.Append(ctx, id, oplog.Entry{
		Kind: oplog.KindCreate,
		Create: &oplog.CreatePayload{
			Revision:   revision,
			Args:       args,
			Env:        env,
			Wasi:       wasi,
			WorkerName: id.Name,
		},
	}, oplog.Immediate)
	if err != nil {
		return golemerr.New("core.CreateWorker", golemerr.KindStorageFailure, err)
	}
	return nil
}

// DeleteWorker stops any active process for id and tombstones it: unlike a
// guest's own KindExitedCleanly, which leaves id's history fully readable,
// a DeleteWorker append is a KindDeleted marker that GetMetadata/ReadOplog/
// SearchOplog all treat as NotFound (spec.md §6: "DeleteWorker: terminal;
// any future read of this WorkerId fails with NotFound"), until a later
// CreateWorker starts a new incarnation.
func (e *Executor) DeleteWorker(ctx context.Context, id worker.ID) error {
	if err := e.drainGuard("core.DeleteWorker"); err != nil {
		return err
	}
	raw, err := e.store.Read(ctx, id, 1, 0)
	if err != nil {
		return golemerr.New("core.DeleteWorker", golemerr.KindStorageFailure, err)
	}
	if len(raw) == 0 {
		return golemerr.NotFound("core.DeleteWorker", "worker "+id.String()+" not found")
	}
	e.set.Remove(id)
	if workerstate.IsDeleted(structural.EffectiveEntries(raw)) {
		return nil
	}
	_, err = e.store.Append(ctx, id, oplog.Entry{Kind: oplog.KindDeleted}, oplog.Immediate)
	if err != nil {
		return golemerr.New("core.DeleteWorker", golemerr.KindStorageFailure, err)
	}
	return nil
}

// readEffective reads id's full effective oplog (Jump-resolved), returning
// golemerr.KindNotFound both when id has no history at all and when its
// current incarnation was tombstoned by DeleteWorker (spec.md §6). Every
// read-side operation (GetMetadata, ReadOplog) goes through this so a
// deleted WorkerId looks identical to an unknown one.
func (e *Executor) readEffective(ctx context.Context, op string, id worker.ID) ([]oplog.Entry, error) {
	raw, err := e.store.Read(ctx, id, 1, 0)
	if err != nil {
		return nil, golemerr.New(op, golemerr.KindStorageFailure, err)
	}
	if len(raw) == 0 {
		return nil, golemerr.NotFound(op, "worker "+id.String()+" not found")
	}
	effective := structural.EffectiveEntries(raw)
	if workerstate.IsDeleted(effective) {
		return nil, golemerr.NotFound(op, "worker "+id.String()+" not found")
	}
	return effective, nil
}

// GetMetadata returns id's current derived state, resolving any Jump
// markers first so a rewound worker reports the state its replay would
// actually produce.
func (e *Executor) GetMetadata(ctx context.Context, id worker.ID) (worker.Metadata, error) {
	effective, err := e.readEffective(ctx, "core.GetMetadata", id)
	if err != nil {
		return worker.Metadata{}, err
	}
	return workerstate.Project(id, effective), nil
}

// ReadOplog returns the raw, unresolved oplog for id, including Jump and
// ManualOverride markers, for audit and debugging. Use Playback instead to
// see the resolved replay sequence.
func (e *Executor) ReadOplog(ctx context.Context, id worker.ID, from oplog.Index, limit int) ([]oplog.Entry, error) {
	if _, err := e.readEffective(ctx, "core.ReadOplog", id); err != nil {
		return nil, err
	}
	entries, err := e.store.Read(ctx, id, from, limit)
	if err != nil {
		return nil, golemerr.New("core.ReadOplog", golemerr.KindStorageFailure, err)
	}
	return entries, nil
}

// SearchOplog delegates to the configured secondary index, then drops any
// result belonging to a worker that has since been tombstoned by
// DeleteWorker: the secondary index is only refreshed on Append (see
// oplog.SearchIndex.Index) and is never told about a later delete, so a
// deleted worker's entries could otherwise still surface in search results
// even though GetMetadata/ReadOplog would report it NotFound.
func (e *Executor) SearchOplog(ctx context.Context, query oplog.SearchQuery) ([]oplog.SearchResult, error) {
	if e.searchIndex == nil {
		return nil, golemerr.InvalidRequest("core.SearchOplog", "no search index configured")
	}
	results, err := e.searchIndex.Search(ctx, query)
	if err != nil {
		return nil, golemerr.New("core.SearchOplog", golemerr.KindStorageFailure, err)
	}

	deleted := make(map[worker.ID]bool)
	filtered := results[:0]
	for _, r := range results {
		wasDeleted, known := deleted[r.WorkerID]
		if !known {
			raw, err := e.store.Read(ctx, r.WorkerID, 1, 0)
			if err != nil {
				return nil, golemerr.New("core.SearchOplog", golemerr.KindStorageFailure, err)
			}
			wasDeleted = workerstate.IsDeleted(structural.EffectiveEntries(raw))
			deleted[r.WorkerID] = wasDeleted
		}
		if !wasDeleted {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// CompletePromise resolves a promise created by the guest, waking any
// Await call blocked on it in this or another executor process.
func (e *Executor) CompletePromise(ctx context.Context, id worker.ID, promiseID string, payload []byte) error {
	return e.promises.Complete(ctx, id, promiseID, payload)
}

// Fork copies source's oplog prefix into an empty target worker.
func (e *Executor) Fork(ctx context.Context, source worker.ID, upTo oplog.Index, target worker.ID) error {
	return structural.Fork(ctx, e.store, source, upTo, target)
}

// Rewind appends a Jump marker redirecting id's replay back to index to.
func (e *Executor) Rewind(ctx context.Context, id worker.ID, to oplog.Index, opts structural.RewindOptions) error {
	if err := e.drainGuard("core.Rewind"); err != nil {
		return err
	}
	e.set.Remove(id)
	return structural.Rewind(ctx, e.store, id, to, opts)
}

// Playback returns the resolved replay sequence for id, with ManualOverride
// substitutions applied.
func (e *Executor) Playback(ctx context.Context, id worker.ID, upTo oplog.Index, debugOverrides map[oplog.Index]oplog.Entry) ([]oplog.Entry, error) {
	return structural.Playback(ctx, e.store, id, upTo, debugOverrides)
}

// ManualOverride persists a debug substitution for a single oplog index.
func (e *Executor) ManualOverride(ctx context.Context, id worker.ID, targetIndex oplog.Index, substitute oplog.Entry) error {
	return structural.ManualOverride(ctx, e.store, id, targetIndex, substitute)
}

// ConnectWorker streams id's full oplog history followed by live appends.
// It returns a Go channel rather than a network stream: transports are out
// of scope (spec.md §1), and any transport layer built on top of core can
// forward this channel however it likes.
func (e *Executor) ConnectWorker(ctx context.Context, id worker.ID) (<-chan oplog.Entry, func(), error) {
	return e.store.Subscribe(ctx, id, 1)
}

// SleepUntil suspends id, evicting it from the active set, and schedules a
// wake-up for wakeAt on the executor's timerwheel.Wheel (spec.md §4.5:
// "Timer wheel: keyed on (wake_at_instant, worker_id)"). It is the durable
// counterpart of a guest's sleep-until call: the Suspend entry records why
// the worker stopped running, and the wheel is what actually resumes it,
// even across a process restart that replays the wheel from persisted
// Suspend entries (see RunTimers).
func (e *Executor) SleepUntil(ctx context.Context, id worker.ID, wakeAt time.Time) error {
	if err := e.drainGuard("core.SleepUntil"); err != nil {
		return err
	}
	_, err := e.store.Append(ctx, id, oplog.Entry{
		Kind:    oplog.KindSuspend,
		Suspend: &oplog.SuspendPayload{WakeEvent: "timer:" + wakeAt.Format(time.RFC3339)},
	}, oplog.Immediate)
	if err != nil {
		return golemerr.New("core.SleepUntil", golemerr.KindStorageFailure, err)
	}
	e.set.Remove(id)
	e.timers.Schedule(id, wakeAt)
	return nil
}

// onWake is timerwheel.OnFire: it appends the Resume entry that transitions
// a sleeping worker back to Running once its deadline arrives. The next
// Invoke re-admits it into the active set and replays normally.
func (e *Executor) onWake(ctx context.Context, id worker.ID) {
	_, err := e.store.Append(ctx, id, oplog.Entry{Kind: oplog.KindResume}, oplog.Immediate)
	if err != nil {
		e.logger.Error("core: failed to record timer resume", "worker", id.String(), "err", err)
	}
}

// RunTimers drives the executor's timerwheel.Wheel until ctx is done,
// firing onWake for every worker whose SleepUntil deadline has passed.
// Callers that never call SleepUntil can skip calling this too.
func (e *Executor) RunTimers(ctx context.Context) {
	e.timers.Run(ctx)
}

// InvokeAndAwait runs req synchronously: it blocks until the guest function
// returns, traps, or the dispatcher short-circuits on a repeated
// idempotency key.
func (e *Executor) InvokeAndAwait(ctx context.Context, req invocation.Request) (invocation.Result, error) {
	if err := e.drainGuard("core.InvokeAndAwait"); err != nil {
		return invocation.Result{}, err
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	return e.dispatcher.Invoke(ctx, req, func(ctx context.Context) (wire.Payload, *oplog.TrapInfo, error) {
		return e.runGuest(ctx, req.WorkerID, req.Function, req.Arguments)
	})
}

// Invoke admits req and runs it on a detached context, returning as soon as
// the call is accepted rather than waiting for completion. Failures that
// happen after admission are only visible through GetMetadata/ReadOplog and
// a best-effort log line; there is no synchronous error channel by design.
func (e *Executor) Invoke(ctx context.Context, req invocation.Request) error {
	if err := e.drainGuard("core.Invoke"); err != nil {
		return err
	}
	if _, err := e.GetMetadata(ctx, req.WorkerID); err != nil {
		return err
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		bg := context.Background()
		if _, err := e.dispatcher.Invoke(bg, req, func(ctx context.Context) (wire.Payload, *oplog.TrapInfo, error) {
			return e.runGuest(ctx, req.WorkerID, req.Function, req.Arguments)
		}); err != nil {
			e.logger.Error("async invocation failed", "worker", req.WorkerID.String(), "function", req.Function, "error", err)
		}
	}()
	return nil
}

// runGuest acquires (or cold-starts) the active worker process and
// forwards the call to it.
func (e *Executor) runGuest(ctx context.Context, id worker.ID, function string, args wire.Payload) (wire.Payload, *oplog.TrapInfo, error) {
	aw, err := e.set.Acquire(ctx, id, func(ctx context.Context) (activeset.Handle, error) {
		return e.startHandle(ctx, id)
	})
	if err != nil {
		return wire.Payload{}, nil, err
	}
	value, trap, err := aw.Handle.Invoke(ctx, function, args, e.hostCallFor(id))
	if err != nil {
		e.set.Remove(id)
		return wire.Payload{}, nil, err
	}
	return value, trap, nil
}

// hostCallFor builds the durable.HostCallFunc a single Invoke's runtime
// Handle uses to route a guest's durable host-function calls (spec.md
// §4.3) back through durable.Wrap, so the oplog entry each call leaves
// behind is what a later replay of this worker answers with instead of
// re-running the effect.
func (e *Executor) hostCallFor(id worker.ID) durable.HostCallFunc {
	var opts []durable.Option
	if e.durableRecorder != nil {
		opts = append(opts, durable.WithRecorder(e.durableRecorder))
	}
	if e.durableSpans != nil {
		opts = append(opts, durable.WithSpanStarter(e.durableSpans))
	}
	cursor := durable.NewLiveCursor(e.store, id, opts...)
	return durable.LiveHostCall(cursor, e.hostEffect)
}

// hostEffect is the built-in Effect for the small set of host functions
// this executor knows how to perform itself (spec.md §4.2's ReadLocal
// examples: "clock, random seed draw, environment variable"). A functionID
// it does not recognize is treated as already computed by the guest side
// of the call: Wrap's job there is only to persist it for replay, not to
// recompute it.
func (e *Executor) hostEffect(ctx context.Context, functionID string, wrapType oplog.WrapType, req wire.Payload) (wire.Payload, error) {
	switch functionID {
	case "golem:api/get-current-time":
		return wire.EncodePayload(functionID, time.Now().UTC())
	case "golem:api/get-random-bytes":
		var args struct {
			Count int `msgpack:"count"`
		}
		if err := wire.DecodePayload(req, &args); err != nil {
			return wire.Payload{}, golemerr.InvalidRequest("core.hostEffect", "malformed get-random-bytes request")
		}
		if args.Count <= 0 || args.Count > 1<<20 {
			return wire.Payload{}, golemerr.InvalidRequest("core.hostEffect", "get-random-bytes count out of range")
		}
		buf := make([]byte, args.Count)
		if _, err := rand.Read(buf); err != nil {
			return wire.Payload{}, golemerr.New("core.hostEffect", golemerr.KindUnexpectedInternal, err)
		}
		return wire.EncodePayload(functionID, buf)
	default:
		return req, nil
	}
}

func (e *Executor) startHandle(ctx context.Context, id worker.ID) (activeset.Handle, error) {
	if e.runtimeMgr == nil {
		return nil, golemerr.New("core.startHandle", golemerr.KindUnexpectedInternal, errNoRuntimeManager)
	}
	if e.components == nil {
		return nil, golemerr.New("core.startHandle", golemerr.KindUnexpectedInternal, errNoComponentStore)
	}

	raw, err := e.store.Read(ctx, id, 1, 0)
	if err != nil {
		return nil, golemerr.New("core.startHandle", golemerr.KindStorageFailure, err)
	}
	if len(raw) == 0 {
		return nil, golemerr.NotFound("core.startHandle", "worker "+id.String()+" not found")
	}
	effective := structural.EffectiveEntries(raw)
	md := workerstate.Project(id, effective)
	if !workerstate.CanAcceptInvocation(md.Status) {
		return nil, golemerr.InvalidRequest("core.startHandle", "worker "+id.String()+" cannot accept invocations in status "+string(md.Status))
	}

	var wasi worker.WasiConfig
	for _, e2 := range effective {
		if e2.Kind == oplog.KindCreate {
			wasi = e2.Create.Wasi
		}
	}

	data, err := e.components.Get(ctx, id.ComponentID, md.CurrentRevision)
	if err != nil {
		return nil, err
	}
	handle, err := e.runtimeMgr.Start(ctx, id, md.CurrentRevision, data, wasi)
	if err != nil {
		return nil, golemerr.New("core.startHandle", golemerr.KindUnexpectedInternal, err)
	}
	return handle, nil
}
