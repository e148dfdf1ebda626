// Package durable implements the host-function wrapper that makes a guest's
// calls into the outside world replayable (spec.md §4.3): in live mode it
// runs the effect and persists request/response bytes to the oplog; in
// replay mode it never runs the effect, it reads the persisted response
// back out. The pipeline shape (pre-flight check, run, encode, persist,
// observe) is grounded on internal/executor/executor.go's Invoke pipeline.
package durable

import (
	"context"
	"errors"
	"time"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
)

// Mode selects whether a Cursor runs effects or replays persisted results.
type Mode int

const (
	ModeLive Mode = iota
	ModeReplay
)

func (m Mode) String() string {
	if m == ModeReplay {
		return "replay"
	}
	return "live"
}

// retryBackoff mirrors the teacher's wasm.Client retry schedule
// ([]time.Duration{10ms, 25ms, 50ms}) for remote durable calls, where a
// transient dial/network failure is worth one retry pass before surfacing
// to the guest as a trap.
var retryBackoff = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond}

// Recorder observes completed durable calls for internal/metrics to turn
// into a histogram, without durable importing metrics directly.
type Recorder interface {
	ObserveDurableCall(functionID string, wrapType oplog.WrapType, mode Mode, duration time.Duration, err error)
}

// SpanStarter lets internal/telemetry wrap each durable call in a trace
// span, without durable importing telemetry directly. end is called with
// the call's outcome when the call finishes.
type SpanStarter interface {
	StartSpan(ctx context.Context, name string) (spanCtx context.Context, end func(err error))
}

type noopRecorder struct{}

func (noopRecorder) ObserveDurableCall(string, oplog.WrapType, Mode, time.Duration, error) {}

type noopSpanStarter struct{}

func (noopSpanStarter) StartSpan(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Cursor threads a single invocation's durable-call bookkeeping: which
// store and worker to append to in live mode, or which already-recorded
// entries to replay against in replay mode.
type Cursor struct {
	store    oplog.Store
	workerID worker.ID
	mode     Mode
	replay   []oplog.Entry
	pos      int
	rec      Recorder
	spans    SpanStarter
}

type Option func(*Cursor)

func WithRecorder(r Recorder) Option       { return func(c *Cursor) { c.rec = r } }
func WithSpanStarter(s SpanStarter) Option { return func(c *Cursor) { c.spans = s } }

// NewLiveCursor builds a Cursor that executes effects and persists their
// outcome to store.
func NewLiveCursor(store oplog.Store, id worker.ID, opts ...Option) *Cursor {
	c := &Cursor{store: store, workerID: id, mode: ModeLive, rec: noopRecorder{}, spans: noopSpanStarter{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewReplayCursor builds a Cursor that never executes effects, only
// replays the ImportedFunctionInvoked entries already recorded for this
// worker, in order.
func NewReplayCursor(id worker.ID, entries []oplog.Entry, opts ...Option) *Cursor {
	c := &Cursor{workerID: id, mode: ModeReplay, replay: entries, rec: noopRecorder{}, spans: noopSpanStarter{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cursor) Mode() Mode { return c.mode }

// Exhausted reports whether a replay cursor has consumed every recorded
// entry. A live cursor is never exhausted.
func (c *Cursor) Exhausted() bool {
	return c.mode == ModeReplay && c.pos >= len(c.replay)
}

// Position is the number of entries a replay cursor has consumed so far,
// useful for diagnostics when NonDeterminism is returned.
func (c *Cursor) Position() int { return c.pos }

func commitLevelFor(wrapType oplog.WrapType) oplog.CommitLevel {
	switch wrapType {
	case oplog.WrapWriteLocal, oplog.WrapWriteRemote:
		return oplog.Immediate
	default:
		return oplog.DurableOnly
	}
}

func isRemote(wrapType oplog.WrapType) bool {
	return wrapType == oplog.WrapReadRemote || wrapType == oplog.WrapWriteRemote
}

// Wrap executes (or replays) one durable host-function call identified by
// functionID. Req and Res must round-trip through wire.Encode/Decode.
//
// Replay mode never invokes live: it reads the next ImportedFunctionInvoked
// entry, checks its FunctionID against functionID (a mismatch is a
// non-determinism failure, spec.md §4.8), and decodes its recorded response
// straight into Res.
//
// Live mode runs live (retrying with backoff for ReadRemote/WriteRemote
// wrap types only), then appends an ImportedFunctionInvoked entry at the
// commit level the wrap type implies. If live itself returns an error, the
// call is not recorded: there is nothing deterministic to replay, so a
// subsequent attempt (after a crash or suspend/resume) simply re-runs it
// live again.
func Wrap[Req any, Res any](ctx context.Context, c *Cursor, functionID string, wrapType oplog.WrapType, req Req, live func(context.Context, Req) (Res, error)) (Res, error) {
	var zero Res
	start := time.Now()
	spanCtx, end := c.spans.StartSpan(ctx, "durable.Wrap:"+functionID)

	if c.mode == ModeReplay {
		if c.Exhausted() {
			err := golemerr.New("durable.Wrap", golemerr.KindNonDeterminism,
				errors.New("replay exhausted but guest requested another durable call"))
			end(err)
			c.rec.ObserveDurableCall(functionID, wrapType, ModeReplay, time.Since(start), err)
			return zero, err
		}
		entry := c.replay[c.pos]
		c.pos++
		var res Res
		var err error
		switch {
		case entry.ImportedFunctionInvoked == nil:
			err = golemerr.NonDeterminism("durable.Wrap", functionID, "<non-durable-call entry>")
		case entry.ImportedFunctionInvoked.FunctionID != functionID:
			err = golemerr.NonDeterminism("durable.Wrap", functionID, entry.ImportedFunctionInvoked.FunctionID)
		default:
			err = wire.DecodePayload(entry.ImportedFunctionInvoked.Response, &res)
			if err != nil {
				err = golemerr.New("durable.Wrap", golemerr.KindStorageFailure, err)
			}
		}
		end(err)
		c.rec.ObserveDurableCall(functionID, wrapType, ModeReplay, time.Since(start), err)
		if err != nil {
			return zero, err
		}
		return res, nil
	}

	var (
		res Res
		err error
	)
	if isRemote(wrapType) {
		for attempt := 0; ; attempt++ {
			res, err = live(spanCtx, req)
			if err == nil || attempt >= len(retryBackoff) {
				break
			}
			select {
			case <-time.After(retryBackoff[attempt]):
			case <-spanCtx.Done():
				err = golemerr.New("durable.Wrap", golemerr.KindCancelled, spanCtx.Err())
				attempt = len(retryBackoff)
			}
		}
	} else {
		res, err = live(spanCtx, req)
	}
	if err != nil {
		end(err)
		c.rec.ObserveDurableCall(functionID, wrapType, ModeLive, time.Since(start), err)
		return zero, err
	}

	reqPayload, encErr := wire.EncodePayload(functionID, req)
	if encErr != nil {
		end(encErr)
		return zero, golemerr.New("durable.Wrap", golemerr.KindUnexpectedInternal, encErr)
	}
	resPayload, encErr := wire.EncodePayload(functionID, res)
	if encErr != nil {
		end(encErr)
		return zero, golemerr.New("durable.Wrap", golemerr.KindUnexpectedInternal, encErr)
	}
	_, appendErr := c.store.Append(spanCtx, c.workerID, oplog.Entry{
		Kind: oplog.KindImportedFunctionInvoked,
		ImportedFunctionInvoked: &oplog.ImportedFunctionInvokedPayload{
			FunctionID: functionID,
			Request:    reqPayload,
			Response:   resPayload,
			WrapType:   wrapType,
		},
	}, commitLevelFor(wrapType))
	end(appendErr)
	c.rec.ObserveDurableCall(functionID, wrapType, ModeLive, time.Since(start), appendErr)
	if appendErr != nil {
		return zero, golemerr.New("durable.Wrap", golemerr.KindStorageFailure, appendErr)
	}
	return res, nil
}

// HostCallFunc is the seam internal/runtime routes one guest-initiated
// durable host-function call through, so it never needs Wrap's generics or
// a Cursor directly: a raw request payload in, a raw response payload out.
type HostCallFunc func(ctx context.Context, functionID string, wrapType oplog.WrapType, req wire.Payload) (wire.Payload, error)

// Effect performs a durable call's live-mode side effect against an
// already-decoded request payload, e.g. reading the wall clock or drawing
// random bytes for the ReadLocal calls spec.md §4.2 names, or proxying an
// outbound request for a ReadRemote/WriteRemote one. It is never invoked
// in replay mode: Wrap supplies the recorded response instead.
type Effect func(ctx context.Context, functionID string, wrapType oplog.WrapType, req wire.Payload) (wire.Payload, error)

// LiveHostCall adapts a Cursor and an Effect into a HostCallFunc. Req and
// Res are both wire.Payload here, since the caller (an agent subprocess
// speaking generic msgpack frames) never shares a compile-time Go type
// with the host; functionID is what tells a replay cursor whether the
// recorded entry still matches what the guest is asking for now.
func LiveHostCall(c *Cursor, effect Effect) HostCallFunc {
	return func(ctx context.Context, functionID string, wrapType oplog.WrapType, req wire.Payload) (wire.Payload, error) {
		return Wrap(ctx, c, functionID, wrapType, req, func(ctx context.Context, req wire.Payload) (wire.Payload, error) {
			return effect(ctx, functionID, wrapType, req)
		})
	}
}
