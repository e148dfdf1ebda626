// Package structural implements the four structural oplog operations from
// spec.md §4.7: Fork (copy a prefix of one worker's oplog into a new
// worker), Rewind (append a Jump marker so replay skips a rolled-back
// segment, never deleting history), Playback (deterministic replay with
// per-index overrides), and ManualOverride (debug substitution of a single
// entry's payload). Boundary validation follows
// internal/workflow/dag.go's ValidateDAG style: a pure function that
// collects a descriptive error before any mutation is attempted.
package structural

import (
	"context"
	"fmt"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
)

// ValidateBoundary reports whether index `at` falls on an invocation
// boundary within entries — i.e. no InvocationStart before or at `at` is
// still missing its InvocationFinished. Fork and Rewind both require this;
// cutting or jumping into the middle of an in-flight durable call would
// leave a replay with no way to re-synthesize the host-function responses
// the guest already consumed.
func ValidateBoundary(entries []oplog.Entry, at oplog.Index) error {
	depth := 0
	for _, e := range entries {
		if e.Index > at {
			break
		}
		switch e.Kind {
		case oplog.KindInvocationStart:
			depth++
		case oplog.KindInvocationFinished:
			depth--
		}
	}
	if depth != 0 {
		return fmt.Errorf("index %d falls inside an in-flight invocation (depth %d); structural operations must target an invocation boundary", at, depth)
	}
	return nil
}

// EffectiveEntries resolves Jump markers into the entry sequence a replay
// or projection should actually see: for every Jump{From, To}, every entry
// with From >= Index > To is dropped, because it was rolled back by that
// jump. History itself is never deleted from the store; this function only
// computes the view a reader should fold over.
func EffectiveEntries(all []oplog.Entry) []oplog.Entry {
	effective := make([]oplog.Entry, 0, len(all))
	for _, e := range all {
		if e.Kind == oplog.KindJump {
			cut := len(effective)
			for cut > 0 && effective[cut-1].Index > e.Jump.To {
				cut--
			}
			effective = effective[:cut]
			continue
		}
		effective = append(effective, e)
	}
	return effective
}

// Fork copies source's oplog up to and including upTo into target, which
// must not already have any history. The copied Create entry's WorkerName
// is rewritten to target.Name so a later projection of target's oplog
// reports its own identity, not source's.
func Fork(ctx context.Context, store oplog.Store, source worker.ID, upTo oplog.Index, target worker.ID) error {
	targetLast, err := store.LastIndex(ctx, target)
	if err != nil {
		return golemerr.New("structural.Fork", golemerr.KindStorageFailure, err)
	}
	if targetLast != 0 {
		return golemerr.AlreadyExists("structural.Fork", fmt.Sprintf("worker %s already has history", target))
	}

	sourceLast, err := store.LastIndex(ctx, source)
	if err != nil {
		return golemerr.New("structural.Fork", golemerr.KindStorageFailure, err)
	}
	if upTo < 1 || upTo > sourceLast {
		return golemerr.InvalidRequest("structural.Fork", fmt.Sprintf("fork point %d is out of range [1,%d]", upTo, sourceLast))
	}

	entries, err := store.Read(ctx, source, 1, 0)
	if err != nil {
		return golemerr.New("structural.Fork", golemerr.KindStorageFailure, err)
	}
	if err := ValidateBoundary(entries, upTo); err != nil {
		return golemerr.InvalidRequest("structural.Fork", err.Error())
	}

	for _, e := range entries {
		if e.Index > upTo {
			break
		}
		copied := e
		copied.Index = 0
		if copied.Kind == oplog.KindCreate {
			rewritten := *copied.Create
			rewritten.WorkerName = target.Name
			copied.Create = &rewritten
		}
		if _, err := store.Append(ctx, target, copied, oplog.Immediate); err != nil {
			return golemerr.New("structural.Fork", golemerr.KindStorageFailure, err)
		}
	}
	return nil
}

// RewindOptions configures Rewind's boundary check.
type RewindOptions struct {
	// AllowMidInvocation opts out of ValidateBoundary, for operators who
	// accept that replaying across an in-flight durable call may not be
	// reproducible. Default false.
	AllowMidInvocation bool
}

// Rewind appends a Jump entry redirecting future replays of id back to
// index `to`. It never truncates or deletes existing entries: the oplog
// stays append-only forever, as spec.md §4.7 requires.
func Rewind(ctx context.Context, store oplog.Store, id worker.ID, to oplog.Index, opts RewindOptions) error {
	last, err := store.LastIndex(ctx, id)
	if err != nil {
		return golemerr.New("structural.Rewind", golemerr.KindStorageFailure, err)
	}
	if to < 1 || to >= last {
		return golemerr.InvalidRequest("structural.Rewind", fmt.Sprintf("rewind target %d must be in [1,%d)", to, last))
	}
	if !opts.AllowMidInvocation {
		entries, err := store.Read(ctx, id, 1, 0)
		if err != nil {
			return golemerr.New("structural.Rewind", golemerr.KindStorageFailure, err)
		}
		if err := ValidateBoundary(entries, to); err != nil {
			return golemerr.InvalidRequest("structural.Rewind", err.Error())
		}
	}
	_, err = store.Append(ctx, id, oplog.Entry{
		Kind: oplog.KindJump,
		Jump: &oplog.JumpPayload{From: last, To: to},
	}, oplog.Immediate)
	if err != nil {
		return golemerr.New("structural.Rewind", golemerr.KindStorageFailure, err)
	}
	return nil
}

// Playback returns the deterministic replay sequence for id up to upTo (0
// means "through the current head"), with ManualOverride substitutions
// applied. debugOverrides lets a caller additionally substitute specific
// indexes for one Playback call without persisting a ManualOverride entry;
// a debug override wins over a persisted one at the same index.
func Playback(ctx context.Context, store oplog.Store, id worker.ID, upTo oplog.Index, debugOverrides map[oplog.Index]oplog.Entry) ([]oplog.Entry, error) {
	raw, err := store.Read(ctx, id, 1, 0)
	if err != nil {
		return nil, golemerr.New("structural.Playback", golemerr.KindStorageFailure, err)
	}
	effective := EffectiveEntries(raw)

	overrides := make(map[oplog.Index]oplog.Entry)
	for _, e := range effective {
		if e.Kind != oplog.KindManualOverride {
			continue
		}
		var substituted oplog.Entry
		if err := wire.DecodePayload(e.ManualOverride.OverridePayload, &substituted); err == nil {
			overrides[e.ManualOverride.TargetIndex] = substituted
		}
	}
	for idx, e := range debugOverrides {
		overrides[idx] = e
	}

	result := make([]oplog.Entry, 0, len(effective))
	for _, e := range effective {
		if upTo > 0 && e.Index > upTo {
			break
		}
		if e.Kind == oplog.KindManualOverride {
			continue
		}
		if sub, ok := overrides[e.Index]; ok {
			sub.Index = e.Index
			result = append(result, sub)
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// ManualOverride persists a debug substitution for targetIndex. It does
// not itself change any projection; Playback (and, through it, core's
// replay path) is what applies the substitution. Per spec.md §4.7, it is
// rejected unless targetIndex names an ImportedFunctionInvoked entry:
// overriding anything else (an InvocationStart, a Create, ...) would let
// Playback substitute a structurally different entry kind at that index
// and corrupt the replay view.
func ManualOverride(ctx context.Context, store oplog.Store, id worker.ID, targetIndex oplog.Index, substitute oplog.Entry) error {
	entries, err := store.Read(ctx, id, 1, 0)
	if err != nil {
		return golemerr.New("structural.ManualOverride", golemerr.KindStorageFailure, err)
	}
	effective := EffectiveEntries(entries)
	var target *oplog.Entry
	for i := range effective {
		if effective[i].Index == targetIndex {
			target = &effective[i]
			break
		}
	}
	if target == nil {
		return golemerr.InvalidRequest("structural.ManualOverride", fmt.Sprintf("index %d does not name an entry in worker %s", targetIndex, id))
	}
	if target.Kind != oplog.KindImportedFunctionInvoked {
		return golemerr.InvalidRequest("structural.ManualOverride", fmt.Sprintf("index %d is a %s entry, not imported_function_invoked", targetIndex, target.Kind))
	}

	payload, err := wire.EncodePayload("oplog.Entry", substitute)
	if err != nil {
		return golemerr.New("structural.ManualOverride", golemerr.KindUnexpectedInternal, err)
	}
	_, err = store.Append(ctx, id, oplog.Entry{
		Kind: oplog.KindManualOverride,
		ManualOverride: &oplog.ManualOverridePayload{
			TargetIndex:     targetIndex,
			OverridePayload: payload,
		},
	}, oplog.Immediate)
	if err != nil {
		return golemerr.New("structural.ManualOverride", golemerr.KindStorageFailure, err)
	}
	return nil
}
