package oplog

import (
	"time"

	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
)

// Index is a monotonically increasing, 1-based, dense oplog position.
// Index 0 is never assigned; it is used as a sentinel meaning "before the
// first entry".
type Index uint64

// Kind enumerates the closed set of oplog entry variants from spec.md §3.
// A new Entry must populate exactly the payload field matching its Kind;
// every other payload field stays nil.
type Kind string

const (
	KindCreate                  Kind = "create"
	KindInvocationStart         Kind = "invocation_start"
	KindInvocationFinished      Kind = "invocation_finished"
	KindImportedFunctionInvoked Kind = "imported_function_invoked"
	KindCreatePromise           Kind = "create_promise"
	KindCompletePromise         Kind = "complete_promise"
	KindSuspend                 Kind = "suspend"
	KindResume                  Kind = "resume"
	KindLog                     Kind = "log"
	KindStdOut                  Kind = "stdout"
	KindStdErr                  Kind = "stderr"
	KindUpdateTo                Kind = "update_to"
	KindUpdateCompleted         Kind = "update_completed"
	KindUpdateFailed            Kind = "update_failed"
	KindError                   Kind = "error"
	KindExitedCleanly           Kind = "exited_cleanly"
	KindJump                    Kind = "jump"
	KindManualOverride          Kind = "manual_override"
	// KindDeleted marks an operator-initiated DeleteWorker, distinct from a
	// guest's own KindExitedCleanly (spec.md §6: "DeleteWorker: terminal;
	// any future read of this WorkerId fails with NotFound"). A guest exit
	// still leaves a readable, inspectable history; a delete tombstones it.
	KindDeleted Kind = "deleted"
)

// WrapType classifies a durable host-function call (spec.md §4.3).
type WrapType string

const (
	WrapReadLocal  WrapType = "read_local"
	WrapWriteLocal WrapType = "write_local"
	WrapReadRemote WrapType = "read_remote"
	WrapWriteRemote WrapType = "write_remote"
)

// CommitLevel selects how aggressively an Append is forced to disk
// (spec.md §4.2).
type CommitLevel string

const (
	// DurableOnly forces to disk only when required for crash-survival;
	// the store may amortize fsyncs across a short batch window.
	DurableOnly CommitLevel = "durable_only"
	// Immediate forces every append to disk before returning.
	Immediate CommitLevel = "immediate"
)

// TrapInfo records a guest WASM trap (spec.md §7 Trap).
type TrapInfo struct {
	Message string `msgpack:"message"`
	Stack   string `msgpack:"stack,omitempty"`
}

type CreatePayload struct {
	Revision worker.ComponentRevision `msgpack:"revision"`
	Args     []string                 `msgpack:"args,omitempty"`
	Env      map[string]string        `msgpack:"env,omitempty"`
	Wasi     worker.WasiConfig        `msgpack:"wasi"`
	// WorkerName is normally redundant with the oplog's own partition key,
	// but Fork rewrites it in the copied Create entry (spec.md §4.7), so it
	// must be carried in the payload, not just implied by storage location.
	WorkerName string `msgpack:"worker_name"`
}

type InvocationStartPayload struct {
	IdempotencyKey string            `msgpack:"idempotency_key,omitempty"`
	Function       string            `msgpack:"function"`
	Arguments      wire.Payload      `msgpack:"arguments"`
	Context        map[string]string `msgpack:"context,omitempty"`
}

type InvocationFinishedPayload struct {
	Result *wire.Payload `msgpack:"result,omitempty"`
	Trap   *TrapInfo     `msgpack:"trap,omitempty"`
}

type ImportedFunctionInvokedPayload struct {
	FunctionID string       `msgpack:"function_id"`
	Request    wire.Payload `msgpack:"request"`
	Response   wire.Payload `msgpack:"response"`
	WrapType   WrapType     `msgpack:"wrap_type"`
}

type CreatePromisePayload struct {
	PromiseID string `msgpack:"promise_id"`
}

type CompletePromisePayload struct {
	PromiseID string `msgpack:"promise_id"`
	Payload   []byte `msgpack:"payload"`
}

type SuspendPayload struct {
	// WakeEvent is one of "timer:<RFC3339 instant>", "promise:<id>", or
	// "external". It is informative only; the scheduler derives its own
	// wake sources from timerwheel/promise registrations, not by parsing
	// this field back out.
	WakeEvent string `msgpack:"wake_event"`
}

type LogPayload struct {
	Level     string    `msgpack:"level"`
	Context   string    `msgpack:"context,omitempty"`
	Message   string    `msgpack:"message"`
	Timestamp time.Time `msgpack:"timestamp"`
}

type StdPayload struct {
	Data []byte `msgpack:"data"`
}

type UpdateMode string

const (
	UpdateModeAuto     UpdateMode = "auto"
	UpdateModeSnapshot UpdateMode = "snapshot"
)

type UpdateToPayload struct {
	TargetRevision worker.ComponentRevision `msgpack:"target_revision"`
	UpdateMode     UpdateMode               `msgpack:"update_mode"`
}

type UpdateFailedPayload struct {
	Reason string `msgpack:"reason"`
}

type ErrorPayload struct {
	Trap TrapInfo `msgpack:"trap"`
}

type JumpPayload struct {
	From Index `msgpack:"from"`
	To   Index `msgpack:"to"`
}

type ManualOverridePayload struct {
	TargetIndex     Index        `msgpack:"target_index"`
	OverridePayload wire.Payload `msgpack:"override_payload"`
}

// Entry is a single tagged-variant record in a worker's oplog.
type Entry struct {
	Index     Index     `msgpack:"index"`
	Kind      Kind      `msgpack:"kind"`
	Timestamp time.Time `msgpack:"timestamp"`

	Create                  *CreatePayload                  `msgpack:"create,omitempty"`
	InvocationStart         *InvocationStartPayload         `msgpack:"invocation_start,omitempty"`
	InvocationFinished      *InvocationFinishedPayload      `msgpack:"invocation_finished,omitempty"`
	ImportedFunctionInvoked *ImportedFunctionInvokedPayload `msgpack:"imported_function_invoked,omitempty"`
	CreatePromise           *CreatePromisePayload           `msgpack:"create_promise,omitempty"`
	CompletePromise         *CompletePromisePayload         `msgpack:"complete_promise,omitempty"`
	Suspend                 *SuspendPayload                 `msgpack:"suspend,omitempty"`
	Log                     *LogPayload                     `msgpack:"log,omitempty"`
	StdOut                  *StdPayload                     `msgpack:"stdout,omitempty"`
	StdErr                  *StdPayload                     `msgpack:"stderr,omitempty"`
	UpdateTo                *UpdateToPayload                `msgpack:"update_to,omitempty"`
	UpdateFailed            *UpdateFailedPayload            `msgpack:"update_failed,omitempty"`
	Error                   *ErrorPayload                   `msgpack:"error,omitempty"`
	Jump                    *JumpPayload                    `msgpack:"jump,omitempty"`
	ManualOverride          *ManualOverridePayload          `msgpack:"manual_override,omitempty"`
}

// Encode/Decode round-trip an Entry through the wire format (spec.md §8:
// encode(entry) |> decode == entry).
func Encode(e Entry) ([]byte, error) { return wire.Encode(e) }
func Decode(b []byte) (Entry, error) {
	var e Entry
	err := wire.Decode(b, &e)
	return e, err
}
