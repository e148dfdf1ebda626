package core

import (
	"github.com/golem-project/worker-executor/internal/componentstore"
	"github.com/golem-project/worker-executor/internal/durable"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/runtime"
	"github.com/golem-project/worker-executor/internal/timerwheel"
)

// Option configures an Executor at construction time, following the
// teacher's internal/executor.Option (func(*Executor)) convention.
type Option func(*Executor)

// WithComponentStore supplies the blob-storage adapter Invoke/InvokeAndAwait
// fetch component binaries through when they admit a worker. Required before
// any worker can
// actually start a process.
func WithComponentStore(store componentstore.Store) Option {
	return func(e *Executor) { e.components = store }
}

// WithRuntimeManager supplies the subprocess manager used to start worker
// processes. Required before any worker can actually start a process.
func WithRuntimeManager(mgr *runtime.Manager) Option {
	return func(e *Executor) { e.runtimeMgr = mgr }
}

// WithSearchIndex wires a secondary oplog index for SearchOplog.
func WithSearchIndex(index oplog.SearchIndex) Option {
	return func(e *Executor) { e.searchIndex = index }
}

// WithLogger overrides the logger Invoke uses to report fire-and-forget
// failures. Defaults to a no-op.
func WithLogger(logger Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithDurableRecorder wires the Recorder every durable host-function call
// reports its outcome to (internal/metrics.Metrics satisfies this).
// Defaults to a no-op inside internal/durable.
func WithDurableRecorder(r durable.Recorder) Option {
	return func(e *Executor) { e.durableRecorder = r }
}

// WithDurableSpanStarter wires the SpanStarter every durable host-function
// call wraps its execution in (internal/telemetry.Provider satisfies
// this). Defaults to a no-op inside internal/durable.
func WithDurableSpanStarter(s durable.SpanStarter) Option {
	return func(e *Executor) { e.durableSpans = s }
}

// WithTimerWheel overrides the default timerwheel.Wheel SleepUntil
// schedules wake-ups on. Mainly useful in tests that want to observe or
// fast-forward wake-ups directly; production callers can leave the
// default (wired to the executor's own onWake) in place.
func WithTimerWheel(w *timerwheel.Wheel) Option {
	return func(e *Executor) { e.timers = w }
}
