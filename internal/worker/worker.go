// Package worker holds the data model shared by every component of the
// durable worker executor: worker identity, component revisions, and the
// WorkerMetadata projection folded out of the oplog. None of these types
// own persistence; they are plain value types passed between oplog,
// workerstate, activeset, and core.
package worker

import "time"

// ID is the stable identity of a worker: a component plus a worker name,
// unique within a deployment for the worker's lifetime.
type ID struct {
	ComponentID string `json:"component_id" msgpack:"component_id"`
	Name        string `json:"name" msgpack:"name"`
}

func (id ID) String() string {
	return id.ComponentID + "/" + id.Name
}

func (id ID) IsZero() bool {
	return id.ComponentID == "" && id.Name == ""
}

// ComponentRevision identifies an immutable compiled WASM component
// version. A worker is created against one revision and may later be
// updated to another; every update is itself an oplog entry.
type ComponentRevision uint64

// Status is the worker's current derived state (spec.md §4.1). It is never
// the source of truth; workerstate.Project always recomputes it from the
// oplog. activeset.ActiveWorker has a slot for a cached copy, which core
// does not fill.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
	StatusExited    Status = "exited"
	StatusUpdating  Status = "updating"
)

// Metadata is the derived projection of a worker's oplog (spec.md §3).
type Metadata struct {
	ID                    ID                `json:"id"`
	Status                Status            `json:"status"`
	LastOplogIndex        uint64            `json:"last_oplog_index"`
	PendingInvocations    int               `json:"pending_invocations"`
	LastError             string            `json:"last_error,omitempty"`
	CurrentRevision       ComponentRevision `json:"current_revision"`
	PendingUpdate         *ComponentRevision `json:"pending_update,omitempty"`
	RetryCount            int               `json:"retry_count"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// WasiConfig is the subset of WASI configuration recorded on worker
// creation: environment variables, preopened directories, and args. It is
// intentionally small; the full surface belongs to the runtime package.
type WasiConfig struct {
	Args    []string          `json:"args,omitempty" msgpack:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" msgpack:"env,omitempty"`
	Preopens map[string]string `json:"preopens,omitempty" msgpack:"preopens,omitempty"`
}
