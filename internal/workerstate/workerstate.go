// Package workerstate derives a worker's current Metadata from its oplog.
// Project is a pure function: the same entry slice always folds to the same
// Metadata, and nothing in this package holds state of its own. This keeps
// the state machine described in spec.md §4.1 honest as "a projection over
// the oplog, never a second source of truth" — every other component that
// wants to know a worker's status calls Project instead of caching one.
package workerstate

import (
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/worker"
)

// Project folds entries (already in ascending Index order, already resolved
// past any Jump the caller wants reflected) into the worker's current
// Metadata.
func Project(id worker.ID, entries []oplog.Entry) worker.Metadata {
	md := worker.Metadata{ID: id, Status: worker.StatusIdle}
	pending := 0

	for _, e := range entries {
		md.LastOplogIndex = uint64(e.Index)
		if md.CreatedAt.IsZero() {
			md.CreatedAt = e.Timestamp
		}
		md.UpdatedAt = e.Timestamp

		switch e.Kind {
		case oplog.KindCreate:
			md.CurrentRevision = e.Create.Revision
			md.Status = worker.StatusIdle

		case oplog.KindInvocationStart:
			pending++
			md.Status = worker.StatusRunning

		case oplog.KindInvocationFinished:
			if pending > 0 {
				pending--
			}
			switch {
			case e.InvocationFinished.Trap != nil:
				md.Status = worker.StatusFailed
				md.LastError = e.InvocationFinished.Trap.Message
				md.RetryCount++
			case pending == 0:
				md.Status = worker.StatusIdle
			}

		case oplog.KindSuspend:
			md.Status = worker.StatusSuspended

		case oplog.KindResume:
			if pending > 0 {
				md.Status = worker.StatusRunning
			} else {
				md.Status = worker.StatusIdle
			}

		case oplog.KindUpdateTo:
			rev := e.UpdateTo.TargetRevision
			md.PendingUpdate = &rev
			md.Status = worker.StatusUpdating

		case oplog.KindUpdateCompleted:
			if md.PendingUpdate != nil {
				md.CurrentRevision = *md.PendingUpdate
				md.PendingUpdate = nil
			}
			md.Status = worker.StatusIdle

		case oplog.KindUpdateFailed:
			md.PendingUpdate = nil
			md.Status = worker.StatusFailed
			if e.UpdateFailed != nil {
				md.LastError = e.UpdateFailed.Reason
			}
			md.RetryCount++

		case oplog.KindError:
			md.Status = worker.StatusFailed
			if e.Error != nil {
				md.LastError = e.Error.Trap.Message
			}
			md.RetryCount++

		case oplog.KindExitedCleanly, oplog.KindDeleted:
			md.Status = worker.StatusExited

		// CreatePromise, CompletePromise, Log, StdOut, StdErr,
		// ImportedFunctionInvoked, Jump, and ManualOverride are all
		// bookkeeping relative to the state machine: they never change
		// Status on their own.
		case oplog.KindCreatePromise, oplog.KindCompletePromise,
			oplog.KindLog, oplog.KindStdOut, oplog.KindStdErr,
			oplog.KindImportedFunctionInvoked, oplog.KindJump, oplog.KindManualOverride:
		}
	}

	md.PendingInvocations = pending
	return md
}

// IsDeleted reports whether entries' most recent incarnation ended with an
// operator DeleteWorker rather than a guest KindExitedCleanly (spec.md §6:
// "DeleteWorker: terminal; any future read of this WorkerId fails with
// NotFound"). It resets at every KindCreate, the same way Project's Status
// does, so a Create/Delete/Create cycle reports the new incarnation as not
// deleted.
func IsDeleted(entries []oplog.Entry) bool {
	deleted := false
	for _, e := range entries {
		switch e.Kind {
		case oplog.KindCreate:
			deleted = false
		case oplog.KindDeleted:
			deleted = true
		}
	}
	return deleted
}

// IsTerminal reports whether a worker in this status can never transition
// again without a structural operation (Fork/Rewind/Playback) creating a
// fresh history.
func IsTerminal(s worker.Status) bool {
	return s == worker.StatusExited
}

// CanAcceptInvocation reports whether the invocation dispatcher may enqueue
// a new call against a worker in this status. Suspended and Updating
// workers still accept invocations; they queue until the worker resumes or
// the update completes.
func CanAcceptInvocation(s worker.Status) bool {
	return s != worker.StatusExited
}

// CanUpdate reports whether UpdateTo may be appended for a worker in this
// status. A worker already mid-update cannot be handed a second pending
// target; it must finish (or fail) the first.
func CanUpdate(s worker.Status) bool {
	return s != worker.StatusExited && s != worker.StatusUpdating
}
