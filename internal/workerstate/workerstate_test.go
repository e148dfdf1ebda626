package workerstate

import (
	"testing"
	"time"

	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/worker"
)

func at(seconds int) time.Time {
	return time.Unix(int64(seconds), 0).UTC()
}

func TestProjectIdleAfterCreate(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1, WorkerName: "w1"}},
	}
	md := Project(id, entries)
	if md.Status != worker.StatusIdle {
		t.Fatalf("Status = %v, want idle", md.Status)
	}
	if md.CurrentRevision != 1 {
		t.Fatalf("CurrentRevision = %v, want 1", md.CurrentRevision)
	}
}

func TestProjectRunningThenIdle(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindInvocationStart, Timestamp: at(2), InvocationStart: &oplog.InvocationStartPayload{Function: "f"}},
	}
	md := Project(id, entries)
	if md.Status != worker.StatusRunning || md.PendingInvocations != 1 {
		t.Fatalf("got status %v pending %d, want running/1", md.Status, md.PendingInvocations)
	}

	entries = append(entries, oplog.Entry{
		Index: 3, Kind: oplog.KindInvocationFinished, Timestamp: at(3),
		InvocationFinished: &oplog.InvocationFinishedPayload{},
	})
	md = Project(id, entries)
	if md.Status != worker.StatusIdle || md.PendingInvocations != 0 {
		t.Fatalf("got status %v pending %d, want idle/0", md.Status, md.PendingInvocations)
	}
}

func TestProjectTrapMarksFailed(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindInvocationStart, Timestamp: at(2), InvocationStart: &oplog.InvocationStartPayload{Function: "f"}},
		{Index: 3, Kind: oplog.KindInvocationFinished, Timestamp: at(3), InvocationFinished: &oplog.InvocationFinishedPayload{
			Trap: &oplog.TrapInfo{Message: "divide by zero"},
		}},
	}
	md := Project(id, entries)
	if md.Status != worker.StatusFailed {
		t.Fatalf("Status = %v, want failed", md.Status)
	}
	if md.LastError != "divide by zero" {
		t.Fatalf("LastError = %q", md.LastError)
	}
	if md.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", md.RetryCount)
	}
}

func TestProjectSuspendResume(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindInvocationStart, Timestamp: at(2), InvocationStart: &oplog.InvocationStartPayload{Function: "f"}},
		{Index: 3, Kind: oplog.KindSuspend, Timestamp: at(3), Suspend: &oplog.SuspendPayload{WakeEvent: "promise:p1"}},
	}
	md := Project(id, entries)
	if md.Status != worker.StatusSuspended {
		t.Fatalf("Status = %v, want suspended", md.Status)
	}

	entries = append(entries, oplog.Entry{Index: 4, Kind: oplog.KindResume, Timestamp: at(4)})
	md = Project(id, entries)
	if md.Status != worker.StatusRunning {
		t.Fatalf("Status = %v, want running (invocation still pending)", md.Status)
	}
}

func TestProjectUpdateLifecycle(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	base := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindUpdateTo, Timestamp: at(2), UpdateTo: &oplog.UpdateToPayload{TargetRevision: 2, UpdateMode: oplog.UpdateModeAuto}},
	}
	md := Project(id, base)
	if md.Status != worker.StatusUpdating || md.PendingUpdate == nil || *md.PendingUpdate != 2 {
		t.Fatalf("got %+v, want updating with pending revision 2", md)
	}
	if !CanAcceptInvocation(md.Status) {
		t.Fatal("CanAcceptInvocation(updating) = false, want true")
	}
	if CanUpdate(md.Status) {
		t.Fatal("CanUpdate(updating) = true, want false (already mid-update)")
	}

	completed := append(base, oplog.Entry{Index: 3, Kind: oplog.KindUpdateCompleted, Timestamp: at(3)})
	md = Project(id, completed)
	if md.Status != worker.StatusIdle || md.CurrentRevision != 2 || md.PendingUpdate != nil {
		t.Fatalf("got %+v, want idle at revision 2 with no pending update", md)
	}

	failed := append(base, oplog.Entry{Index: 3, Kind: oplog.KindUpdateFailed, Timestamp: at(3), UpdateFailed: &oplog.UpdateFailedPayload{Reason: "incompatible snapshot"}})
	md = Project(id, failed)
	if md.Status != worker.StatusFailed || md.CurrentRevision != 1 || md.PendingUpdate != nil {
		t.Fatalf("got %+v, want failed, revision rolled back to 1", md)
	}
}

func TestProjectExitedIsTerminal(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindExitedCleanly, Timestamp: at(2)},
	}
	md := Project(id, entries)
	if !IsTerminal(md.Status) {
		t.Fatalf("IsTerminal(%v) = false, want true", md.Status)
	}
	if CanAcceptInvocation(md.Status) {
		t.Fatal("CanAcceptInvocation(exited) = true, want false")
	}
}

func TestProjectDeletedIsTerminalAndIsDeleted(t *testing.T) {
	id := worker.ID{ComponentID: "c1", Name: "w1"}
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindDeleted, Timestamp: at(2)},
	}
	md := Project(id, entries)
	if !IsTerminal(md.Status) {
		t.Fatalf("IsTerminal(%v) = false, want true", md.Status)
	}
	if !IsDeleted(entries) {
		t.Fatal("IsDeleted = false, want true")
	}
}

func TestIsDeletedResetsOnRecreate(t *testing.T) {
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindDeleted, Timestamp: at(2)},
		{Index: 3, Kind: oplog.KindCreate, Timestamp: at(3), Create: &oplog.CreatePayload{Revision: 2}},
	}
	if IsDeleted(entries) {
		t.Fatal("IsDeleted = true after recreate, want false")
	}
}

func TestIsDeletedFalseForGuestExit(t *testing.T) {
	entries := []oplog.Entry{
		{Index: 1, Kind: oplog.KindCreate, Timestamp: at(1), Create: &oplog.CreatePayload{Revision: 1}},
		{Index: 2, Kind: oplog.KindExitedCleanly, Timestamp: at(2)},
	}
	if IsDeleted(entries) {
		t.Fatal("IsDeleted = true for guest ExitedCleanly, want false")
	}
}
