package timerwheel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golem-project/worker-executor/internal/worker"
)

func TestWheelFiresInDeadlineOrder(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	w := New(func(_ context.Context, id worker.ID) {
		mu.Lock()
		fired = append(fired, id.Name)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	now := time.Now()
	w.Schedule(worker.ID{Name: "late"}, now.Add(150*time.Millisecond))
	w.Schedule(worker.ID{Name: "early"}, now.Add(30*time.Millisecond))
	w.Schedule(worker.ID{Name: "mid"}, now.Add(90*time.Millisecond))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(fired)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all fires, got %v", fired)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if fired[0] != "early" || fired[1] != "mid" || fired[2] != "late" {
		t.Fatalf("fire order = %v, want [early mid late]", fired)
	}
}

func TestWheelCancelPreventsFire(t *testing.T) {
	fired := make(chan worker.ID, 1)
	w := New(func(_ context.Context, id worker.ID) { fired <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	id := worker.ID{Name: "cancel-me"}
	w.Schedule(id, time.Now().Add(30*time.Millisecond))
	w.Cancel(id)

	select {
	case got := <-fired:
		t.Fatalf("fired for cancelled schedule: %v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWheelRescheduleReplaces(t *testing.T) {
	fired := make(chan worker.ID, 4)
	w := New(func(_ context.Context, id worker.ID) { fired <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	id := worker.ID{Name: "w1"}
	w.Schedule(id, time.Now().Add(2*time.Second))
	w.Schedule(id, time.Now().Add(20*time.Millisecond))

	if w.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (reschedule should replace, not add)", w.Len())
	}

	select {
	case got := <-fired:
		if got != id {
			t.Fatalf("fired for %v, want %v", got, id)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for rescheduled fire")
	}
}
