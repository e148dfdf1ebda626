// Package timerwheel implements the one-shot wake-up primitive behind
// suspended workers waiting on a timer (spec.md §4.5: "keyed on
// (wake_at_instant, worker_id)"). It is new relative to the teacher — the
// teacher's own internal/scheduler wraps robfig/cron/v3 for recurring
// schedules, which does not fit a single-deadline wake-up — so this package
// is built on container/heap instead, justified in DESIGN.md.
package timerwheel

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golem-project/worker-executor/internal/worker"
)

type entry struct {
	workerID worker.ID
	wakeAt   time.Time
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].wakeAt.Before(h[j].wakeAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// OnFire is called, once per worker, when its scheduled wake time arrives.
// It is invoked from the Wheel's own goroutine, wrapped in a fresh
// goroutine per firing so one slow callback cannot delay other workers'
// wake-ups.
type OnFire func(ctx context.Context, id worker.ID)

// Wheel is a single earliest-deadline-first queue shared by every
// suspended worker on this node. A single mutex guards the heap; spec.md §5
// suggests a fine-grained lock per bucket, but at the scale of "number of
// concurrently suspended workers on one executor process" a single mutex
// held only for O(log n) heap operations is not a bottleneck, so this is a
// deliberate simplification (documented in DESIGN.md), not a correctness
// shortcut.
type Wheel struct {
	mu     sync.Mutex
	heap   entryHeap
	byID   map[worker.ID]*entry
	wake   chan struct{}
	onFire OnFire
}

func New(onFire OnFire) *Wheel {
	return &Wheel{
		byID:   make(map[worker.ID]*entry),
		wake:   make(chan struct{}, 1),
		onFire: onFire,
	}
}

// Schedule (re)schedules id to fire at wakeAt, replacing any existing
// schedule for the same worker.
func (w *Wheel) Schedule(id worker.ID, wakeAt time.Time) {
	w.mu.Lock()
	if e, ok := w.byID[id]; ok {
		e.wakeAt = wakeAt
		heap.Fix(&w.heap, e.index)
	} else {
		e := &entry{workerID: id, wakeAt: wakeAt}
		heap.Push(&w.heap, e)
		w.byID[id] = e
	}
	w.mu.Unlock()
	w.notify()
}

// Cancel removes id's pending schedule, if any. It is a no-op if id has no
// pending schedule (e.g. it already fired or was never scheduled).
func (w *Wheel) Cancel(id worker.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byID[id]
	if !ok {
		return
	}
	heap.Remove(&w.heap, e.index)
	delete(w.byID, id)
}

func (w *Wheel) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the wheel until ctx is done. It should be started exactly once
// per Wheel, typically from the process that owns the active worker set.
func (w *Wheel) Run(ctx context.Context) {
	for {
		ready, sleep := w.popReady()
		for _, e := range ready {
			go w.onFire(ctx, e.workerID)
		}
		if len(ready) > 0 {
			continue
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}
	}
}

func (w *Wheel) popReady() ([]*entry, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	var ready []*entry
	for w.heap.Len() > 0 && !w.heap[0].wakeAt.After(now) {
		e := heap.Pop(&w.heap).(*entry)
		delete(w.byID, e.workerID)
		ready = append(ready, e)
	}
	if w.heap.Len() == 0 {
		return ready, time.Hour
	}
	return ready, w.heap[0].wakeAt.Sub(now)
}

// Len reports the number of currently pending schedules, for metrics and
// tests.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heap.Len()
}
