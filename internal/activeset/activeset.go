// Package activeset implements the LRU-bounded set of workers with a live
// runtime.Handle (spec.md §4.5). It is modeled directly on
// internal/pool/pool.go's Pool/functionPool: per-entry locking and a
// singleflight.Group so concurrent admissions of the same
// worker collapse into one cold start instead of racing to spawn two
// agents for the same worker.
package activeset

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/golem-project/worker-executor/internal/durable"
	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/wire"
	"github.com/golem-project/worker-executor/internal/worker"
)

// Handle is the subset of *runtime.Handle that activeset depends on. It is
// an interface, not the concrete type, so admission and eviction can be
// tested without spawning a real golem-agent subprocess; *runtime.Handle
// satisfies it structurally.
type Handle interface {
	Invoke(ctx context.Context, function string, args wire.Payload, hostCall durable.HostCallFunc) (wire.Payload, *oplog.TrapInfo, error)
	Stop() error
}

// ActiveWorker pairs a worker's identity with its live agent connection and
// a read-through cache of its last known Metadata. The cache is never
// authoritative; workerstate.Project over the oplog always is, but holding
// the last projection avoids re-reading the whole log on every status
// query for a hot worker.
type ActiveWorker struct {
	ID     worker.ID
	Handle Handle

	mu       sync.RWMutex
	lastUsed time.Time
	cached   worker.Metadata
}

func (w *ActiveWorker) touch() {
	w.mu.Lock()
	w.lastUsed = time.Now()
	w.mu.Unlock()
}

func (w *ActiveWorker) LastUsed() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastUsed
}

// CachedMetadata returns the last projection stored for this worker by
// SetCachedMetadata, and whether one has been stored at all.
func (w *ActiveWorker) CachedMetadata() (worker.Metadata, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cached, !w.cached.ID.IsZero()
}

// SetCachedMetadata stores md as the projection CachedMetadata returns.
// Nothing in core calls it, so the cache stays empty unless a caller
// fills it after its own oplog append.
func (w *ActiveWorker) SetCachedMetadata(md worker.Metadata) {
	w.mu.Lock()
	w.cached = md
	w.mu.Unlock()
}

// StartFunc spawns the Handle backing a newly admitted worker.
type StartFunc func(ctx context.Context) (Handle, error)

// Set is the LRU-bounded collection of ActiveWorkers for one executor
// process.
type Set struct {
	maxActive       int
	idleTTL         time.Duration
	cleanupInterval time.Duration

	mu      sync.RWMutex
	workers map[worker.ID]*ActiveWorker

	group singleflight.Group
}

type Option func(*Set)

func WithIdleTTL(d time.Duration) Option         { return func(s *Set) { s.idleTTL = d } }
func WithCleanupInterval(d time.Duration) Option { return func(s *Set) { s.cleanupInterval = d } }

// Defaults mirror the teacher's pool.go DefaultIdleTTL/DefaultCleanupInterval.
const (
	DefaultIdleTTL         = 60 * time.Second
	DefaultCleanupInterval = 10 * time.Second
)

func NewSet(maxActive int, opts ...Option) *Set {
	s := &Set{
		maxActive:       maxActive,
		idleTTL:         DefaultIdleTTL,
		cleanupInterval: DefaultCleanupInterval,
		workers:         make(map[worker.ID]*ActiveWorker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the currently active entry for id without admitting a new
// one.
func (s *Set) Get(id worker.ID) (*ActiveWorker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	return w, ok
}

// Len reports the number of currently active workers.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// Acquire returns the ActiveWorker for id, admitting (via start) a new one
// if id is not already active. Concurrent Acquire calls for the same id
// collapse into a single start invocation. If the set is already at
// capacity, the least-recently-used worker is evicted to make room; if
// eviction cannot free a slot (the set is empty, which cannot happen, or
// maxActive is 0), Acquire fails with golemerr.KindBusy.
func (s *Set) Acquire(ctx context.Context, id worker.ID, start StartFunc) (*ActiveWorker, error) {
	if w, ok := s.Get(id); ok {
		w.touch()
		return w, nil
	}

	v, err, _ := s.group.Do(id.String(), func() (any, error) {
		if w, ok := s.Get(id); ok {
			return w, nil
		}
		if s.Len() >= s.maxActive {
			if !s.evictLRU() {
				return nil, golemerr.Busy("activeset.Acquire", "active worker set is at capacity")
			}
		}
		handle, err := start(ctx)
		if err != nil {
			return nil, err
		}
		w := &ActiveWorker{ID: id, Handle: handle, lastUsed: time.Now()}
		s.mu.Lock()
		s.workers[id] = w
		s.mu.Unlock()
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ActiveWorker), nil
}

// Remove evicts id immediately (e.g. because it exited or failed
// terminally), stopping its runtime.Handle.
func (s *Set) Remove(id worker.ID) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if ok && w.Handle != nil {
		_ = w.Handle.Stop()
	}
}

func (s *Set) evictLRU() bool {
	s.mu.Lock()
	var oldestID worker.ID
	var oldestWorker *ActiveWorker
	var oldest time.Time
	found := false
	for id, w := range s.workers {
		lu := w.LastUsed()
		if !found || lu.Before(oldest) {
			oldest = lu
			oldestID = id
			oldestWorker = w
			found = true
		}
	}
	if found {
		delete(s.workers, oldestID)
	}
	s.mu.Unlock()
	if !found {
		return false
	}
	if oldestWorker.Handle != nil {
		_ = oldestWorker.Handle.Stop()
	}
	return true
}

// Run drives the idle-eviction loop until ctx is done.
func (s *Set) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Set) evictIdle() {
	cutoff := time.Now().Add(-s.idleTTL)
	s.mu.Lock()
	var toEvict []*ActiveWorker
	for id, w := range s.workers {
		if w.LastUsed().Before(cutoff) {
			toEvict = append(toEvict, w)
			delete(s.workers, id)
		}
	}
	s.mu.Unlock()
	for _, w := range toEvict {
		if w.Handle != nil {
			_ = w.Handle.Stop()
		}
	}
}
