// Package promise implements the CreatePromise/CompletePromise/Await
// primitive from spec.md §4.6: completion is persisted as a paired oplog
// entry (so it survives a restart), while the in-memory Store only holds
// wake channels for whoever is actively blocked on Await, the way
// internal/checkpoint/store.go holds a TTL map of wait state keyed by id —
// except here the payload of record lives in the oplog, not the map.
package promise

import (
	"context"
	"sync"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/oplog"
	"github.com/golem-project/worker-executor/internal/worker"
)

type waiterKey struct {
	workerID  worker.ID
	promiseID string
}

// Store coordinates promise completion across the in-process Await callers
// and the oplog that makes completion durable and cross-restart observable.
type Store struct {
	oplogStore oplog.Store

	mu      sync.Mutex
	waiters map[waiterKey]chan []byte
}

func NewStore(oplogStore oplog.Store) *Store {
	return &Store{oplogStore: oplogStore, waiters: make(map[waiterKey]chan []byte)}
}

// Create appends a CreatePromise entry. promiseID must be unique within the
// worker's oplog; callers typically derive it from a UUID.
func (s *Store) Create(ctx context.Context, id worker.ID, promiseID string) (oplog.Index, error) {
	idx, err := s.oplogStore.Append(ctx, id, oplog.Entry{
		Kind:          oplog.KindCreatePromise,
		CreatePromise: &oplog.CreatePromisePayload{PromiseID: promiseID},
	}, oplog.Immediate)
	if err != nil {
		return 0, golemerr.New("promise.Create", golemerr.KindStorageFailure, err)
	}
	return idx, nil
}

// Complete appends a CompletePromise entry and wakes any in-process Await
// callers blocked on promiseID. It is idempotent at the application level
// only in the sense that a second Complete for the same promiseID appends a
// second entry; callers that must enforce single-completion should check
// GetCompletion first (spec.md §8: single-completion property is a caller
// invariant, not enforced by the store itself, matching CreatePromise's
// "paired oplog entries" design rather than a CAS primitive).
func (s *Store) Complete(ctx context.Context, id worker.ID, promiseID string, payload []byte) error {
	_, err := s.oplogStore.Append(ctx, id, oplog.Entry{
		Kind: oplog.KindCompletePromise,
		CompletePromise: &oplog.CompletePromisePayload{
			PromiseID: promiseID,
			Payload:   payload,
		},
	}, oplog.Immediate)
	if err != nil {
		return golemerr.New("promise.Complete", golemerr.KindStorageFailure, err)
	}

	key := waiterKey{workerID: id, promiseID: promiseID}
	s.mu.Lock()
	if ch, ok := s.waiters[key]; ok {
		select {
		case ch <- payload:
		default:
		}
		delete(s.waiters, key)
	}
	s.mu.Unlock()
	return nil
}

// GetCompletion looks for an already-recorded CompletePromise entry for
// promiseID without blocking, returning ok=false if none exists yet.
func (s *Store) GetCompletion(ctx context.Context, id worker.ID, promiseID string) (payload []byte, ok bool, err error) {
	entries, err := s.oplogStore.Read(ctx, id, 1, 0)
	if err != nil {
		return nil, false, golemerr.New("promise.GetCompletion", golemerr.KindStorageFailure, err)
	}
	for _, e := range entries {
		if e.Kind == oplog.KindCompletePromise && e.CompletePromise.PromiseID == promiseID {
			return e.CompletePromise.Payload, true, nil
		}
	}
	return nil, false, nil
}

// Await blocks until promiseID is completed, the worker's oplog shows it
// was already completed before Await was called, or ctx is cancelled. It
// combines an in-memory wake channel (fast path for a Complete call in this
// same process) with an oplog.Store.Subscribe watch (cross-process path,
// for a Complete call handled by a different executor node).
func (s *Store) Await(ctx context.Context, id worker.ID, promiseID string) ([]byte, error) {
	if payload, ok, err := s.GetCompletion(ctx, id, promiseID); err != nil {
		return nil, err
	} else if ok {
		return payload, nil
	}

	last, err := s.oplogStore.LastIndex(ctx, id)
	if err != nil {
		return nil, golemerr.New("promise.Await", golemerr.KindStorageFailure, err)
	}

	key := waiterKey{workerID: id, promiseID: promiseID}
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.waiters[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, key)
		s.mu.Unlock()
	}()

	if sub, cancel, serr := s.oplogStore.Subscribe(ctx, id, last+1); serr == nil {
		defer cancel()
		go func() {
			for e := range sub {
				if e.Kind == oplog.KindCompletePromise && e.CompletePromise != nil && e.CompletePromise.PromiseID == promiseID {
					select {
					case ch <- e.CompletePromise.Payload:
					default:
					}
					return
				}
			}
		}()
	}

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, golemerr.Cancelled("promise.Await", "context cancelled while waiting for promise completion")
	}
}
