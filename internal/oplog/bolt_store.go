// Package oplog implements the append-only, replayable log that is the
// single source of truth for worker state (spec.md §3/§4.2). BoltStore is
// the ground-truth backend, grounded on the teacher's embedded-store usage
// pattern (bbolt transactions as the commit boundary); PostgresIndex is an
// optional, rebuildable secondary index for SearchOplog, grounded on
// internal/store/postgres.go's ensureSchema/pgx pool pattern; Notifier
// fans out cross-process wake-ups, grounded on
// internal/queue/redis_notifier.go.
package oplog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/worker"
)

// chunkSize bounds how many entries share a bucket. Chunking keeps a single
// bucket from growing unboundedly for long-lived workers and gives
// RetentionPolicy a reclaim granularity cheaper than per-entry deletion.
const chunkSize = 1024

func metaBucketName() []byte { return []byte("meta") }
func metaKey(id worker.ID) []byte { return []byte(id.String()) }

func chunkIndexFor(index Index) uint64 {
	return (uint64(index) - 1) / chunkSize
}

func chunkBucketName(id worker.ID, chunk uint64) []byte {
	return []byte(fmt.Sprintf("chunk:%s:%020d", id.String(), chunk))
}

func encodeIndex(index Index) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	return b[:]
}

func decodeIndex(b []byte) Index {
	return Index(binary.BigEndian.Uint64(b))
}

// BoltStore is a Store backed by a single embedded bbolt database file,
// shared by every worker on this node. Immediate commits use DB.Update,
// which fsyncs before returning; DurableOnly commits use DB.Batch, which
// amortizes the fsync across concurrently queued callers but still
// guarantees durability before Batch returns to any of them.
type BoltStore struct {
	db       *bbolt.DB
	notifier Notifier
	index    SearchIndex
	retain   RetentionPolicy

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   map[string][]chan struct{}
}

type BoltStoreOption func(*BoltStore)

func WithNotifier(n Notifier) BoltStoreOption    { return func(s *BoltStore) { s.notifier = n } }
func WithSearchIndex(i SearchIndex) BoltStoreOption { return func(s *BoltStore) { s.index = i } }
func WithRetentionPolicy(p RetentionPolicy) BoltStoreOption {
	return func(s *BoltStore) { s.retain = p }
}

// NewBoltStore opens (creating if absent) the bbolt database at path.
func NewBoltStore(path string, opts ...BoltStoreOption) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, golemerr.New("oplog.NewBoltStore", golemerr.KindStorageFailure, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucketName())
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, golemerr.New("oplog.NewBoltStore", golemerr.KindStorageFailure, err)
	}
	s := &BoltStore{
		db:     db,
		retain: KeepForever{},
		locks:  make(map[string]*sync.Mutex),
		subs:   make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) lockFor(id worker.ID) *sync.Mutex {
	key := id.String()
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *BoltStore) Append(ctx context.Context, id worker.ID, entry Entry, level CommitLevel) (Index, error) {
	if err := ctx.Err(); err != nil {
		return 0, golemerr.New("oplog.Append", golemerr.KindCancelled, err)
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var assigned Index
	commit := func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucketName())
		if err != nil {
			return err
		}
		var last Index
		if raw := meta.Get(metaKey(id)); raw != nil {
			last = decodeIndex(raw)
		}
		assigned = last + 1
		entry.Index = assigned
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		data, err := Encode(entry)
		if err != nil {
			return err
		}
		chunk := chunkIndexFor(assigned)
		bkt, err := tx.CreateBucketIfNotExists(chunkBucketName(id, chunk))
		if err != nil {
			return err
		}
		if err := bkt.Put(encodeIndex(assigned), data); err != nil {
			return err
		}
		return meta.Put(metaKey(id), encodeIndex(assigned))
	}

	var err error
	if level == Immediate {
		err = s.db.Update(commit)
	} else {
		err = s.db.Batch(commit)
	}
	if err != nil {
		return 0, golemerr.New("oplog.Append", golemerr.KindStorageFailure, err)
	}

	s.wakeLocal(id)
	if s.notifier != nil {
		go func() {
			_ = s.notifier.Publish(context.Background(), id, assigned)
		}()
	}
	if s.index != nil {
		go func() {
			_ = s.index.Index(context.Background(), id, []Entry{entry})
		}()
	}
	return assigned, nil
}

func (s *BoltStore) Read(ctx context.Context, id worker.ID, from Index, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, golemerr.New("oplog.Read", golemerr.KindCancelled, err)
	}
	if from < 1 {
		from = 1
	}
	var result []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucketName())
		var last Index
		if meta != nil {
			if raw := meta.Get(metaKey(id)); raw != nil {
				last = decodeIndex(raw)
			}
		}
		if last == 0 || from > last {
			return nil
		}
		startChunk := chunkIndexFor(from)
		endChunk := chunkIndexFor(last)
		startKey := encodeIndex(from)
		for c := startChunk; c <= endChunk; c++ {
			bkt := tx.Bucket(chunkBucketName(id, c))
			if bkt == nil {
				return fmt.Errorf("oplog chunk %d for %s was reclaimed: requested range is no longer retained", c, id)
			}
			cur := bkt.Cursor()
			for k, v := cur.Seek(startKey); k != nil; k, v = cur.Next() {
				e, derr := Decode(v)
				if derr != nil {
					return derr
				}
				result = append(result, e)
				if limit > 0 && len(result) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, golemerr.New("oplog.Read", golemerr.KindInvalidRequest, err)
	}
	return result, nil
}

func (s *BoltStore) LastIndex(ctx context.Context, id worker.ID) (Index, error) {
	if err := ctx.Err(); err != nil {
		return 0, golemerr.New("oplog.LastIndex", golemerr.KindCancelled, err)
	}
	var last Index
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucketName())
		if meta == nil {
			return nil
		}
		if raw := meta.Get(metaKey(id)); raw != nil {
			last = decodeIndex(raw)
		}
		return nil
	})
	if err != nil {
		return 0, golemerr.New("oplog.LastIndex", golemerr.KindStorageFailure, err)
	}
	return last, nil
}

// Subscribe is a notify-then-reread loop, not a direct forward of entry
// bytes: the returned goroutine always re-reads from Store starting at its
// own cursor, so a dropped wake-up only delays delivery and never loses an
// entry the way forwarding a full channel would.
func (s *BoltStore) Subscribe(ctx context.Context, id worker.ID, from Index) (<-chan Entry, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Entry, 256)
	wake := make(chan struct{}, 1)

	key := id.String()
	s.subsMu.Lock()
	s.subs[key] = append(s.subs[key], wake)
	s.subsMu.Unlock()

	var notifierCancel func()
	if s.notifier != nil {
		if nch, nc, err := s.notifier.Listen(subCtx, id); err == nil {
			notifierCancel = nc
			go func() {
				for range nch {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}()
		}
	}

	go func() {
		defer close(out)
		cursor := from
		if cursor < 1 {
			cursor = 1
		}
		for {
			entries, err := s.Read(subCtx, id, cursor, 256)
			if err != nil {
				return
			}
			for _, e := range entries {
				select {
				case out <- e:
					cursor = e.Index + 1
				case <-subCtx.Done():
					return
				}
			}
			if len(entries) > 0 {
				continue
			}
			select {
			case <-wake:
			case <-time.After(5 * time.Second):
			case <-subCtx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		if notifierCancel != nil {
			notifierCancel()
		}
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		subs := s.subs[key]
		for i, w := range subs {
			if w == wake {
				s.subs[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return out, unsubscribe, nil
}

func (s *BoltStore) wakeLocal(id worker.ID) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, wake := range s.subs[id.String()] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Compact drops whole chunks that RetentionPolicy no longer retains. It
// only ever removes buckets at chunk granularity: a chunk survives unless
// every index it could contain is rejected by the policy relative to the
// worker's current last index.
func (s *BoltStore) Compact(ctx context.Context, id worker.ID) error {
	if err := ctx.Err(); err != nil {
		return golemerr.New("oplog.Compact", golemerr.KindCancelled, err)
	}
	last, err := s.LastIndex(ctx, id)
	if err != nil {
		return err
	}
	if last == 0 {
		return nil
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	lastChunk := chunkIndexFor(last)
	return s.db.Update(func(tx *bbolt.Tx) error {
		for c := uint64(0); c < lastChunk; c++ {
			chunkMaxIndex := Index((c + 1) * chunkSize)
			if s.retain.Retain(chunkMaxIndex, last) {
				continue
			}
			name := chunkBucketName(id, c)
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}
