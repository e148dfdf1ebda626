package oplog

import (
	"context"
	"time"

	"github.com/golem-project/worker-executor/internal/worker"
)

// Store is the append-only, durable ground truth for every worker's oplog.
// Every other component (workerstate, durable, invocation, promise,
// structural, core) reads and writes exclusively through this interface;
// none of them hold a second notion of worker state.
type Store interface {
	// Append assigns the next dense Index to entry and persists it at the
	// requested CommitLevel. Appends for a single worker.ID are
	// serialized by the store; concurrent callers targeting the same
	// worker block on each other, matching spec.md §5's single-writer
	// invariant per worker.
	Append(ctx context.Context, id worker.ID, entry Entry, level CommitLevel) (Index, error)

	// Read returns up to limit entries starting at from (inclusive), in
	// index order. limit <= 0 means "no limit". Read never returns a gap:
	// if entries [from, from+2] exist but from+1 was evicted by a
	// retention policy, Read returns golemerr.KindInvalidRequest rather
	// than silently skipping it.
	Read(ctx context.Context, id worker.ID, from Index, limit int) ([]Entry, error)

	// LastIndex returns the most recently appended Index for id, or 0 if
	// the worker has no entries (including "worker does not exist").
	LastIndex(ctx context.Context, id worker.ID) (Index, error)

	// Subscribe delivers every entry appended to id from index `from`
	// onward, replaying history first and then switching to a live feed.
	// The returned channel is closed, and the cancel func becomes a
	// no-op, when ctx is done or cancel is called. Callers must drain the
	// channel; a slow consumer only delays its own delivery; it never
	// blocks Append for other subscribers or other workers.
	Subscribe(ctx context.Context, id worker.ID, from Index) (<-chan Entry, func(), error)
}

// SearchIndex is the optional secondary index backing core.SearchOplog.
// Unlike Store, it is rebuildable from scratch by replaying Store and is
// never consulted for replay or durability decisions.
type SearchIndex interface {
	// Index records entries for later search. It is always called after
	// the corresponding Store.Append has already durably committed, so a
	// crash between Append and Index only loses searchability, never
	// correctness.
	Index(ctx context.Context, id worker.ID, entries []Entry) error

	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)
}

// SearchQuery filters SearchOplog results (spec.md §4.2: "indexed search
// over function name, idempotency key, and timestamp range").
type SearchQuery struct {
	ComponentID    string
	Function       string
	IdempotencyKey string
	From           time.Time
	To             time.Time
	Limit          int
}

type SearchResult struct {
	WorkerID worker.ID
	Entry    Entry
}

// Notifier fans out "something was appended" wake-ups across process
// boundaries, so a ConnectWorker call on one node observes appends made by
// the node actually running the worker. It never carries entry bytes, only
// the fact that id advanced past an index; subscribers always re-read from
// Store, never trust the notification payload as data.
type Notifier interface {
	Publish(ctx context.Context, id worker.ID, newLast Index) error
	Listen(ctx context.Context, id worker.ID) (<-chan Index, func(), error)
}

// RetentionPolicy decides which chunks of a worker's oplog a store is
// allowed to reclaim. Reclaiming breaks full replay-from-index-1, so it is
// opt-in and the default is KeepForever (spec.md §9 Open Question: retention
// policy).
type RetentionPolicy interface {
	// Retain reports whether the entry at index should survive a
	// compaction pass, given that lastIndex is the worker's current head.
	Retain(index Index, lastIndex Index) bool
}

// KeepForever never reclaims anything. It is the default because durable
// replay depends on full history being available unless an operator
// explicitly opts into bounded retention.
type KeepForever struct{}

func (KeepForever) Retain(Index, Index) bool { return true }

// KeepLastN retains only the most recent N entries (plus, by construction
// of chunked storage, whatever remainder of the chunk they fall in). It is
// only safe for workers that are never rewound or forked past the
// retention horizon; callers opting into it accept that tradeoff.
type KeepLastN struct {
	N uint64
}

func (p KeepLastN) Retain(index Index, lastIndex Index) bool {
	if uint64(lastIndex) < p.N {
		return true
	}
	return uint64(index) > uint64(lastIndex)-p.N
}
