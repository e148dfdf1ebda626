package oplog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golem-project/worker-executor/internal/golemerr"
	"github.com/golem-project/worker-executor/internal/worker"
)

// PostgresIndex mirrors every entry it is given (index, kind and timestamp,
// plus function name and idempotency key for InvocationStart entries) into
// a searchable table, the way internal/store/postgres.go mirrors the
// teacher's metadata store: it is a secondary read path, rebuildable at any
// time by replaying Store, never the durability boundary itself.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

func NewPostgresIndex(ctx context.Context, dsn string) (*PostgresIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, golemerr.New("oplog.NewPostgresIndex", golemerr.KindStorageFailure, err)
	}
	idx := &PostgresIndex{pool: pool}
	if err := idx.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PostgresIndex) ensureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS oplog_entries (
	component_id     TEXT        NOT NULL,
	worker_name      TEXT        NOT NULL,
	index            BIGINT      NOT NULL,
	kind             TEXT        NOT NULL,
	function         TEXT        NOT NULL DEFAULT '',
	idempotency_key  TEXT        NOT NULL DEFAULT '',
	occurred_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (component_id, worker_name, index)
);
CREATE INDEX IF NOT EXISTS oplog_entries_function_idx ON oplog_entries (component_id, function);
CREATE INDEX IF NOT EXISTS oplog_entries_idempotency_idx ON oplog_entries (component_id, idempotency_key);
CREATE INDEX IF NOT EXISTS oplog_entries_occurred_at_idx ON oplog_entries (occurred_at);
`
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return golemerr.New("oplog.ensureSchema", golemerr.KindStorageFailure, err)
	}
	return nil
}

func (p *PostgresIndex) Close() { p.pool.Close() }

func (p *PostgresIndex) Index(ctx context.Context, id worker.ID, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &strings.Builder{}
	args := make([]any, 0, len(entries)*6)
	batch.WriteString("INSERT INTO oplog_entries (component_id, worker_name, index, kind, function, idempotency_key, occurred_at) VALUES ")
	for i, e := range entries {
		if i > 0 {
			batch.WriteString(", ")
		}
		function, idempotencyKey := "", ""
		if e.InvocationStart != nil {
			function = e.InvocationStart.Function
			idempotencyKey = e.InvocationStart.IdempotencyKey
		}
		base := len(args)
		fmt.Fprintf(batch, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, id.ComponentID, id.Name, int64(e.Index), string(e.Kind), function, idempotencyKey, e.Timestamp)
	}
	batch.WriteString(" ON CONFLICT (component_id, worker_name, index) DO NOTHING")
	if _, err := p.pool.Exec(ctx, batch.String(), args...); err != nil {
		return golemerr.New("oplog.Index", golemerr.KindStorageFailure, err)
	}
	return nil
}

// Search answers SearchOplog from the index rows alone; callers needing the
// full Entry must Read it back from Store by (ComponentID/Name, Index).
func (p *PostgresIndex) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	where := []string{"component_id = $1"}
	args := []any{q.ComponentID}
	if q.Function != "" {
		args = append(args, q.Function)
		where = append(where, fmt.Sprintf("function = $%d", len(args)))
	}
	if q.IdempotencyKey != "" {
		args = append(args, q.IdempotencyKey)
		where = append(where, fmt.Sprintf("idempotency_key = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		where = append(where, fmt.Sprintf("occurred_at <= $%d", len(args)))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		"SELECT worker_name, index, kind, occurred_at FROM oplog_entries WHERE %s ORDER BY occurred_at DESC LIMIT %d",
		strings.Join(where, " AND "), limit,
	)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, golemerr.New("oplog.Search", golemerr.KindStorageFailure, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			workerName string
			index      int64
			kind       string
			occurredAt time.Time
		)
		if err := rows.Scan(&workerName, &index, &kind, &occurredAt); err != nil {
			return nil, golemerr.New("oplog.Search", golemerr.KindStorageFailure, err)
		}
		results = append(results, SearchResult{
			WorkerID: worker.ID{ComponentID: q.ComponentID, Name: workerName},
			Entry:    Entry{Index: Index(index), Kind: Kind(kind), Timestamp: occurredAt},
		})
	}
	return results, rows.Err()
}
