// Package postgres provides the Postgres-backed work queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stashd-io/stashd/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for queue rows.
type Config struct {
	DSN             string
	Table           string
	MaxRetries      int
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Queue implements pipeline.WorkQueue on a Postgres table. Leasing relies
// on FOR UPDATE SKIP LOCKED so two workers can never claim the same row.
type Queue struct {
	pool       pgxPool
	table      string
	maxRetries int
}

// New creates a Postgres-backed queue using the provided config.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "queue_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Queue{pool: pool, table: table, maxRetries: cfg.MaxRetries}, nil
}

// NewWithPool constructs a queue from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, table string, maxRetries int) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "queue_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Queue{pool: pool, table: table, maxRetries: maxRetries}, nil
}

// Close releases the underlying pool resources.
func (q *Queue) Close() {
	if q == nil || q.pool == nil {
		return
	}
	q.pool.Close()
}

// EnsureSchema creates the queue table and its lease index if missing.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	capture_id       TEXT PRIMARY KEY,
	state            TEXT NOT NULL,
	priority         INT NOT NULL,
	retry_count      INT NOT NULL DEFAULT 0,
	max_retries      INT NOT NULL,
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	last_error_class TEXT NOT NULL DEFAULT '',
	enqueued_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_lease ON %[1]s (state, priority DESC, enqueued_at ASC)`, q.table)
	if _, err := q.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure queue schema: %w", err)
	}
	return nil
}

// Enqueue inserts the pending item for a capture.
func (q *Queue) Enqueue(ctx context.Context, captureID string, priority int) error {
	query := fmt.Sprintf(`
INSERT INTO %s (capture_id, state, priority, max_retries, enqueued_at)
VALUES ($1, $2, $3, $4, now())`, q.table)
	if _, err := q.pool.Exec(ctx, query, captureID, pipeline.StatePending, priority, q.maxRetries); err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// Lease claims the best leasable item for workerID; items parked in
// failed_retryable are leasable alongside pending ones. The subselect with
// FOR UPDATE SKIP LOCKED makes the claim atomic across concurrent callers.
func (q *Queue) Lease(ctx context.Context, workerID string, ttl time.Duration) (pipeline.QueueItem, bool, error) {
	query := fmt.Sprintf(`
UPDATE %[1]s
SET state = $1, lease_owner = $2, lease_expires_at = $3
WHERE capture_id = (
	SELECT capture_id FROM %[1]s
	WHERE state IN ($4, $5)
	ORDER BY priority DESC, enqueued_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING capture_id, state, priority, retry_count, max_retries,
	lease_owner, lease_expires_at, last_error_class, enqueued_at`, q.table)

	row := q.pool.QueryRow(ctx, query,
		pipeline.StateLeased, workerID, time.Now().UTC().Add(ttl),
		pipeline.StatePending, pipeline.StateFailedRetryable)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.QueueItem{}, false, nil
	}
	if err != nil {
		return pipeline.QueueItem{}, false, fmt.Errorf("lease queue item: %w", err)
	}
	return item, true, nil
}

// Heartbeat extends the lease held by workerID.
func (q *Queue) Heartbeat(ctx context.Context, workerID, captureID string, ttl time.Duration) error {
	query := fmt.Sprintf(`
UPDATE %s SET lease_expires_at = $1
WHERE capture_id = $2 AND state = $3 AND lease_owner = $4`, q.table)
	tag, err := q.pool.Exec(ctx, query,
		time.Now().UTC().Add(ttl), captureID, pipeline.StateLeased, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotLeaseOwner
	}
	return nil
}

// Complete transitions a leased item to completed.
func (q *Queue) Complete(ctx context.Context, captureID string) error {
	query := fmt.Sprintf(`
UPDATE %s SET state = $1, lease_owner = '', lease_expires_at = NULL
WHERE capture_id = $2 AND state = $3`, q.table)
	tag, err := q.pool.Exec(ctx, query, pipeline.StateCompleted, captureID, pipeline.StateLeased)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Fail records a failed pass. Retryable failures park the item in
// failed_retryable until max_retries is reached; everything else goes dead.
func (q *Queue) Fail(ctx context.Context, captureID, errorClass string, retryable bool) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	last_error_class = $1,
	lease_owner = '',
	lease_expires_at = NULL,
	retry_count = CASE WHEN $2 THEN retry_count + 1 ELSE retry_count END,
	state = CASE
		WHEN NOT $2 THEN 'dead'
		WHEN retry_count + 1 >= max_retries THEN 'dead'
		ELSE 'failed_retryable'
	END
WHERE capture_id = $3 AND state = $4`, q.table)
	tag, err := q.pool.Exec(ctx, query, errorClass, retryable, captureID, pipeline.StateLeased)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Requeue moves a dead item back to pending with retry_count reset.
func (q *Queue) Requeue(ctx context.Context, captureID string) error {
	query := fmt.Sprintf(`
UPDATE %s SET state = $1, retry_count = 0, lease_owner = '', lease_expires_at = NULL
WHERE capture_id = $2 AND state = $3`, q.table)
	tag, err := q.pool.Exec(ctx, query, pipeline.StatePending, captureID, pipeline.StateDead)
	if err != nil {
		return fmt.Errorf("requeue queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, statusErr := q.Status(ctx, captureID); statusErr != nil {
			return statusErr
		}
		return pipeline.ErrNotDead
	}
	return nil
}

// Status loads the queue item for a capture.
func (q *Queue) Status(ctx context.Context, captureID string) (pipeline.QueueItem, error) {
	query := fmt.Sprintf(`
SELECT capture_id, state, priority, retry_count, max_retries,
	lease_owner, lease_expires_at, last_error_class, enqueued_at
FROM %s WHERE capture_id = $1`, q.table)
	item, err := scanItem(q.pool.QueryRow(ctx, query, captureID))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.QueueItem{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.QueueItem{}, fmt.Errorf("load queue item: %w", err)
	}
	return item, nil
}

// ReapExpired returns expired leases to pending with no retry penalty.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s SET state = $1, lease_owner = '', lease_expires_at = NULL, last_error_class = $2
WHERE state = $3 AND lease_expires_at <= $4`, q.table)
	tag, err := q.pool.Exec(ctx, query,
		pipeline.StatePending, pipeline.ClassLeaseExpired, pipeline.StateLeased, now)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanItem(row pgx.Row) (pipeline.QueueItem, error) {
	var (
		item     pipeline.QueueItem
		leaseExp *time.Time
	)
	err := row.Scan(
		&item.CaptureID,
		&item.State,
		&item.Priority,
		&item.RetryCount,
		&item.MaxRetries,
		&item.LeaseOwner,
		&leaseExp,
		&item.LastErrorClass,
		&item.EnqueuedAt,
	)
	if err != nil {
		return pipeline.QueueItem{}, err
	}
	if leaseExp != nil {
		item.LeaseExpiresAt = *leaseExp
	}
	return item, nil
}
