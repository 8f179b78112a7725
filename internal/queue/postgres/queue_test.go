package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/stashd-io/stashd/internal/pipeline"
)

func newMockQueue(t *testing.T) (*Queue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	q, err := NewWithPool(mock, "queue_items", 3)
	require.NoError(t, err)
	return q, mock
}

func itemColumns() []string {
	return []string{
		"capture_id", "state", "priority", "retry_count", "max_retries",
		"lease_owner", "lease_expires_at", "last_error_class", "enqueued_at",
	}
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "queue; DROP TABLE x", 3)
	require.Error(t, err)
}

func TestEnqueueInsertsPendingRow(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectExec("INSERT INTO queue_items").
		WithArgs("cap-1", pipeline.StatePending, 10, 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, q.Enqueue(context.Background(), "cap-1", 10))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseClaimsBestPendingRow(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	now := time.Unix(1700000000, 0).UTC()
	exp := now.Add(time.Minute)
	mock.ExpectQuery("UPDATE queue_items").
		WithArgs(pipeline.StateLeased, "w1", pgxmock.AnyArg(),
			pipeline.StatePending, pipeline.StateFailedRetryable).
		WillReturnRows(pgxmock.NewRows(itemColumns()).
			AddRow("cap-1", pipeline.StateLeased, 10, 0, 3, "w1", &exp, "", now))

	item, ok, err := q.Lease(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cap-1", item.CaptureID)
	require.Equal(t, pipeline.StateLeased, item.State)
	require.Equal(t, "w1", item.LeaseOwner)
	require.Equal(t, exp, item.LeaseExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseReturnsFalseWhenQueueEmpty(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectQuery("UPDATE queue_items").
		WithArgs(pipeline.StateLeased, "w1", pgxmock.AnyArg(),
			pipeline.StatePending, pipeline.StateFailedRetryable).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := q.Lease(context.Background(), "w1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatRequiresOwnership(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE queue_items SET lease_expires_at").
		WithArgs(pgxmock.AnyArg(), "cap-1", pipeline.StateLeased, "w2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := q.Heartbeat(context.Background(), "w2", "cap-1", time.Minute)
	require.ErrorIs(t, err, pipeline.ErrNotLeaseOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRequiresLeasedRow(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE queue_items SET state").
		WithArgs(pipeline.StateCompleted, "cap-1", pipeline.StateLeased).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := q.Complete(context.Background(), "cap-1")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailUpdatesRetryState(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE queue_items SET").
		WithArgs(pipeline.ClassFetchExhausted, true, "cap-1", pipeline.StateLeased).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Fail(context.Background(), "cap-1", pipeline.ClassFetchExhausted, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueDistinguishesMissingFromNotDead(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	// Row exists but is not dead.
	mock.ExpectExec("UPDATE queue_items SET state").
		WithArgs(pipeline.StatePending, "cap-1", pipeline.StateDead).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT capture_id").
		WithArgs("cap-1").
		WillReturnRows(pgxmock.NewRows(itemColumns()).
			AddRow("cap-1", pipeline.StatePending, 10, 0, 3, "", (*time.Time)(nil), "", now))

	err := q.Requeue(context.Background(), "cap-1")
	require.ErrorIs(t, err, pipeline.ErrNotDead)

	// Row does not exist at all.
	mock.ExpectExec("UPDATE queue_items SET state").
		WithArgs(pipeline.StatePending, "missing", pipeline.StateDead).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT capture_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err = q.Requeue(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpiredCountsRecoveredRows(t *testing.T) {
	t.Parallel()
	q, mock := newMockQueue(t)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE queue_items SET state").
		WithArgs(pipeline.StatePending, pipeline.ClassLeaseExpired, pipeline.StateLeased, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	reaped, err := q.ReapExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, reaped)
	require.NoError(t, mock.ExpectationsWereMet())
}
