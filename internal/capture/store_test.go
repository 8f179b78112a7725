package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stashd-io/stashd/internal/hash/sha256"
	"github.com/stashd-io/stashd/internal/pipeline"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeQueue records enqueues and lets tests flip item states and inject
// enqueue failures.
type fakeQueue struct {
	mu         sync.Mutex
	states     map[string]pipeline.ItemState
	enqueues   []string
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{states: make(map[string]pipeline.ItemState)}
}

func (q *fakeQueue) Enqueue(_ context.Context, captureID string, _ int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.states[captureID] = pipeline.StatePending
	q.enqueues = append(q.enqueues, captureID)
	return nil
}

func (q *fakeQueue) Lease(context.Context, string, time.Duration) (pipeline.QueueItem, bool, error) {
	return pipeline.QueueItem{}, false, nil
}

func (q *fakeQueue) Heartbeat(context.Context, string, string, time.Duration) error { return nil }
func (q *fakeQueue) Complete(context.Context, string) error                         { return nil }
func (q *fakeQueue) Fail(context.Context, string, string, bool) error               { return nil }
func (q *fakeQueue) Requeue(context.Context, string) error                          { return nil }

func (q *fakeQueue) Status(_ context.Context, captureID string) (pipeline.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.states[captureID]
	if !ok {
		return pipeline.QueueItem{}, pipeline.ErrNotFound
	}
	return pipeline.QueueItem{CaptureID: captureID, State: state}, nil
}

func (q *fakeQueue) ReapExpired(context.Context, time.Time) (int, error) { return 0, nil }

func (q *fakeQueue) setState(captureID string, state pipeline.ItemState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[captureID] = state
}

func newTestStore(t *testing.T, queue pipeline.WorkQueue) (*Store, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		PrimaryDir:      filepath.Join(dir, "primary"),
		BackupDir:       filepath.Join(dir, "backup"),
		IndexPath:       filepath.Join(dir, "index.log"),
		DefaultPriority: 10,
	}
	store, err := New(cfg, queue, sha256.New(), &fakeClock{now: time.Now().UTC()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, cfg
}

func TestSubmitAcceptsAndEnqueues(t *testing.T) {
	t.Parallel()
	queue := newFakeQueue()
	store, _ := newTestStore(t, queue)
	ctx := context.Background()

	receipt := store.Submit(ctx, []byte("hello world"), "https://example.com")
	require.Equal(t, pipeline.AcceptAccepted, receipt.Status)
	require.NotEmpty(t, receipt.CaptureID)
	require.False(t, receipt.Duplicate)
	require.Equal(t, []string{receipt.CaptureID}, queue.enqueues)

	payload, err := store.Payload(ctx, receipt.CaptureID)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), payload)

	record, err := store.Record(ctx, receipt.CaptureID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", record.SourceHint)
	require.NotEmpty(t, record.Fingerprint)

	// Both storage areas hold the payload.
	for _, ref := range []string{record.PrimaryRef, record.BackupRef} {
		data, err := os.ReadFile(ref)
		require.NoError(t, err)
		require.Equal(t, []byte("hello world"), data)
	}
}

func TestSubmitRejectsEmptyPayload(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, newFakeQueue())

	receipt := store.Submit(context.Background(), nil, "")
	require.Equal(t, pipeline.AcceptRejected, receipt.Status)
	require.NotEmpty(t, receipt.Reason)
	require.Empty(t, receipt.CaptureID)
}

func TestSubmitDeduplicatesLiveCaptures(t *testing.T) {
	t.Parallel()
	queue := newFakeQueue()
	store, _ := newTestStore(t, queue)
	ctx := context.Background()

	first := store.Submit(ctx, []byte("same bytes"), "")
	require.Equal(t, pipeline.AcceptAccepted, first.Status)

	second := store.Submit(ctx, []byte("same bytes"), "")
	require.Equal(t, pipeline.AcceptAccepted, second.Status)
	require.True(t, second.Duplicate)
	require.Equal(t, first.CaptureID, second.CaptureID)
	require.Len(t, queue.enqueues, 1, "duplicates must not enqueue again")
}

func TestSubmitAfterDeadStartsFreshLifecycle(t *testing.T) {
	t.Parallel()
	queue := newFakeQueue()
	store, _ := newTestStore(t, queue)
	ctx := context.Background()

	first := store.Submit(ctx, []byte("doomed"), "")
	require.Equal(t, pipeline.AcceptAccepted, first.Status)

	queue.setState(first.CaptureID, pipeline.StateDead)

	second := store.Submit(ctx, []byte("doomed"), "")
	require.Equal(t, pipeline.AcceptAccepted, second.Status)
	require.False(t, second.Duplicate)
	require.NotEqual(t, first.CaptureID, second.CaptureID)
}

func TestSubmitRejectsOnRenameFault(t *testing.T) {
	t.Parallel()
	store, cfg := newTestStore(t, newFakeQueue())
	ctx := context.Background()

	// Fail the second rename so the primary copy lands but the backup does
	// not. Acceptance must not be partial.
	calls := 0
	store.rename = func(oldpath, newpath string) error {
		calls++
		if calls == 2 {
			return errors.New("disk gone")
		}
		return os.Rename(oldpath, newpath)
	}

	receipt := store.Submit(ctx, []byte("fragile"), "")
	require.Equal(t, pipeline.AcceptRejected, receipt.Status)
	require.Contains(t, receipt.Reason, "finalize backup")

	// Nothing visible remains in either area.
	for _, dir := range []string{cfg.PrimaryDir, cfg.BackupDir} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, entry := range entries {
			require.True(t, entry.IsDir(), "unexpected payload file %s", entry.Name())
		}
	}

	// Once the fault clears, the same payload is accepted cleanly.
	store.rename = os.Rename
	receipt = store.Submit(ctx, []byte("fragile"), "")
	require.Equal(t, pipeline.AcceptAccepted, receipt.Status)
}

func TestIndexReplayAcrossRestart(t *testing.T) {
	t.Parallel()
	queue := newFakeQueue()
	store, cfg := newTestStore(t, queue)
	ctx := context.Background()

	receipt := store.Submit(ctx, []byte("persist me"), "hint")
	require.Equal(t, pipeline.AcceptAccepted, receipt.Status)
	require.NoError(t, store.Close())

	reopened, err := New(cfg, queue, sha256.New(), &fakeClock{now: time.Now().UTC()}, nil)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck // test cleanup

	record, err := reopened.Record(ctx, receipt.CaptureID)
	require.NoError(t, err)
	require.Equal(t, "hint", record.SourceHint)

	// Sequence numbering continues, so new captures never collide.
	next := reopened.Submit(ctx, []byte("another"), "")
	require.Equal(t, pipeline.AcceptAccepted, next.Status)
	nextRecord, err := reopened.Record(ctx, next.CaptureID)
	require.NoError(t, err)
	require.Greater(t, nextRecord.Seq, record.Seq)
}

func TestRecoverReconcilesMissingQueueItems(t *testing.T) {
	t.Parallel()
	queue := newFakeQueue()
	store, cfg := newTestStore(t, queue)
	ctx := context.Background()

	// Simulate a crash between index append and enqueue.
	queue.enqueueErr = errors.New("queue down")
	receipt := store.Submit(ctx, []byte("orphaned"), "")
	require.Equal(t, pipeline.AcceptAccepted, receipt.Status, "capture is durable even when enqueue fails")
	queue.enqueueErr = nil

	// Leave a stale temp file behind as well.
	stale := filepath.Join(cfg.PrimaryDir, tmpDirName, "leftover")
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o600))

	require.NoError(t, store.Recover(ctx))

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err), "stale temp file should be swept")

	status, err := queue.Status(ctx, receipt.CaptureID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatePending, status.State)
}

func TestPayloadFallsBackToBackup(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, newFakeQueue())
	ctx := context.Background()

	receipt := store.Submit(ctx, []byte("redundant"), "")
	require.Equal(t, pipeline.AcceptAccepted, receipt.Status)

	record, err := store.Record(ctx, receipt.CaptureID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(record.PrimaryRef))

	payload, err := store.Payload(ctx, receipt.CaptureID)
	require.NoError(t, err)
	require.Equal(t, []byte("redundant"), payload)
}

func TestCaptureIDEmbedsFingerprintPrefix(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, newFakeQueue())
	ctx := context.Background()

	receipt := store.Submit(ctx, []byte("fingerprinted"), "")
	require.Equal(t, pipeline.AcceptAccepted, receipt.Status)

	record, err := store.Record(ctx, receipt.CaptureID)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%s-%06d", record.Fingerprint[:12], record.Seq), receipt.CaptureID)
}
