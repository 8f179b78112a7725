// Package memory provides the in-memory work queue for development and
// tests. It honors the same state machine as the Postgres queue but keeps
// everything behind one mutex.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stashd-io/stashd/internal/pipeline"
)

// Queue is a mutex-guarded implementation of pipeline.WorkQueue.
type Queue struct {
	mu         sync.Mutex
	items      map[string]*pipeline.QueueItem
	clock      pipeline.Clock
	maxRetries int
}

// New constructs a Queue. maxRetries bounds automatic retries per item.
func New(clock pipeline.Clock, maxRetries int) *Queue {
	return &Queue{
		items:      make(map[string]*pipeline.QueueItem),
		clock:      clock,
		maxRetries: maxRetries,
	}
}

// Enqueue creates the pending item for a capture. Each capture gets exactly
// one item; enqueueing twice is an error.
func (q *Queue) Enqueue(_ context.Context, captureID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[captureID]; exists {
		return fmt.Errorf("queue item for %s already exists", captureID)
	}
	q.items[captureID] = &pipeline.QueueItem{
		CaptureID:  captureID,
		State:      pipeline.StatePending,
		Priority:   priority,
		MaxRetries: q.maxRetries,
		EnqueuedAt: q.clock.Now(),
	}
	return nil
}

// Lease claims the highest-priority leasable item, ties broken by earliest
// enqueue time. Items waiting on a retry are leasable just like pending
// ones. Exactly one concurrent caller can win any given item.
func (q *Queue) Lease(_ context.Context, workerID string, ttl time.Duration) (pipeline.QueueItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *pipeline.QueueItem
	for _, item := range q.items {
		if item.State != pipeline.StatePending && item.State != pipeline.StateFailedRetryable {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = item
		}
	}
	if best == nil {
		return pipeline.QueueItem{}, false, nil
	}
	best.State = pipeline.StateLeased
	best.LeaseOwner = workerID
	best.LeaseExpiresAt = q.clock.Now().Add(ttl)
	return *best, true, nil
}

// Heartbeat extends the lease held by workerID.
func (q *Queue) Heartbeat(_ context.Context, workerID, captureID string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[captureID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if item.State != pipeline.StateLeased || item.LeaseOwner != workerID {
		return pipeline.ErrNotLeaseOwner
	}
	item.LeaseExpiresAt = q.clock.Now().Add(ttl)
	return nil
}

// Complete transitions a leased item to the completed terminal state.
func (q *Queue) Complete(_ context.Context, captureID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[captureID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if item.State != pipeline.StateLeased {
		return fmt.Errorf("complete from state %s: %w", item.State, pipeline.ErrNotLeaseOwner)
	}
	item.State = pipeline.StateCompleted
	item.LeaseOwner = ""
	item.LeaseExpiresAt = time.Time{}
	return nil
}

// Fail records a failed processing pass. Retryable failures park the item
// in failed_retryable until retries are exhausted; everything else goes
// dead.
func (q *Queue) Fail(_ context.Context, captureID, errorClass string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[captureID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if item.State != pipeline.StateLeased {
		return fmt.Errorf("fail from state %s: %w", item.State, pipeline.ErrNotLeaseOwner)
	}
	item.LastErrorClass = errorClass
	item.LeaseOwner = ""
	item.LeaseExpiresAt = time.Time{}
	if !retryable {
		item.State = pipeline.StateDead
		return nil
	}
	item.RetryCount++
	if item.RetryCount >= item.MaxRetries {
		item.State = pipeline.StateDead
		return nil
	}
	item.State = pipeline.StateFailedRetryable
	return nil
}

// Requeue moves a dead item back to pending with its retry budget reset.
func (q *Queue) Requeue(_ context.Context, captureID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[captureID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if item.State != pipeline.StateDead {
		return pipeline.ErrNotDead
	}
	item.State = pipeline.StatePending
	item.RetryCount = 0
	item.LeaseOwner = ""
	item.LeaseExpiresAt = time.Time{}
	return nil
}

// Status returns a copy of the item for a capture.
func (q *Queue) Status(_ context.Context, captureID string) (pipeline.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[captureID]
	if !ok {
		return pipeline.QueueItem{}, pipeline.ErrNotFound
	}
	return *item, nil
}

// ReapExpired returns expired leases to pending. The worker, not the item,
// is presumed to have failed, so the retry count is untouched.
func (q *Queue) ReapExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	reaped := 0
	for _, item := range q.items {
		if item.State != pipeline.StateLeased || item.LeaseExpiresAt.After(now) {
			continue
		}
		item.State = pipeline.StatePending
		item.LeaseOwner = ""
		item.LeaseExpiresAt = time.Time{}
		item.LastErrorClass = pipeline.ClassLeaseExpired
		reaped++
	}
	return reaped, nil
}
