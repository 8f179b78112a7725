package pipeline

import (
	"context"
	"io"
	"time"
)

// CaptureStore accepts raw submissions and persists them durably before any
// processing happens. Submit must return within bounded time and must never
// surface an unhandled fault; storage errors become a rejected Receipt.
type CaptureStore interface {
	Submit(ctx context.Context, payload []byte, sourceHint string) Receipt
	Payload(ctx context.Context, captureID string) ([]byte, error)
	Record(ctx context.Context, captureID string) (CaptureRecord, error)
}

// WorkQueue is the persistent state machine tracking one item per capture.
type WorkQueue interface {
	Enqueue(ctx context.Context, captureID string, priority int) error
	// Lease claims the highest-priority pending item (FIFO tie-break).
	// The second return is false when nothing is pending.
	Lease(ctx context.Context, workerID string, ttl time.Duration) (QueueItem, bool, error)
	// Heartbeat extends the lease held by workerID on the item.
	Heartbeat(ctx context.Context, workerID, captureID string, ttl time.Duration) error
	Complete(ctx context.Context, captureID string) error
	Fail(ctx context.Context, captureID, errorClass string, retryable bool) error
	// Requeue moves a dead item back to pending with retry_count reset.
	Requeue(ctx context.Context, captureID string) error
	Status(ctx context.Context, captureID string) (QueueItem, error)
	// ReapExpired returns expired leases to pending with no retry penalty
	// and reports how many items were recovered.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// FetchStrategy is one interchangeable way of retrieving content. New
// strategies are added by registering an implementation, never by
// branching on type tags.
type FetchStrategy interface {
	Name() string
	CanHandle(input string) bool
	Fetch(ctx context.Context, input string) (FetchResult, error)
	// Probe is a lightweight liveness check used to re-enable a disabled
	// source after its cooldown.
	Probe(ctx context.Context) error
}

// BlobStore writes fetched artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
