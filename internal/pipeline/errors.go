package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across queue and orchestrator implementations.
var (
	// ErrNotFound signals that no queue item or capture record exists for
	// the given capture_id.
	ErrNotFound = errors.New("capture not found")

	// ErrNotLeaseOwner signals a heartbeat or completion from a worker
	// that no longer holds the lease.
	ErrNotLeaseOwner = errors.New("worker does not own the lease")

	// ErrNotDead signals a requeue request for an item that is not in the
	// dead state.
	ErrNotDead = errors.New("item is not dead")

	// ErrNoEligibleSource signals that no registered source can ever
	// handle the item's input. Retrying is pointless; the item goes
	// straight to dead without consuming a retry.
	ErrNoEligibleSource = errors.New("no eligible source for input")
)

// ExhaustedError reports that every eligible source failed for one resolve
// pass. The queue worker turns it into a retryable failure.
type ExhaustedError struct {
	Tried     int
	LastClass string
	LastErr   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d eligible sources failed (last: %s)", e.Tried, e.LastClass)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}
