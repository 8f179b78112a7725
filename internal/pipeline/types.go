// Package pipeline defines the shared domain types and small interfaces
// used across the capture, queue, and fetch layers.
package pipeline

import (
	"time"
)

// AcceptStatus reports whether a submission was durably captured.
type AcceptStatus string

// Submission outcomes.
const (
	AcceptAccepted AcceptStatus = "accepted"
	AcceptRejected AcceptStatus = "rejected"
)

// Receipt is the synchronous answer to a Submit call. When Status is
// rejected, CaptureID is empty and Reason explains why the input was NOT
// captured; the caller must retry the submission.
type Receipt struct {
	CaptureID string       `json:"capture_id"`
	Status    AcceptStatus `json:"accept_status"`
	Reason    string       `json:"reason,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`
}

// CaptureRecord is the immutable index entry for one accepted submission.
// Once written it is never mutated or deleted by this service.
type CaptureRecord struct {
	CaptureID   string    `json:"capture_id"`
	Fingerprint string    `json:"fingerprint"`
	Seq         uint64    `json:"seq"`
	PrimaryRef  string    `json:"primary_ref"`
	BackupRef   string    `json:"backup_ref"`
	SourceHint  string    `json:"source_hint"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ItemState is the work queue state of a capture.
type ItemState string

// Queue item states. Dead is terminal and requires operator intervention
// via the requeue API; completed is the only other terminal state.
const (
	StatePending         ItemState = "pending"
	StateLeased          ItemState = "leased"
	StateCompleted       ItemState = "completed"
	StateFailedRetryable ItemState = "failed_retryable"
	StateDead            ItemState = "dead"
)

// QueueItem tracks processing state for one capture (1:1).
type QueueItem struct {
	CaptureID      string    `json:"capture_id"`
	State          ItemState `json:"state"`
	Priority       int       `json:"priority"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	LastErrorClass string    `json:"last_error_class,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// SourceSpec is the declarative configuration for one fetch source, loaded
// at startup. Runtime health state lives in the registry, not here.
type SourceSpec struct {
	Name                     string        `mapstructure:"name"`
	Pattern                  string        `mapstructure:"pattern"`
	Priority                 int           `mapstructure:"priority"`
	Timeout                  time.Duration `mapstructure:"-"`
	TimeoutSeconds           int           `mapstructure:"timeout_seconds"`
	MaxFailuresBeforeDisable int           `mapstructure:"max_failures_before_disable"`
}

// SourceStatus is a point-in-time snapshot of one source's registry state.
type SourceStatus struct {
	Name                string    `json:"name"`
	Pattern             string    `json:"pattern"`
	Priority            int       `json:"priority"`
	SuccessRate         float64   `json:"success_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Enabled             bool      `json:"enabled"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	DisableCount        int       `json:"disable_count"`
}

// AttemptOutcome classifies one (item, source) fetch attempt.
type AttemptOutcome string

// Attempt outcomes.
const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeTimeout AttemptOutcome = "timeout"
)

// FetchAttempt records one try of one source against one item. It is folded
// into source aggregates and not retained beyond the event audit window.
type FetchAttempt struct {
	CaptureID  string
	Source     string
	Outcome    AttemptOutcome
	Latency    time.Duration
	ErrorClass string
}

// FetchResult is the normalized output of a successful strategy fetch.
type FetchResult struct {
	Source      string
	Body        []byte
	ContentType string
	FinalURL    string
	StatusCode  int
	Latency     time.Duration
}

// Error classes recorded on queue items and attempts.
const (
	ClassAttemptFailed    = "attempt_failed"
	ClassTimeout          = "timeout"
	ClassFetchExhausted   = "fetch_exhausted"
	ClassNoEligibleSource = "no_eligible_source"
	ClassLeaseExpired     = "lease_expired"
)
