// Package events defines the lifecycle event stream emitted by the
// capture, queue, and fetch layers, and the hub that fans events out to
// sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported pipeline stages.
const (
	StageCaptureAccepted Stage = "CAPTURE_ACCEPTED"
	StageCaptureRejected Stage = "CAPTURE_REJECTED"
	StageItemLeased      Stage = "ITEM_LEASED"
	StageAttemptDone     Stage = "ATTEMPT_DONE"
	StageItemCompleted   Stage = "ITEM_COMPLETED"
	StageItemRetry       Stage = "ITEM_RETRY"
	StageItemDead        Stage = "ITEM_DEAD"
	StageSourceDisabled  Stage = "SOURCE_DISABLED"
	StageSourceRestored  Stage = "SOURCE_RESTORED"
)

// Event captures a single pipeline milestone. Attempt events double as the
// short-window audit trail for per-source scoring decisions.
type Event struct {
	// CaptureID identifies the item; empty for source-level events.
	CaptureID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Source optionally scopes the event to a fetch source.
	Source string
	// Outcome is success/failure/timeout for attempt events.
	Outcome string
	// ErrorClass carries the failure classification, if any.
	ErrorClass string
	// Bytes is the fetched payload size for completions.
	Bytes int64
	// Dur captures attempt or item latency.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCaptureAccepted, StageCaptureRejected,
		StageItemLeased, StageItemCompleted, StageItemRetry, StageItemDead:
		if e.CaptureID == "" {
			return errors.New("capture id is required")
		}
	case StageAttemptDone:
		if e.CaptureID == "" {
			return errors.New("capture id is required")
		}
		if e.Source == "" {
			return errors.New("attempt events require a source")
		}
		if e.Outcome == "" {
			return errors.New("attempt events require an outcome")
		}
	case StageSourceDisabled, StageSourceRestored:
		if e.Source == "" {
			return errors.New("source events require a source")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
