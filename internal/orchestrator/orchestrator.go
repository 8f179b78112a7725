// Package orchestrator runs the ranked failover loop: try the best eligible
// source for an input, score the result, move to the next on failure.
package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/events"
	"github.com/stashd-io/stashd/internal/metrics"
	"github.com/stashd-io/stashd/internal/pipeline"
	"github.com/stashd-io/stashd/internal/registry"
)

// Orchestrator resolves one input per call using the registry's ranking. It
// holds no per-item state; all health bookkeeping lives in the registry.
type Orchestrator struct {
	registry   *registry.Registry
	strategies map[string]pipeline.FetchStrategy
	clock      pipeline.Clock
	emitter    events.Emitter
	logger     *zap.Logger
}

// New wires the orchestrator. The strategies map is keyed by source name;
// every configured source must have a strategy or its attempts fail fast.
func New(reg *registry.Registry, strategies map[string]pipeline.FetchStrategy, clock pipeline.Clock, emitter events.Emitter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:   reg,
		strategies: strategies,
		clock:      clock,
		emitter:    emitter,
		logger:     logger.Named("orchestrator"),
	}
}

// Resolve tries eligible sources in rank order until one succeeds. It returns
// pipeline.ErrNoEligibleSource when nothing can ever handle the input, and a
// *pipeline.ExhaustedError when every eligible source failed this pass.
func (o *Orchestrator) Resolve(ctx context.Context, captureID, input string) (pipeline.FetchResult, error) {
	candidates := o.eligible(input)
	if len(candidates) == 0 {
		return pipeline.FetchResult{}, pipeline.ErrNoEligibleSource
	}

	var (
		tried     int
		lastClass string
		lastErr   error
	)
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return pipeline.FetchResult{}, err
		}
		tried++
		result, attempt := o.attempt(ctx, captureID, input, candidate)
		if attempt.Outcome != pipeline.OutcomeSuccess && ctx.Err() != nil {
			// Shutdown or lease loss aborted the attempt. That says
			// nothing about the source's health, so it is not scored.
			return pipeline.FetchResult{}, ctx.Err()
		}
		o.record(attempt)
		if attempt.Outcome == pipeline.OutcomeSuccess {
			return result, nil
		}
		lastClass = attempt.ErrorClass
		lastErr = errors.New(attempt.ErrorClass)
	}
	return pipeline.FetchResult{}, &pipeline.ExhaustedError{
		Tried:     tried,
		LastClass: lastClass,
		LastErr:   lastErr,
	}
}

// eligible intersects the registry's ranked candidates with the strategies
// that report CanHandle for the input.
func (o *Orchestrator) eligible(input string) []registry.Candidate {
	out := make([]registry.Candidate, 0, 4)
	for _, candidate := range o.registry.Candidates(input) {
		strategy, ok := o.strategies[candidate.Name]
		if !ok || !strategy.CanHandle(input) {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

func (o *Orchestrator) attempt(ctx context.Context, captureID, input string, candidate registry.Candidate) (pipeline.FetchResult, pipeline.FetchAttempt) {
	strategy := o.strategies[candidate.Name]
	attemptCtx := ctx
	if candidate.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, candidate.Timeout)
		defer cancel()
	}

	start := o.clock.Now()
	result, err := strategy.Fetch(attemptCtx, input)
	latency := o.clock.Now().Sub(start)

	attempt := pipeline.FetchAttempt{
		CaptureID: captureID,
		Source:    candidate.Name,
		Latency:   latency,
	}
	switch {
	case err == nil:
		attempt.Outcome = pipeline.OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		attempt.Outcome = pipeline.OutcomeTimeout
		attempt.ErrorClass = pipeline.ClassTimeout
	default:
		attempt.Outcome = pipeline.OutcomeFailure
		attempt.ErrorClass = pipeline.ClassAttemptFailed
	}
	if err != nil {
		o.logger.Debug("fetch attempt failed",
			zap.String("capture_id", captureID),
			zap.String("source", candidate.Name),
			zap.String("outcome", string(attempt.Outcome)),
			zap.Error(err),
		)
	}
	return result, attempt
}

// record folds one attempt into the registry score, metrics, and the event
// stream.
func (o *Orchestrator) record(attempt pipeline.FetchAttempt) {
	now := o.clock.Now()
	disabled := false
	if attempt.Outcome == pipeline.OutcomeSuccess {
		o.registry.RecordSuccess(attempt.Source)
	} else {
		disabled = o.registry.RecordFailure(attempt.Source)
	}

	metrics.ObserveAttempt(attempt.Source, string(attempt.Outcome), attempt.Latency)
	if o.emitter != nil {
		o.emitter.Emit(events.Event{
			CaptureID:  attempt.CaptureID,
			TS:         now,
			Stage:      events.StageAttemptDone,
			Source:     attempt.Source,
			Outcome:    string(attempt.Outcome),
			ErrorClass: attempt.ErrorClass,
			Dur:        attempt.Latency,
		})
		if disabled {
			o.emitter.Emit(events.Event{
				TS:     now,
				Stage:  events.StageSourceDisabled,
				Source: attempt.Source,
			})
		}
	}
	if disabled {
		metrics.SetSourcesDisabled(o.registry.DisabledCount())
	}
}
