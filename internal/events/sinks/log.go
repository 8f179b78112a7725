// Package sinks holds the built-in event sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/stashd-io/stashd/internal/events"
)

// LogSink emits structured logs for the pipeline event stream. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("capture_id", evt.CaptureID),
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Source),
			zap.String("outcome", evt.Outcome),
			zap.String("error_class", evt.ErrorClass),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		s.logger.Info("pipeline event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
