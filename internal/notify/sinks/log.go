// Package sinks provides notification sink implementations for the
// notify hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// LogSink emits structured logs for every notification. Useful during
// development or when no external sink is configured.
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

// Consume logs each notification using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []sophon.Notification) error {
	for _, n := range batch {
		s.logger.Info("notification",
			zap.String("kind", string(n.Kind)),
			zap.Time("ts", n.TS),
			zap.String("domain", n.Domain),
			zap.String("job_id", n.JobID),
			zap.String("event_id", n.EventID),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
