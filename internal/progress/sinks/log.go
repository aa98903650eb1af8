package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkguard/internal/progress"
)

// LogSink writes every event as a structured log line.
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

// Consume logs each event in the batch. Probe results log at debug level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{zap.String("stage", string(evt.Stage))}
		if evt.CycleID != [16]byte{} {
			fields = append(fields, zap.String("cycle_id", evt.CycleUUID().String()))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.String("outcome", evt.Outcome), zap.Bool("cached", evt.Cached))
		}
		if evt.Destination != "" {
			fields = append(fields, zap.String("destination", evt.Destination))
		}
		if evt.Count > 0 {
			fields = append(fields, zap.Int("count", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}

		switch evt.Stage {
		case progress.StageProbeDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageDeliveryError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
