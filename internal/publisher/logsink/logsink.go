// Package logsink writes notifications to the structured log.
package logsink

import (
	"context"

	"go.uber.org/zap"
)

// Publisher logs every delivery at info level.
type Publisher struct {
	logger *zap.Logger
}

// New returns a log Publisher.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger.Named("notify")}
}

// Deliver logs the message. It never fails.
func (p *Publisher) Deliver(_ context.Context, destination, text string, isBatchHeader bool) error {
	p.logger.Info("notification",
		zap.String("destination", destination),
		zap.Bool("header", isBatchHeader),
		zap.String("text", text),
	)
	return nil
}
