// Package pubsub delivers notifications to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/linkguard/internal/publisher"
)

// Publisher wraps a Pub/Sub publisher client.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Deliver publishes the message as JSON with the destination as an attribute
// and waits for the server acknowledgement.
func (p *Publisher) Deliver(ctx context.Context, destination, text string, isBatchHeader bool) error {
	if p.publisher == nil {
		return errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(publisher.Message{
		Destination: destination,
		Text:        text,
		Header:      isBatchHeader,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"destination": destination},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}
