// Package memory records deliveries in memory for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/linkguard/internal/publisher"
)

// Publisher stores delivered messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []publisher.Message
	failing  map[string]error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{failing: make(map[string]error)}
}

// FailFor makes every delivery to destination return err. A nil err clears it.
func (p *Publisher) FailFor(destination string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failing, destination)
		return
	}
	p.failing[destination] = err
}

// Deliver records the message.
func (p *Publisher) Deliver(_ context.Context, destination, text string, isBatchHeader bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failing[destination]; ok {
		return fmt.Errorf("deliver to %s: %w", destination, err)
	}
	p.messages = append(p.messages, publisher.Message{
		Destination: destination,
		Text:        text,
		Header:      isBatchHeader,
		SentAt:      time.Now().UTC(),
	})
	return nil
}

// Messages returns every recorded delivery in order.
func (p *Publisher) Messages() []publisher.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]publisher.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// For returns the deliveries made to one destination.
func (p *Publisher) For(destination string) []publisher.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []publisher.Message
	for _, m := range p.messages {
		if m.Destination == destination {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops recorded deliveries.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
