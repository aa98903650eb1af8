// Package webhook delivers notifications as JSON POSTs to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/linkguard/internal/publisher"
)

// DefaultTimeout bounds a single POST.
const DefaultTimeout = 10 * time.Second

// Publisher posts each delivery to a fixed URL.
type Publisher struct {
	url    string
	client *http.Client
}

// New returns a webhook Publisher. A nil client gets a DefaultTimeout client.
func New(url string, client *http.Client) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Publisher{url: url, client: client}, nil
}

// Deliver posts the message; any non-2xx answer is an error.
func (p *Publisher) Deliver(ctx context.Context, destination, text string, isBatchHeader bool) error {
	body, err := json.Marshal(publisher.Message{
		Destination: destination,
		Text:        text,
		Header:      isBatchHeader,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
