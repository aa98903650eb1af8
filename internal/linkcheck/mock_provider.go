package linkcheck

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProber is a mock implementation of the Prober interface for testing.
type MockProber struct {
	mock.Mock
}

// Probe is the mock implementation of the Probe method.
func (m *MockProber) Probe(ctx context.Context, url string) ProbeResult {
	args := m.Called(ctx, url)
	result, _ := args.Get(0).(ProbeResult)
	return result
}

// MockSink is a mock implementation of the Sink interface for testing.
type MockSink struct {
	mock.Mock
}

// Deliver is the mock implementation of the Deliver method.
func (m *MockSink) Deliver(ctx context.Context, destination, text string, isBatchHeader bool) error {
	args := m.Called(ctx, destination, text, isBatchHeader)
	return args.Error(0) //nolint:wrapcheck
}
