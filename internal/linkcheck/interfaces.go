package linkcheck

import (
	"context"
	"time"
)

// Prober resolves the HTTP behavior of one URL. Implementations never return
// an error: transport failures are recorded on the result.
type Prober interface {
	Probe(ctx context.Context, url string) ProbeResult
}

// Classifier maps a probe observation to an outcome.
type Classifier interface {
	Classify(result ProbeResult) Classification
}

// Sink delivers a message to one subscriber destination.
type Sink interface {
	Deliver(ctx context.Context, destination, text string, isBatchHeader bool) error
}

// MonitorSet yields the URLs under watch at the moment of the call.
type MonitorSet interface {
	Snapshot(ctx context.Context) ([]string, error)
}

// DestinationSource yields the subscribers a report is sent to.
type DestinationSource interface {
	Destinations(ctx context.Context) ([]string, error)
}

// Pacer blocks between delivery batches.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
