package linkcheck

import (
	"fmt"
	"strings"
)

// ErrorKind distinguishes transport failures that ran out of time from all others.
type ErrorKind string

// Supported transport error kinds.
const (
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindOther   ErrorKind = "other"
)

// TransportError describes why a probe never produced an HTTP response.
type TransportError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == ErrorKindTimeout {
		return "timeout"
	}
	return e.Message
}

// ProbeResult is the raw observation collected for a single URL.
//
// StatusCode is zero and Location empty when the server never answered.
// BodySample and ServerHeader are always lowercased.
type ProbeResult struct {
	URL          string
	StatusCode   int
	Location     string
	BodySample   string
	ServerHeader string
	Err          *TransportError
}

// Failed reports whether the probe ended in a transport error.
func (r ProbeResult) Failed() bool {
	return r.Err != nil
}

// Outcome is the classification label assigned to a URL.
type Outcome string

// Outcome labels.
const (
	OutcomeOK                  Outcome = "OK"
	OutcomeRedirect            Outcome = "REDIRECT"
	OutcomeGuard               Outcome = "GUARD"
	OutcomeCloudflareChallenge Outcome = "CLOUDFLARE_CHALLENGE"
	OutcomeError               Outcome = "ERROR"
	OutcomeUnknown             Outcome = "UNKNOWN"
)

// Flagged reports whether subscribers must be told about the outcome in detail.
func (o Outcome) Flagged() bool {
	switch o {
	case OutcomeGuard, OutcomeCloudflareChallenge, OutcomeError:
		return true
	default:
		return false
	}
}

// Classification is the unit stored in the cache and delivered to subscribers.
type Classification struct {
	URL        string  `json:"url"`
	Outcome    Outcome `json:"outcome"`
	Note       string  `json:"note"`
	StatusCode int     `json:"status_code,omitempty"`
	Location   string  `json:"location,omitempty"`
}

// String renders the classification as a single delivery line.
func (c Classification) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", c.Outcome, c.URL)
	if c.Location != "" {
		fmt.Fprintf(&b, " -> %s", c.Location)
	}
	if c.Note != "" {
		fmt.Fprintf(&b, " (%s)", c.Note)
	}
	return b.String()
}

// ErrorClassification builds an ERROR result for failures that happen outside the prober.
func ErrorClassification(url, note string) Classification {
	return Classification{URL: url, Outcome: OutcomeError, Note: note}
}
