// Package classifier turns probe observations into outcome labels.
//
// Rules are evaluated in a fixed order and the first match wins:
//
//  1. transport error: ERROR
//  2. 5xx, 403 or 429: ERROR
//  3. 3xx with a Location header: GUARD when the redirect matches a guard
//     keyword, REDIRECT otherwise
//  4. a bot-challenge marker in the body: CLOUDFLARE_CHALLENGE
//  5. 200: GUARD when the body holds a guard keyword, OK otherwise
//  6. anything else: UNKNOWN
//
// Classify is pure; the same ProbeResult always yields the same Classification.
package classifier

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/linkguard/internal/linkcheck"
)

// MatchPolicy selects which URL a redirect is checked against for guard keywords.
type MatchPolicy string

// Supported match policies.
const (
	// MatchLocation checks the resolved redirect target.
	MatchLocation MatchPolicy = "location"
	// MatchOriginal checks the URL that was submitted.
	MatchOriginal MatchPolicy = "original"
	// MatchEither flags when either URL matches.
	MatchEither MatchPolicy = "either"
)

// Notes attached to classifications.
const (
	NoteTimeout            = "timeout"
	NoteRedirect           = "redirect"
	NoteRedirectSuspicious = "redirect suspicious"
	NoteChallenge          = "cloudflare challenge"
	NoteKeywordInContent   = "keyword in content"
	NoteOK                 = "200 OK"
)

var defaultGuardKeywords = []string{"judi", "slot", "casino", "bet", "porn", "gamble"}

var defaultChallengeMarkers = []string{"checking your browser", "cf-chl", "attention required"}

// DefaultGuardKeywords returns the keywords used when none are configured.
func DefaultGuardKeywords() []string {
	return append([]string(nil), defaultGuardKeywords...)
}

// DefaultChallengeMarkers returns the body markers used when none are configured.
func DefaultChallengeMarkers() []string {
	return append([]string(nil), defaultChallengeMarkers...)
}

// ParseMatchPolicy validates a policy name. An empty name selects MatchLocation.
func ParseMatchPolicy(name string) (MatchPolicy, error) {
	switch p := MatchPolicy(strings.ToLower(strings.TrimSpace(name))); p {
	case "":
		return MatchLocation, nil
	case MatchLocation, MatchOriginal, MatchEither:
		return p, nil
	default:
		return "", fmt.Errorf("unknown guard match policy %q", name)
	}
}

// Rules configures a Classifier. Nil keyword or marker lists select the defaults.
type Rules struct {
	GuardKeywords    []string
	ChallengeMarkers []string
	Match            MatchPolicy
}

// Classifier implements linkcheck.Classifier.
type Classifier struct {
	keywords []string
	markers  []string
	match    MatchPolicy
}

// New builds a Classifier from rules.
func New(rules Rules) (*Classifier, error) {
	match, err := ParseMatchPolicy(string(rules.Match))
	if err != nil {
		return nil, err
	}
	keywords := rules.GuardKeywords
	if keywords == nil {
		keywords = defaultGuardKeywords
	}
	markers := rules.ChallengeMarkers
	if markers == nil {
		markers = defaultChallengeMarkers
	}
	return &Classifier{
		keywords: lowerAll(keywords),
		markers:  lowerAll(markers),
		match:    match,
	}, nil
}

// Classify applies the rules in order.
func (c *Classifier) Classify(r linkcheck.ProbeResult) linkcheck.Classification {
	out := linkcheck.Classification{URL: r.URL, StatusCode: r.StatusCode}

	switch {
	case r.Err != nil:
		out.Outcome = linkcheck.OutcomeError
		out.Note = transportNote(r.Err)
	case r.StatusCode >= http.StatusInternalServerError,
		r.StatusCode == http.StatusForbidden,
		r.StatusCode == http.StatusTooManyRequests:
		out.Outcome = linkcheck.OutcomeError
		out.Note = statusNote(r.StatusCode)
	case isRedirect(r.StatusCode) && r.Location != "":
		out.Location = resolveLocation(r.URL, r.Location)
		if c.redirectSuspicious(r.URL, out.Location) {
			out.Outcome = linkcheck.OutcomeGuard
			out.Note = NoteRedirectSuspicious
		} else {
			out.Outcome = linkcheck.OutcomeRedirect
			out.Note = NoteRedirect
		}
	case containsAny(r.BodySample, c.markers):
		out.Outcome = linkcheck.OutcomeCloudflareChallenge
		out.Note = NoteChallenge
	case r.StatusCode == http.StatusOK:
		if containsAny(r.BodySample, c.keywords) {
			out.Outcome = linkcheck.OutcomeGuard
			out.Note = NoteKeywordInContent
		} else {
			out.Outcome = linkcheck.OutcomeOK
			out.Note = NoteOK
		}
	default:
		out.Outcome = linkcheck.OutcomeUnknown
		out.Note = statusNote(r.StatusCode)
	}
	return out
}

func (c *Classifier) redirectSuspicious(original, location string) bool {
	switch c.match {
	case MatchOriginal:
		return containsAny(strings.ToLower(original), c.keywords)
	case MatchEither:
		return containsAny(location, c.keywords) || containsAny(strings.ToLower(original), c.keywords)
	default:
		return containsAny(location, c.keywords)
	}
}

// resolveLocation resolves a possibly relative Location against the probed URL and lowercases it.
func resolveLocation(base, location string) string {
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return strings.ToLower(location)
	}
	if u, err := url.Parse(base); err == nil {
		ref = u.ResolveReference(ref)
	}
	return strings.ToLower(ref.String())
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}

func transportNote(err *linkcheck.TransportError) string {
	if err.Kind == linkcheck.ErrorKindTimeout {
		return NoteTimeout
	}
	if err.Message == "" {
		return "error"
	}
	return "error: " + err.Message
}

func statusNote(code int) string {
	if code == 0 {
		return "no status"
	}
	return fmt.Sprintf("HTTP %d", code)
}

func containsAny(haystack string, needles []string) bool {
	if haystack == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
