package linkcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLinks(t *testing.T) {
	t.Parallel()

	text := "https://a.example\r\n\n  https://b.example  \n\t\nhttps://a.example"
	require.Equal(t, []string{"https://a.example", "https://b.example", "https://a.example"}, ParseLinks(text))
	require.Empty(t, ParseLinks(" \n \n"))
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	got := Dedupe([]string{"b", "a", "", "b", "  ", "c", "a"})
	require.Equal(t, []string{"b", "a", "c"}, got)
}

func TestOutcomeFlagged(t *testing.T) {
	t.Parallel()

	cases := map[Outcome]bool{
		OutcomeOK:                  false,
		OutcomeRedirect:            false,
		OutcomeGuard:               true,
		OutcomeCloudflareChallenge: true,
		OutcomeError:               true,
		OutcomeUnknown:             false,
	}
	for outcome, want := range cases {
		require.Equal(t, want, outcome.Flagged(), outcome)
	}
}

func TestClassificationString(t *testing.T) {
	t.Parallel()

	c := Classification{
		URL:      "http://a.example",
		Outcome:  OutcomeGuard,
		Note:     "redirect suspicious",
		Location: "http://slot888.example/x",
	}
	require.Equal(t, "[GUARD] http://a.example -> http://slot888.example/x (redirect suspicious)", c.String())
	require.Equal(t, "[OK] http://b.example (200 OK)", Classification{URL: "http://b.example", Outcome: OutcomeOK, Note: "200 OK"}.String())
}
