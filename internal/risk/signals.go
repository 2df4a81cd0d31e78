package risk

import (
	"traffic-prism/internal/models"
	"traffic-prism/internal/predicate"
)

const (
	// MaxScore caps the composite score.
	MaxScore = 10

	loginAttemptThreshold = 2
	burstURLThreshold     = 40
	burstWindowSeconds    = 180
)

// Signal is one named, fixed-weight, binary-gated risk indicator. A
// saturating signal pins the composite to MaxScore on its own.
type Signal struct {
	Name      string
	Weight    int
	Saturates bool
	Fires     func(s *models.Session) bool
}

var (
	loginURL = predicate.AnyOf(predicate.FieldURL, predicate.OpContains, "login")
	botAgent = predicate.AnyOf(predicate.FieldUserAgent, predicate.OpContains, "bot")

	xssURL      = predicate.AnyOf(predicate.FieldURL, predicate.OpContains, "script", "</script>", "src")
	redirectURL = predicate.AnyOf(predicate.FieldURL, predicate.OpContains, "redirect", "target=")
	ssrfURL     = predicate.AnyOf(predicate.FieldURL, predicate.OpContains, "localhost", "127.0.0.1")
	// SQL keywords only count when joined by a space, '+' or "%20", so
	// paths like "/plans/select-tier?from=" stay clean.
	sqliURL = predicate.AnyOf(predicate.FieldURL, predicate.OpLike,
		"% or %=% or %",
		"%1=1%",
		"%union select%",
		"%union+select%",
		"%union%20select%",
		"%;%drop table%",
		"%;%drop+table%",
		"%;%drop%20table%",
	)
)

// Signals lists every extractor in presentation order.
var Signals = []Signal{
	{Name: models.SignalBrowser, Weight: 3, Fires: func(s *models.Session) bool { return len(s.BrowserIDs) > 1 }},
	{Name: models.SignalIP, Weight: 3, Fires: func(s *models.Session) bool { return len(s.IPs) > 1 }},
	{Name: models.SignalLogin, Weight: 2, Fires: func(s *models.Session) bool { return countMatching(s, loginURL) > loginAttemptThreshold }},
	{Name: models.SignalFreq, Weight: 2, Fires: burst},
	{Name: models.SignalBot, Weight: 2, Fires: anyMatching(botAgent)},
	{Name: models.SignalGeo, Weight: 3, Fires: func(s *models.Session) bool { return len(s.Locations) > 1 }},
	{Name: models.SignalXSS, Weight: 8, Saturates: true, Fires: anyMatching(xssURL)},
	{Name: models.SignalRedirect, Weight: 8, Saturates: true, Fires: anyMatching(redirectURL)},
	{Name: models.SignalSSRF, Weight: 8, Saturates: true, Fires: anyMatching(ssrfURL)},
	{Name: models.SignalSQLi, Weight: 8, Saturates: true, Fires: anyMatching(sqliURL)},
}

func anyMatching(p predicate.Predicate) func(*models.Session) bool {
	return func(s *models.Session) bool {
		for i := range s.Events {
			if p.Eval(&s.Events[i]) {
				return true
			}
		}
		return false
	}
}

func countMatching(s *models.Session, p predicate.Predicate) int {
	n := 0
	for i := range s.Events {
		if p.Eval(&s.Events[i]) {
			n++
		}
	}
	return n
}

// burst fires on many distinct pages viewed in a short session.
func burst(s *models.Session) bool {
	if s.Duration().Seconds() >= burstWindowSeconds {
		return false
	}
	return distinctURLs(s) > burstURLThreshold
}

func distinctURLs(s *models.Session) int {
	seen := make(map[string]struct{}, len(s.Events))
	for i := range s.Events {
		seen[s.Events[i].URL] = struct{}{}
	}
	return len(seen)
}

// urlChanges counts events whose URL differs from the previous event's.
// The first event always counts.
func urlChanges(s *models.Session) int {
	n := 0
	for i := range s.Events {
		if i == 0 || s.Events[i].URL != s.Events[i-1].URL {
			n++
		}
	}
	return n
}
