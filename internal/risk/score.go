package risk

import (
	"time"

	"traffic-prism/internal/models"
)

// Assess computes a fresh assessment from one session window. It reads
// nothing but its arguments and mutates nothing, so repeated calls with
// the same window return the same values apart from ComputedAt.
func Assess(s *models.Session, now time.Time) models.RiskAssessment {
	a := models.RiskAssessment{
		SessionID:  s.SessionID,
		Hostname:   s.Hostname,
		ComputedAt: now,
	}

	if len(s.Events) > 0 {
		scores := make(map[string]int, len(Signals))
		total, saturated := 0, false
		for _, sig := range Signals {
			if sig.Fires(s) {
				scores[sig.Name] = sig.Weight
				total += sig.Weight
				saturated = saturated || sig.Saturates
			}
		}
		a.BrowserRisk = scores[models.SignalBrowser]
		a.IPRisk = scores[models.SignalIP]
		a.LoginRisk = scores[models.SignalLogin]
		a.FreqRisk = scores[models.SignalFreq]
		a.BotRisk = scores[models.SignalBot]
		a.GeoRisk = scores[models.SignalGeo]
		a.XSSRisk = scores[models.SignalXSS]
		a.RedirectRisk = scores[models.SignalRedirect]
		a.SSRFRisk = scores[models.SignalSSRF]
		a.SQLiRisk = scores[models.SignalSQLi]
		a.CompositeScore = min(total, MaxScore)
		if saturated {
			a.CompositeScore = MaxScore
		}

		a.RequestCount = len(s.Events)
		a.DistinctIPCount = len(s.IPs)
		a.LoginAttempts = countMatching(s, loginURL)
		a.SessionDurationSeconds = int64(s.Duration() / time.Second)
		a.URLChangeCount = urlChanges(s)
		a.FirstActivity = s.FirstActivity
		a.LastActivity = s.LastActivity
	}

	a.ActionDistribution = ActionTiers(a.CompositeScore)
	a.RecommendedAction = a.ActionDistribution.Recommended()
	return a
}

// AssessEvents groups an unordered event window and assesses it.
func AssessEvents(hostname, sessionID string, events []models.Event, now time.Time) models.RiskAssessment {
	return Assess(models.NewSession(hostname, sessionID, events), now)
}
