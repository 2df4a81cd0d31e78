package models

import "time"

// Signal names, in presentation order.
const (
	SignalBrowser  = "browser_risk"
	SignalIP       = "ip_risk"
	SignalLogin    = "login_risk"
	SignalFreq     = "freq_risk"
	SignalBot      = "bot_risk"
	SignalGeo      = "geo_risk"
	SignalXSS      = "xss_risk"
	SignalRedirect = "redirect_risk"
	SignalSSRF     = "ssrf_risk"
	SignalSQLi     = "sqli_risk"
)

// Action names used in the recommended distribution.
const (
	ActionNoInterference = "No interference"
	ActionSendCaptcha    = "Send Captcha"
	ActionTerminate      = "Terminate and Redirect"
)

// ActionDistribution is the recommended weight per action; the three
// weights always sum to 100.
type ActionDistribution struct {
	NoInterference int `json:"no_interference"`
	SendCaptcha    int `json:"send_captcha"`
	Terminate      int `json:"terminate"`
}

// Recommended returns the action with the highest weight.
func (d ActionDistribution) Recommended() string {
	switch {
	case d.Terminate >= d.SendCaptcha && d.Terminate >= d.NoInterference:
		return ActionTerminate
	case d.SendCaptcha >= d.NoInterference:
		return ActionSendCaptcha
	default:
		return ActionNoInterference
	}
}

// RiskAssessment is a point-in-time snapshot computed from one event window.
type RiskAssessment struct {
	SessionID          string             `json:"session_id"`
	Hostname           string             `json:"hostname"`
	BrowserRisk        int                `json:"browser_risk"`
	IPRisk             int                `json:"ip_risk"`
	LoginRisk          int                `json:"login_risk"`
	FreqRisk           int                `json:"freq_risk"`
	BotRisk            int                `json:"bot_risk"`
	GeoRisk            int                `json:"geo_risk"`
	XSSRisk            int                `json:"xss_risk"`
	RedirectRisk       int                `json:"redirect_risk"`
	SSRFRisk           int                `json:"ssrf_risk"`
	SQLiRisk           int                `json:"sqli_risk"`
	CompositeScore     int                `json:"total_risk_score"`
	ActionDistribution ActionDistribution `json:"action_recommendations"`
	RecommendedAction  string             `json:"recommended_action"`

	RequestCount           int       `json:"request_count"`
	DistinctIPCount        int       `json:"distinct_ip_count"`
	LoginAttempts          int       `json:"login_attempts"`
	SessionDurationSeconds int64     `json:"session_duration"`
	URLChangeCount         int       `json:"url_change_count"`
	FirstActivity          time.Time `json:"first_activity"`
	LastActivity           time.Time `json:"last_activity"`
	ComputedAt             time.Time `json:"computed_at"`
}

// Signals returns the ten named signal scores.
func (a *RiskAssessment) Signals() map[string]int {
	return map[string]int{
		SignalBrowser:  a.BrowserRisk,
		SignalIP:       a.IPRisk,
		SignalLogin:    a.LoginRisk,
		SignalFreq:     a.FreqRisk,
		SignalBot:      a.BotRisk,
		SignalGeo:      a.GeoRisk,
		SignalXSS:      a.XSSRisk,
		SignalRedirect: a.RedirectRisk,
		SignalSSRF:     a.SSRFRisk,
		SignalSQLi:     a.SQLiRisk,
	}
}
