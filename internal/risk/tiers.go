package risk

import "traffic-prism/internal/models"

const (
	terminateTierFloor = 8
	captchaTierFloor   = 5
)

// ActionTiers maps a composite score to the recommended weights over
// {no interference, captcha, terminate}. The result is advisory.
func ActionTiers(score int) models.ActionDistribution {
	switch {
	case score >= terminateTierFloor:
		return models.ActionDistribution{NoInterference: 0, SendCaptcha: 10, Terminate: 90}
	case score >= captchaTierFloor:
		return models.ActionDistribution{NoInterference: 10, SendCaptcha: 80, Terminate: 10}
	default:
		return models.ActionDistribution{NoInterference: 90, SendCaptcha: 10, Terminate: 0}
	}
}
