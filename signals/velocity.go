package signals

import (
	"fmt"

	"github.com/serplab/scamscope/analytics"
)

// Trend classifications for impression growth.
const (
	TrendAccelerating = "accelerating"
	TrendSteady       = "steady"
	TrendDecelerating = "decelerating"
)

const (
	// velocityFullScale is the impressions/day rate that saturates the
	// velocity score.
	velocityFullScale = 500.0

	// VelocityThreshold is the score at which velocity activates on its
	// own.
	VelocityThreshold = 0.40

	// velocityMinImpressions gates the accelerating-trend activation so a
	// query jumping from 2 to 8 impressions never fires.
	velocityMinImpressions = 50
)

// Velocity scores the impression-growth rate between the two comparison
// periods, a proxy for how fast a scam campaign is spreading.
func Velocity(cmp analytics.PeriodComparison, periodDays int) Signal {
	sig := Signal{Type: TypeVelocity, Confidence: VelocityConfidence}
	if periodDays < 1 {
		periodDays = 1
	}

	perDay := float64(cmp.Change.Impressions) / float64(periodDays)
	score := clamp01(perDay / velocityFullScale)

	trend := TrendDecelerating
	switch {
	case cmp.IsNew || cmp.Change.ImpressionsPercent > 100:
		trend = TrendAccelerating
	case cmp.Change.ImpressionsPercent > 0:
		trend = TrendSteady
	}

	sig.Strength = score
	sig.Active = score >= VelocityThreshold ||
		(trend == TrendAccelerating && cmp.Current.Impressions >= velocityMinImpressions)
	sig.Metadata = map[string]any{
		"impressions_per_day": perDay,
		"trend":               trend,
		"is_new":              cmp.IsNew,
	}
	if sig.Active {
		sig.Details = fmt.Sprintf("%s: %.0f impressions/day", trend, perDay)
	} else {
		sig.Details = fmt.Sprintf("growth %s at %.0f impressions/day", trend, perDay)
	}
	return sig
}
