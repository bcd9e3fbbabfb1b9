package envelope

import "math"

// ConfidenceModel holds the constants used to score a stage's confidence.
type ConfidenceModel struct {
	Base            float64 `json:"base" validate:"gte=0,lte=1"`
	Step            float64 `json:"step" validate:"gte=0,lte=1"`
	HighGapPenalty  float64 `json:"high_gap_penalty" validate:"gte=0,lte=1"`
	Min             float64 `json:"min" validate:"gte=0,lte=1"`
	Max             float64 `json:"max" validate:"gte=0,lte=1,gtefield=Min"`
	ReviewThreshold float64 `json:"review_threshold" validate:"gte=0,lte=1"`

	// Insight policy block: Base plus one bonus per satisfied condition.
	PolicyMatchBonus    float64 `json:"policy_match_bonus" validate:"gte=0,lte=1"`
	PolicyAdminBonus    float64 `json:"policy_admin_bonus" validate:"gte=0,lte=1"`
	PolicyIndustryBonus float64 `json:"policy_industry_bonus" validate:"gte=0,lte=1"`
	// CompletenessSignal is the intake completeness at which insight counts
	// its inputs as complete.
	CompletenessSignal float64 `json:"completeness_signal" validate:"gte=0,lte=1"`

	ReportComplete float64 `json:"report_complete" validate:"gte=0,lte=1"`
	ReportWithGaps float64 `json:"report_with_gaps" validate:"gte=0,lte=1"`
}

// DefaultConfidenceModel returns the calibrated defaults.
func DefaultConfidenceModel() ConfidenceModel {
	return ConfidenceModel{
		Base:            0.55,
		Step:            0.10,
		HighGapPenalty:  0.05,
		Min:             0.15,
		Max:             0.90,
		ReviewThreshold: 0.60,

		PolicyMatchBonus:    0.20,
		PolicyAdminBonus:    0.10,
		PolicyIndustryBonus: 0.05,
		CompletenessSignal:  0.66,

		ReportComplete: 0.75,
		ReportWithGaps: 0.60,
	}
}

// Clamp bounds v to [Min, Max].
func (m ConfidenceModel) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return m.Min
	}
	return math.Max(m.Min, math.Min(m.Max, v))
}

// Score starts at Base, adds one Step per satisfied signal, subtracts the
// high-gap penalty for every high-severity gap and clamps the result.
func (m ConfidenceModel) Score(gaps []DataGap, signals ...bool) float64 {
	v := m.Base
	for _, ok := range signals {
		if ok {
			v += m.Step
		}
	}
	v -= m.HighGapPenalty * float64(CountHighGaps(gaps))
	return round4(m.Clamp(v))
}

// Scaled returns Base + span*ratio, clamped, for ratio-style completeness.
func (m ConfidenceModel) Scaled(span, ratio float64, gaps []DataGap) float64 {
	v := m.Base + span*ratio
	v -= m.HighGapPenalty * float64(CountHighGaps(gaps))
	return round4(m.Clamp(v))
}

// Policy scores the insight policy block.
func (m ConfidenceModel) Policy(gaps []DataGap, matched, adminCodes, industryCodes bool) float64 {
	v := m.Base - m.HighGapPenalty*float64(CountHighGaps(gaps))
	if matched {
		v += m.PolicyMatchBonus
	}
	if adminCodes {
		v += m.PolicyAdminBonus
	}
	if industryCodes {
		v += m.PolicyIndustryBonus
	}
	return round4(m.Clamp(v))
}

// Report scores the final report from the gaps carried forward by the
// earlier stages. High-severity gaps cost HighGapPenalty each.
func (m ConfidenceModel) Report(gaps []DataGap) float64 {
	v := m.ReportComplete
	if len(gaps) > 0 {
		v = m.ReportWithGaps
	}
	v -= m.HighGapPenalty * float64(CountHighGaps(gaps))
	return round4(m.Clamp(v))
}

// NeedsReview reports whether an envelope should raise a review item.
func (m ConfidenceModel) NeedsReview(confidence float64, gaps []DataGap) bool {
	return confidence < m.ReviewThreshold || CountHighGaps(gaps) > 0
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
