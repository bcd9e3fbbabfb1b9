package policy

import (
	"energyagent/domain/core"
)

// ScoringConfig holds the matcher's additive scoring constants.
type ScoringConfig struct {
	Base               float64 `json:"base" validate:"gte=0"`
	AdminTagged        float64 `json:"admin_tagged" validate:"gte=0"`
	AdminUntagged      float64 `json:"admin_untagged" validate:"gte=0"`
	MeasureTagged      float64 `json:"measure_tagged" validate:"gte=0"`
	MeasureUntagged    float64 `json:"measure_untagged" validate:"gte=0"`
	IndustryBothTagged float64 `json:"industry_both_tagged" validate:"gte=0"`
	Cap                float64 `json:"cap" validate:"gt=0,lte=1"`
	TopK               int     `json:"top_k" validate:"gt=0"`
}

// DefaultScoringConfig returns the calibrated matcher constants.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Base:               0.40,
		AdminTagged:        0.25,
		AdminUntagged:      0.05,
		MeasureTagged:      0.25,
		MeasureUntagged:    0.05,
		IndustryBothTagged: 0.10,
		Cap:                0.95,
		TopK:               30,
	}
}

// Hash identifies the scoring constants for reproducibility records.
func (c ScoringConfig) Hash() core.ConfigHash {
	return core.ConfigHash(core.HashJSON(c))
}
