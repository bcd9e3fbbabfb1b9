package energy

import (
	"fmt"
	"sort"
	"strings"

	"energyagent/domain/envelope"
)

// Emission scope a measure mainly acts on.
const (
	Scope1 = "scope1"
	Scope2 = "scope2"
)

// Screening defaults.
const (
	DefaultMaxMeasures      = 6
	DefaultElectricityPrice = 0.72
	DefaultCarbonPrice      = 45.0
	fallbackTotalEmissions  = 1000.0

	minScore            = 0.35
	maxScore            = 0.95
	missingInputPenalty = 0.1
	capexPerTonne       = 0.015
)

// Measure is one entry of the measure library.
type Measure struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Scope          string   `json:"scope"`
	BaseScore      float64  `json:"base_score"`
	ReductionRatio float64  `json:"reduction_ratio"`
	RequiredInputs []string `json:"required_inputs"`
}

// Library is the built-in measure library.
var Library = []Measure{
	{ID: "PV_ROOF", Name: "Rooftop PV", Scope: Scope2, BaseScore: 0.72, ReductionRatio: 0.18,
		RequiredInputs: []string{"roof_area_m2", "solar_profile"}},
	{ID: "WASTE_HEAT", Name: "Waste heat recovery with heat pumps", Scope: Scope1, BaseScore: 0.65, ReductionRatio: 0.12,
		RequiredInputs: []string{"waste_heat_profile", "steam_grade"}},
	{ID: "BESS_TOU", Name: "Battery storage for TOU peak shaving", Scope: Scope2, BaseScore: 0.58, ReductionRatio: 0.07,
		RequiredInputs: []string{"tou_tariff", "load_profile"}},
	{ID: "EE_MOTOR", Name: "High-efficiency motors and VFD retrofit", Scope: Scope2, BaseScore: 0.61, ReductionRatio: 0.09,
		RequiredInputs: []string{"motor_inventory", "operating_hours"}},
}

// ScreenInput carries what screening needs besides the library.
type ScreenInput struct {
	TotalEmissionsTCO2 float64
	ElectricityPrice   float64
	CarbonPrice        float64
	AvailableFields    map[string]bool
	MaxMeasures        int
}

// ScreenedMeasure is a measure ranked for the park.
type ScreenedMeasure struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Scope               string   `json:"target_scope"`
	Score               float64  `json:"applicability_score"`
	ReductionTCO2       float64  `json:"expected_reduction_tco2"`
	CapexMillionCNY     float64  `json:"capex_million_cny"`
	AnnualNetMillionCNY float64  `json:"annual_net_savings_million_cny"`
	MissingInputs       []string `json:"missing_inputs"`
}

// Screen scores every library measure against the park, ranks them by score
// and keeps the top MaxMeasures. A measure missing required inputs is still
// ranked but with a lower score and a data gap.
func Screen(library []Measure, in ScreenInput) ([]ScreenedMeasure, []envelope.DataGap) {
	total := in.TotalEmissionsTCO2
	if total <= 0 {
		total = fallbackTotalEmissions
	}
	elec := orDefault(in.ElectricityPrice, DefaultElectricityPrice)
	carbon := orDefault(in.CarbonPrice, DefaultCarbonPrice)
	limit := in.MaxMeasures
	if limit <= 0 {
		limit = DefaultMaxMeasures
	}

	screened := make([]ScreenedMeasure, 0, len(library))
	gaps := []envelope.DataGap{}
	for _, m := range library {
		missing := missingInputs(m.RequiredInputs, in.AvailableFields)

		score := m.BaseScore - missingInputPenalty*float64(len(missing))
		if score < minScore {
			score = minScore
		}
		if m.Scope == Scope2 && elec > 0.7 {
			score += 0.05
		}
		if m.Scope == Scope1 && carbon > 60 {
			score += 0.03
		}
		if score > maxScore {
			score = maxScore
		}

		reduction := Round(total*m.ReductionRatio, 2)
		capex := Round(reduction*capexPerTonne, 2)
		savings := Round(reduction*(elec*0.1+carbon*0.02), 2)

		screened = append(screened, ScreenedMeasure{
			ID:                  m.ID,
			Name:                m.Name,
			Scope:               m.Scope,
			Score:               Round(score, 2),
			ReductionTCO2:       reduction,
			CapexMillionCNY:     capex,
			AnnualNetMillionCNY: savings,
			MissingInputs:       missing,
		})

		if len(missing) > 0 {
			severity := envelope.SeverityMedium
			if len(missing) >= 2 {
				severity = envelope.SeverityHigh
			}
			gaps = append(gaps, envelope.DataGap{
				Missing:  fmt.Sprintf("%s:%s", m.ID, strings.Join(missing, ",")),
				Impact:   fmt.Sprintf("cannot size or select equipment for %s without these inputs", m.Name),
				Severity: severity,
			})
		}
	}

	sort.SliceStable(screened, func(i, j int) bool {
		return screened[i].Score > screened[j].Score
	})
	if len(screened) > limit {
		screened = screened[:limit]
	}
	return screened, gaps
}

// IDs lists the measure ids in rank order.
func IDs(measures []ScreenedMeasure) []string {
	ids := make([]string, 0, len(measures))
	for _, m := range measures {
		ids = append(ids, m.ID)
	}
	return ids
}

func missingInputs(required []string, available map[string]bool) []string {
	missing := []string{}
	for _, name := range required {
		if !available[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
