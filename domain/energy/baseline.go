// Package energy holds the descriptive park models: the baseline proxy,
// measure screening and the portfolio finance roll-up. None of it optimises;
// every number is a transparent proxy that carries its own assumptions.
package energy

import (
	"math"

	"energyagent/domain/envelope"
)

// Baseline proxy constants.
const (
	DefaultAreaKm2             = 10.0
	DefaultEntityCount         = 12
	DefaultBaselineYear        = 2023
	DefaultGridEmissionFactor  = 0.58
	DefaultThermalScope1Factor = 0.21

	electricityPerEntity = 4.8
	electricityPerKm2    = 1.2
	thermalPerEntity     = 3.1
)

// BaselineInput is what the proxy reads from the selection and scenario.
// Zero values fall back to the defaults above.
type BaselineInput struct {
	BaselineYear        int
	AreaKm2             float64
	EntityCount         int
	GridEmissionFactor  float64
	ThermalScope1Factor float64
}

// Baseline is the estimated annual energy use and emissions of a park.
type Baseline struct {
	BaselineYear       int     `json:"baseline_year"`
	AreaKm2            float64 `json:"area_km2"`
	EntityCount        int     `json:"entity_count_est"`
	ElectricityMWh     float64 `json:"electricity_mwh"`
	ThermalMWh         float64 `json:"thermal_mwh"`
	Scope1TCO2         float64 `json:"scope1_emissions_tco2"`
	Scope2TCO2         float64 `json:"scope2_emissions_tco2"`
	TotalEmissionsTCO2 float64 `json:"total_emissions_tco2"`
	BoundaryNote       string  `json:"boundary_note"`
}

// EstimateBaseline applies the entity/area proxy and returns the baseline
// together with the assumptions it rests on.
func EstimateBaseline(in BaselineInput) (Baseline, []envelope.Assumption) {
	area := in.AreaKm2
	if area <= 0 {
		area = DefaultAreaKm2
	}
	entities := in.EntityCount
	if entities <= 0 {
		entities = DefaultEntityCount
	}
	year := in.BaselineYear
	if year <= 0 {
		year = DefaultBaselineYear
	}
	gridEF := orDefault(in.GridEmissionFactor, DefaultGridEmissionFactor)
	s1Factor := orDefault(in.ThermalScope1Factor, DefaultThermalScope1Factor)

	electricity := Round(float64(entities)*electricityPerEntity+area*electricityPerKm2, 2)
	thermal := Round(float64(entities)*thermalPerEntity, 2)
	s1 := Round(thermal*s1Factor, 2)
	s2 := Round(electricity*gridEF, 2)

	b := Baseline{
		BaselineYear:       year,
		AreaKm2:            Round(area, 3),
		EntityCount:        entities,
		ElectricityMWh:     electricity,
		ThermalMWh:         thermal,
		Scope1TCO2:         s1,
		Scope2TCO2:         s2,
		TotalEmissionsTCO2: Round(s1+s2, 2),
		BoundaryNote:       "Scope1 = fuel-fired thermal use (proxy); Scope2 = purchased electricity (proxy)",
	}

	assumptions := []envelope.Assumption{
		{
			Name:        "baseline_electricity_proxy",
			Value:       "entity_count * 4.8 + area_km2 * 1.2",
			Unit:        "MWh",
			Reason:      "Proxy until metered electricity data is connected",
			Sensitivity: envelope.SeverityHigh,
			Source:      "energy.EstimateBaseline",
		},
		{
			Name:        "baseline_thermal_proxy",
			Value:       "entity_count * 3.1",
			Unit:        "MWh",
			Reason:      "Proxy until boiler, steam or gas metering is connected",
			Sensitivity: envelope.SeverityHigh,
			Source:      "energy.EstimateBaseline",
		},
		{
			Name:        "grid_emission_factor",
			Value:       gridEF,
			Unit:        "tCO2/MWh",
			Reason:      "Scenario value or default factor; regional scope still to be verified",
			Sensitivity: envelope.SeverityHigh,
			Source:      "scenario",
		},
		{
			Name:        "thermal_scope1_factor",
			Value:       s1Factor,
			Unit:        "tCO2/MWh",
			Reason:      "Averaged factor; replace with fuel-type and efficiency specific factors",
			Sensitivity: envelope.SeverityMedium,
			Source:      "scenario",
		},
	}
	return b, assumptions
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
