package energy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energyagent/domain/envelope"
)

func TestEstimateBaselineDefaults(t *testing.T) {
	b, assumptions := EstimateBaseline(BaselineInput{})

	assert.Equal(t, DefaultBaselineYear, b.BaselineYear)
	assert.Equal(t, DefaultEntityCount, b.EntityCount)
	assert.Equal(t, 69.6, b.ElectricityMWh)
	assert.Equal(t, 37.2, b.ThermalMWh)
	assert.Equal(t, 7.81, b.Scope1TCO2)
	assert.Equal(t, 40.37, b.Scope2TCO2)
	assert.Equal(t, 48.18, b.TotalEmissionsTCO2)

	require.Len(t, assumptions, 4)
	assert.Equal(t, "grid_emission_factor", assumptions[2].Name)
	assert.Equal(t, DefaultGridEmissionFactor, assumptions[2].Value)
	assert.Equal(t, envelope.SeverityMedium, assumptions[3].Sensitivity)
}

func TestEstimateBaselineUsesScenarioFactors(t *testing.T) {
	b, _ := EstimateBaseline(BaselineInput{
		BaselineYear:        2024,
		AreaKm2:             5,
		EntityCount:         10,
		GridEmissionFactor:  0.5,
		ThermalScope1Factor: 0.2,
	})

	assert.Equal(t, 2024, b.BaselineYear)
	assert.Equal(t, 54.0, b.ElectricityMWh)
	assert.Equal(t, 31.0, b.ThermalMWh)
	assert.Equal(t, 6.2, b.Scope1TCO2)
	assert.Equal(t, 27.0, b.Scope2TCO2)
	assert.Equal(t, 33.2, b.TotalEmissionsTCO2)
}

func TestScreenRanksAndFlagsMissingInputs(t *testing.T) {
	measures, gaps := Screen(Library, ScreenInput{TotalEmissionsTCO2: 1000})

	require.Len(t, measures, len(Library))
	assert.Equal(t, []string{"PV_ROOF", "EE_MOTOR", "WASTE_HEAT", "BESS_TOU"}, IDs(measures))

	pv := measures[0]
	assert.Equal(t, 0.57, pv.Score)
	assert.Equal(t, 180.0, pv.ReductionTCO2)
	assert.Equal(t, 2.7, pv.CapexMillionCNY)
	assert.Equal(t, 174.96, pv.AnnualNetMillionCNY)
	assert.Equal(t, []string{"roof_area_m2", "solar_profile"}, pv.MissingInputs)

	require.Len(t, gaps, 4)
	assert.Equal(t, "PV_ROOF:roof_area_m2,solar_profile", gaps[0].Missing)
	for _, gap := range gaps {
		assert.Equal(t, envelope.SeverityHigh, gap.Severity)
	}
}

func TestScreenWithInputsAndLimit(t *testing.T) {
	measures, gaps := Screen(Library, ScreenInput{
		TotalEmissionsTCO2: 500,
		ElectricityPrice:   0.6,
		CarbonPrice:        80,
		AvailableFields:    map[string]bool{"roof_area_m2": true, "solar_profile": true, "steam_grade": true},
		MaxMeasures:        2,
	})

	require.Len(t, measures, 2)
	assert.Equal(t, "PV_ROOF", measures[0].ID)
	assert.Equal(t, 0.72, measures[0].Score)
	assert.Empty(t, measures[0].MissingInputs)
	assert.Equal(t, "WASTE_HEAT", measures[1].ID)
	assert.Equal(t, 0.58, measures[1].Score)

	require.Len(t, gaps, 3)
	assert.Equal(t, "WASTE_HEAT:waste_heat_profile", gaps[0].Missing)
	assert.Equal(t, envelope.SeverityMedium, gaps[0].Severity)
}

func TestScreenScoreFloor(t *testing.T) {
	lib := []Measure{{ID: "X", Scope: Scope1, BaseScore: 0.4, ReductionRatio: 0.1, RequiredInputs: []string{"a", "b", "c"}}}
	measures, _ := Screen(lib, ScreenInput{})
	require.Len(t, measures, 1)
	assert.Equal(t, 0.35, measures[0].Score)
	assert.Equal(t, 100.0, measures[0].ReductionTCO2)
}

func TestRollupNetsIncentivesBoundedByCapex(t *testing.T) {
	p, flows, gaps := Rollup(RollupInput{
		Measures: []ScreenedMeasure{
			{ID: "A", CapexMillionCNY: 5, AnnualNetMillionCNY: 1},
			{ID: "B", CapexMillionCNY: 3, AnnualNetMillionCNY: 1},
		},
		Incentives: map[string]float64{"A": 1, "B": 9},
	})

	assert.Empty(t, gaps)
	assert.Equal(t, SourceFallbackRollup, p.Source)
	assert.Equal(t, 8.0, p.GrossCapexMillionCNY)
	assert.Equal(t, 4.0, p.IncentiveMillionCNY)
	assert.Equal(t, 4.0, p.CapexMillionCNY)
	assert.Equal(t, 2.0, p.AnnualNetMillionCNY)
	assert.Equal(t, DefaultDiscountRate, p.DiscountRate)
	require.NotNil(t, p.PaybackYears)
	assert.Equal(t, 2.0, *p.PaybackYears)
	assert.InDelta(t, 9.42, p.NPVMillionCNY, 0.011)

	require.Len(t, flows, DefaultHorizonYears)
	assert.Equal(t, 1.8519, flows[0].DiscountedNetMillionCNY)
	assert.Greater(t, flows[0].DiscountedNetMillionCNY, flows[9].DiscountedNetMillionCNY)
}

func TestRollupWithoutMeasures(t *testing.T) {
	p, flows, gaps := Rollup(RollupInput{HorizonYears: 3, DiscountRate: 0.1})

	assert.Nil(t, p.PaybackYears)
	assert.Equal(t, 0.0, p.NPVMillionCNY)
	assert.Len(t, flows, 3)
	require.Len(t, gaps, 2)
	assert.Equal(t, "measures", gaps[0].Missing)
	assert.Equal(t, "annual_net_savings", gaps[1].Missing)
	assert.Equal(t, 2, envelope.CountHighGaps(gaps))
}
