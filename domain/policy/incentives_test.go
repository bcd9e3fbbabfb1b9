package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateNoMatchYieldsEmptyLists(t *testing.T) {
	items := AggregateIncentives([]MeasureCost{{MeasureID: "EE_MOTOR", Capex: 12}}, nil)
	require.Len(t, items, 1)
	assert.Equal(t, 0.0, items[0].Subsidy)

	data, err := json.Marshal(items[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"citations":[]`)
	assert.Contains(t, string(data), `"matched_clause_ids":[]`)
}

func TestAggregateNonPositiveCapex(t *testing.T) {
	matches := []Match{{Clause: Clause{ClauseID: "C", MeasureIDs: []string{"PV_ROOF"}, Incentives: Incentive{Pct: 0.3}}, Score: 0.7}}
	for _, capex := range []float64{0, -4} {
		items := AggregateIncentives([]MeasureCost{{MeasureID: "PV_ROOF", Capex: capex}}, matches)
		assert.Equal(t, 0.0, items[0].Subsidy)
		assert.Empty(t, items[0].Citations)
		assert.NotNil(t, items[0].Citations)
	}
}

func TestAggregateBestClauseSelection(t *testing.T) {
	matches := []Match{
		{Clause: Clause{ClauseID: "low", MeasureIDs: []string{"M"}, Incentives: Incentive{Pct: 0.05}}, Score: 0.9},
		{Clause: Clause{ClauseID: "capped", MeasureIDs: []string{"M"}, Incentives: Incentive{Pct: 0.20, Cap: ptr(1.0)}}, Score: 0.7},
		{Clause: Clause{ClauseID: "unbounded", MeasureIDs: []string{"M"}, Incentives: Incentive{Pct: 0.20}}, Score: 0.7},
		{Clause: Clause{ClauseID: "generic", Incentives: Incentive{Pct: 0.9}}, Score: 0.5},
	}

	items := AggregateIncentives([]MeasureCost{{MeasureID: "M", Capex: 10}}, matches)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"unbounded"}, items[0].MatchedClauseIDs)
	assert.InDelta(t, 2.0, items[0].Subsidy, 1e-9)
	assert.Equal(t, []string{"unbounded"}, items[0].Citations)
}

func TestAggregateCapTieBreak(t *testing.T) {
	matches := []Match{
		{Clause: Clause{ClauseID: "a", MeasureIDs: []string{"M"}, Incentives: Incentive{Pct: 0.5, Cap: ptr(1.0)}}},
		{Clause: Clause{ClauseID: "b", MeasureIDs: []string{"M"}, Incentives: Incentive{Pct: 0.5, Cap: ptr(3.0)}}},
	}
	items := AggregateIncentives([]MeasureCost{{MeasureID: "M", Capex: 4}}, matches)
	assert.Equal(t, []string{"b"}, items[0].MatchedClauseIDs)
	assert.InDelta(t, 2.0, items[0].Subsidy, 1e-9)
	assert.InDelta(t, 2.0, TotalSubsidy(items), 1e-9)
}
