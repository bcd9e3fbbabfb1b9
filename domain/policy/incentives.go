package policy

import (
	"math"
)

// AggregateIncentives attributes a capex subsidy to each measure. For every
// measure with positive capex the best matched clause tagged with that
// measure wins by pct, then cap, with a nil cap ranking above any finite one.
// Clauses without measure tags never fund a specific measure. The result has
// one entry per measure, in input order, with non-nil slices.
func AggregateIncentives(measures []MeasureCost, matches []Match) []MeasureIncentive {
	byMeasure := make(map[string][]Match)
	for _, match := range matches {
		for _, id := range match.MeasureIDs {
			byMeasure[id] = append(byMeasure[id], match)
		}
	}

	out := make([]MeasureIncentive, 0, len(measures))
	for _, measure := range measures {
		item := MeasureIncentive{
			MeasureID:        measure.MeasureID,
			MatchedClauseIDs: []string{},
			Citations:        []string{},
		}
		candidates := byMeasure[measure.MeasureID]
		if len(candidates) == 0 || !(measure.Capex > 0) {
			out = append(out, item)
			continue
		}

		best := candidates[0]
		for _, c := range candidates[1:] {
			if better(c.Incentives, best.Incentives) {
				best = c
			}
		}

		subsidy := measure.Capex * best.Incentives.Pct
		if best.Incentives.Cap != nil {
			subsidy = math.Min(subsidy, *best.Incentives.Cap)
		}
		subsidy = math.Max(0, math.Min(subsidy, measure.Capex))

		item.Subsidy = math.Round(subsidy*1e4) / 1e4
		item.MatchedClauseIDs = append(item.MatchedClauseIDs, best.ClauseID)
		item.Citations = append(item.Citations, citationOf(best.Clause))
		item.BestClauseScore = best.Score
		out = append(out, item)
	}
	return out
}

// TotalSubsidy sums the subsidies of items.
func TotalSubsidy(items []MeasureIncentive) float64 {
	total := 0.0
	for _, item := range items {
		total += item.Subsidy
	}
	return math.Round(total*1e4) / 1e4
}

func better(a, b Incentive) bool {
	if a.Pct != b.Pct {
		return a.Pct > b.Pct
	}
	return capValue(a.Cap) > capValue(b.Cap)
}

func capValue(c *float64) float64 {
	if c == nil {
		return math.Inf(1)
	}
	return *c
}

func citationOf(c Clause) string {
	switch {
	case c.Citation != "":
		return c.Citation
	case c.ClauseID != "":
		return c.ClauseID
	default:
		return c.DocID
	}
}
