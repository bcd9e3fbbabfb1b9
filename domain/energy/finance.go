package energy

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"energyagent/domain/envelope"
)

// Finance roll-up defaults.
const (
	DefaultDiscountRate = 0.08
	DefaultHorizonYears = 10

	SourceCashFlowTable  = "excel_cashflow_table_preview"
	SourceFallbackRollup = "fallback_rollup"
)

// CashFlow is one discounted year of the portfolio.
type CashFlow struct {
	Year                    int     `json:"year"`
	DiscountedNetMillionCNY float64 `json:"discounted_net_million_cny"`
}

// Portfolio is the simple roll-up of the screened measures.
type Portfolio struct {
	Source               string   `json:"finance_source"`
	CapexMillionCNY      float64  `json:"portfolio_capex_million_cny"`
	GrossCapexMillionCNY float64  `json:"portfolio_capex_gross_million_cny"`
	IncentiveMillionCNY  float64  `json:"policy_incentive_million_cny"`
	AnnualNetMillionCNY  float64  `json:"portfolio_annual_net_million_cny"`
	NPVMillionCNY        float64  `json:"portfolio_npv_million_cny"`
	PaybackYears         *float64 `json:"portfolio_payback_years"`
	DiscountRate         float64  `json:"discount_rate"`
	HorizonYears         int      `json:"finance_horizon_years"`
}

// RollupInput feeds Rollup. Incentives maps measure id to the subsidy in
// million CNY.
type RollupInput struct {
	Measures     []ScreenedMeasure
	Incentives   map[string]float64
	DiscountRate float64
	HorizonYears int
}

// Rollup nets policy incentives off capex and discounts the combined annual
// savings over the horizon. An incentive never exceeds its measure's capex.
func Rollup(in RollupInput) (Portfolio, []CashFlow, []envelope.DataGap) {
	rate := in.DiscountRate
	if rate <= 0 {
		rate = DefaultDiscountRate
	}
	horizon := in.HorizonYears
	if horizon <= 0 {
		horizon = DefaultHorizonYears
	}

	var gross, incentives, net, annual float64
	for _, m := range in.Measures {
		capex := m.CapexMillionCNY
		incentive := math.Max(0, math.Min(in.Incentives[m.ID], capex))
		gross += capex
		incentives += incentive
		net += capex - incentive
		annual += m.AnnualNetMillionCNY
	}

	flows := make([]CashFlow, 0, horizon)
	discounted := make([]float64, 0, horizon)
	for year := 1; year <= horizon; year++ {
		v := Round(annual/math.Pow(1+rate, float64(year)), 4)
		flows = append(flows, CashFlow{Year: year, DiscountedNetMillionCNY: v})
		discounted = append(discounted, v)
	}

	p := Portfolio{
		Source:               SourceFallbackRollup,
		CapexMillionCNY:      Round(net, 2),
		GrossCapexMillionCNY: Round(gross, 2),
		IncentiveMillionCNY:  Round(incentives, 2),
		AnnualNetMillionCNY:  Round(annual, 2),
		NPVMillionCNY:        Round(floats.Sum(discounted)-net, 2),
		DiscountRate:         rate,
		HorizonYears:         horizon,
	}
	if annual != 0 {
		payback := Round(net/annual, 2)
		p.PaybackYears = &payback
	}

	gaps := []envelope.DataGap{}
	if len(in.Measures) == 0 {
		gaps = append(gaps, envelope.DataGap{
			Missing:  "measures",
			Impact:   "no measure list, the portfolio economics cannot be estimated",
			Severity: envelope.SeverityHigh,
		})
	}
	if annual <= 0 {
		gaps = append(gaps, envelope.DataGap{
			Missing:  "annual_net_savings",
			Impact:   "annual net savings are zero or negative, NPV and payback are not meaningful",
			Severity: envelope.SeverityHigh,
		})
	}
	return p, flows, gaps
}
