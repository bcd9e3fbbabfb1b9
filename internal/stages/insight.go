package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"energyagent/domain/core"
	"energyagent/domain/energy"
	"energyagent/domain/envelope"
	"energyagent/domain/policy"
	"energyagent/domain/tabular"
	"energyagent/internal/blackboard"
	"energyagent/internal/pipeline"
	"energyagent/internal/tools"
)

// Insight artifact keys read by the report stage.
const (
	ArtifactBaseline            = "baseline"
	ArtifactBaselineAssumptions = "baseline_assumptions"
	ArtifactMeasures            = "measures"
	ArtifactPolicy              = "policy_artifacts"
	ArtifactFinance             = "finance_artifacts"
	ArtifactCashFlowTable       = "cashflow_table"
	ArtifactEnergyFlowSummary   = "energy_flow_summary"
	ArtifactCashFlowSummary     = "cash_flow_summary"
)

// Insight metric keys.
const (
	MetricBaseline   = "baseline"
	MetricMeasures   = "top_measures"
	MetricPolicy     = "policy"
	MetricFinance    = "finance"
	MetricEnergyFlow = "deepresearch_energy_flow"
	MetricCashFlow   = "deepresearch_cash_flow"
)

// PolicySummary is the policy block of the insight metrics.
type PolicySummary struct {
	KGVersion          string         `json:"kg_version"`
	KGPath             string         `json:"kg_path"`
	MatchedClauseCount int            `json:"matched_clause_count"`
	MatchedDocCount    int            `json:"matched_doc_count"`
	MatchedByMeasure   map[string]int `json:"matched_by_measure"`
	SubsidyTotal       float64        `json:"policy_capex_subsidy_total_million_cny"`
	Confidence         float64        `json:"policy_confidence"`
}

// PolicyArtifacts carries the matched clauses and per-measure incentives.
type PolicyArtifacts struct {
	KGPath              string                             `json:"kg_path"`
	MatchedClauses      []policy.Match                     `json:"matched_clauses"`
	IncentivesByMeasure map[string]policy.MeasureIncentive `json:"incentives_by_measure"`
}

// Insight estimates the baseline, screens measures, matches policy clauses
// and rolls up the portfolio economics. It never optimises.
type Insight struct {
	deps Deps
}

// NewInsight creates the insight stage.
func NewInsight(deps Deps) *Insight {
	if deps.Matcher == nil {
		deps.Matcher = policy.NewMatcher(policy.DefaultScoringConfig())
	}
	return &Insight{deps: deps}
}

func (s *Insight) Name() envelope.Stage { return envelope.StageInsight }

func (s *Insight) Run(ctx context.Context, state *blackboard.State) (pipeline.Result, error) {
	sess := newSession(state, envelope.StageInsight, s.deps.Narrative)
	env := sess.env
	req := state.Request
	meta := req.Selection.Metadata
	scenario := req.Scenario

	intake, _ := state.Envelope(envelope.StageIntake)
	inventory, _ := artifact[Inventory](intake, ArtifactInventory)
	excelProfiles, _ := artifact[[]tabular.FileProfile](intake, ArtifactExcelProfiles)

	// T5
	sess.doing("T5", "describe the park baseline")
	baseline, baselineAssumptions := energy.EstimateBaseline(energy.BaselineInput{
		BaselineYear:        scenario.BaselineYear,
		AreaKm2:             meta.AreaKm2,
		EntityCount:         meta.EntityCount,
		GridEmissionFactor:  scenario.GridEmissionFactor,
		ThermalScope1Factor: scenario.ThermalScope1Factor,
	})
	if len(inventory.Files) == 0 {
		env.AddGap("metering_or_inventory_files",
			"no traceable metering data or file inventory, the baseline is a proxy estimate only",
			envelope.SeverityHigh)
	}
	sess.done("T5", fmt.Sprintf("baseline total emissions %.2f tCO2 (estimate)", baseline.TotalEmissionsTCO2))

	// T8
	sess.doing("T8", "screen measures and flag missing inputs")
	measures, measureGaps := energy.Screen(energy.Library, energy.ScreenInput{
		TotalEmissionsTCO2: baseline.TotalEmissionsTCO2,
		ElectricityPrice:   scenario.ElectricityPrice,
		CarbonPrice:        scenario.CarbonPrice,
		AvailableFields:    req.AvailableFields(),
		MaxMeasures:        s.deps.MaxMeasures,
	})
	env.DataGaps = append(env.DataGaps, measureGaps...)
	sess.done("T8", fmt.Sprintf("%d measures ranked", len(measures)))

	sess.note("policy matching start")
	summary, policyArtifacts, err := s.matchPolicy(ctx, sess, measures)
	if err != nil {
		return pipeline.Result{}, err
	}
	sess.note("policy matching done: %d clauses", summary.MatchedClauseCount)

	// T6
	sess.doing("T6", "explain energy flows")
	energyFlow := s.energyFlow(ctx, sess, excelProfiles)
	sess.done("T6", "energy flow section written")

	// T7
	sess.doing("T7", "explain cash flows")
	cashFlow, cashTable := s.cashFlow(ctx, sess, excelProfiles)
	sess.done("T7", "cash flow section written")

	incentives := make(map[string]float64, len(policyArtifacts.IncentivesByMeasure))
	for id, item := range policyArtifacts.IncentivesByMeasure {
		incentives[id] = item.Subsidy
	}
	finance, rolled, err := rollupFinance(measures, incentives, scenario.DiscountRate, scenario.FinanceHorizonYears, cashTable)
	if err != nil {
		return pipeline.Result{}, err
	}
	env.DataGaps = append(env.DataGaps, rolled.gaps...)

	env.Metrics = map[string]interface{}{
		MetricBaseline:   baseline,
		MetricMeasures:   measures,
		MetricPolicy:     summary,
		MetricFinance:    finance,
		MetricEnergyFlow: energyFlow,
		MetricCashFlow:   cashFlow,
	}
	env.Artifacts = map[string]interface{}{
		ArtifactBaseline:            baseline,
		ArtifactBaselineAssumptions: baselineAssumptions,
		ArtifactMeasures:            measures,
		ArtifactPolicy:              policyArtifacts,
		ArtifactFinance:             map[string]interface{}{"cashflow_table": rolled.table},
		ArtifactCashFlowTable:       cashTable,
		ArtifactEnergyFlowSummary:   energyFlow,
		ArtifactCashFlowSummary:     cashFlow,
	}
	env.Assumptions = append(env.Assumptions, baselineAssumptions...)
	env.Assumptions = append(env.Assumptions, envelope.Assumption{
		Name:        "insight_boundary",
		Value:       "no optimisation; interprets supplied data, the clause corpus and precomputed tables only",
		Reason:      "numerical solving is outside the pipeline",
		Sensitivity: envelope.SeverityLow,
	})

	completeness := 0.0
	if intake != nil {
		if v, ok := intake.Metrics["data_completeness_score"].(float64); ok {
			completeness = v
		}
	}
	confidence := s.deps.Confidence.Score(env.DataGaps,
		len(measures) > 0,
		summary.MatchedClauseCount > 0,
		completeness >= s.deps.Confidence.CompletenessSignal)
	env.Confidence = confidence

	review := envelope.GapReview(env, s.deps.Confidence,
		"add admin_codes, industry_codes and energy/cash flow tables, or supply external optimisation results",
		"selection.metadata.admin_codes",
		"selection.metadata.industry_codes",
		"inputs.csv_paths",
		"inputs.excel_paths",
		"scenario")

	return sess.finish(confidence, review, map[string]string{
		"policy_kg_used": fmt.Sprintf("%t", summary.KGPath != ""),
	}), nil
}

// matchPolicy loads the clause corpus, matches it against the park and
// attributes incentives. Corpus problems become gaps; only context
// cancellation is returned as an error.
func (s *Insight) matchPolicy(ctx context.Context, sess *session, measures []energy.ScreenedMeasure) (PolicySummary, PolicyArtifacts, error) {
	env := sess.env
	meta := sess.state.Request.Selection.Metadata
	admin := policy.NormalizeCodes(meta.AdminCodes)
	industry := policy.NormalizeCodes(meta.IndustryCodes)
	measureIDs := energy.IDs(measures)

	gaps := []envelope.DataGap{}
	if len(admin) == 0 {
		gaps = append(gaps, envelope.DataGap{Missing: "admin_codes",
			Impact: "policy matching may be inaccurate without a region code", Severity: envelope.SeverityHigh})
	}
	if len(industry) == 0 {
		gaps = append(gaps, envelope.DataGap{Missing: "industry_codes",
			Impact: "industry-specific clauses cannot be filtered, matches may be too broad", Severity: envelope.SeverityMedium})
	}
	if len(measureIDs) == 0 {
		gaps = append(gaps, envelope.DataGap{Missing: "measure_ids",
			Impact: "no measures to attribute incentives to", Severity: envelope.SeverityHigh})
	}

	path := sess.state.Scenario().PolicyCorpusPath
	if path == "" {
		path = s.deps.CorpusPath
	}
	summary := PolicySummary{KGPath: path, MatchedByMeasure: map[string]int{}}
	artifacts := PolicyArtifacts{
		KGPath:              path,
		MatchedClauses:      []policy.Match{},
		IncentivesByMeasure: map[string]policy.MeasureIncentive{},
	}

	var corpus *policy.Corpus
	var err error
	if s.deps.Corpus == nil {
		err = core.ErrCorpusNotFound
	} else {
		corpus, err = s.deps.Corpus.Load(ctx, path)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return summary, artifacts, ctxErr
		}
		if errors.Is(err, core.ErrNotFound) {
			gaps = append(gaps, envelope.DataGap{Missing: "policy_kg_file",
				Impact: fmt.Sprintf("policy corpus not found at %q, no clauses matched", path), Severity: envelope.SeverityHigh})
		} else {
			gaps = append(gaps, envelope.DataGap{Missing: "policy_kg_parse_error",
				Impact: fmt.Sprintf("policy corpus unreadable: %v", err), Severity: envelope.SeverityHigh})
		}
		env.DataGaps = append(env.DataGaps, gaps...)
		summary.Confidence = s.deps.Confidence.Min
		return summary, artifacts, nil
	}

	matches := s.deps.Matcher.Match(corpus.Clauses, policy.Query{
		AdminCodes:    admin,
		IndustryCodes: industry,
		MeasureIDs:    measureIDs,
	})
	costs := make([]policy.MeasureCost, 0, len(measures))
	for _, m := range measures {
		costs = append(costs, policy.MeasureCost{MeasureID: m.ID, Capex: m.CapexMillionCNY})
	}
	items := policy.AggregateIncentives(costs, matches)

	docs := map[string]bool{}
	for _, match := range matches {
		if match.DocID != "" {
			docs[match.DocID] = true
		}
		for _, id := range match.MeasureIDs {
			summary.MatchedByMeasure[id]++
		}
	}
	for _, item := range items {
		artifacts.IncentivesByMeasure[item.MeasureID] = item
	}
	artifacts.MatchedClauses = matches

	summary.KGVersion = corpus.Version
	summary.MatchedClauseCount = len(matches)
	summary.MatchedDocCount = len(docs)
	summary.SubsidyTotal = energy.Round(policy.TotalSubsidy(items), 2)

	summary.Confidence = s.deps.Confidence.Policy(gaps, len(matches) > 0, len(admin) > 0, len(industry) > 0)

	env.DataGaps = append(env.DataGaps, gaps...)
	env.Evidence = append(env.Evidence, envelope.Evidence{
		EvidenceID:  "EVID-POLICY-KG",
		Description: fmt.Sprintf("policy corpus %s: %d clauses matched", corpus.Version, len(matches)),
		Source:      "policy_kg_file",
		URI:         path,
	})
	return summary, artifacts, nil
}

func (s *Insight) energyFlow(ctx context.Context, sess *session, profiles []tabular.FileProfile) string {
	table, ok := firstTable(profiles, func(p tabular.FileProfile) []tabular.Table { return p.EnergyFlow })
	if !ok {
		sess.env.AddGap("energy_flow_table",
			"no energy-flow table (source, conversion, end use), the section is a template",
			envelope.SeverityMedium)
		return "### Energy flow analysis\n" +
			"- No energy-flow table was detected in the Excel inputs.\n" +
			"- Supply a table with from/to/carrier/energy columns to describe sources, conversion, end use and losses.\n"
	}
	prompt := "You are an energy-flow analyst for industrial parks.\n" +
		"Using the energy-flow table preview, write a markdown section that:\n" +
		"1) names the main sources, conversion steps, end uses and losses;\n" +
		"2) points out the largest flows and any loss hot spots;\n" +
		"3) lists the data still needed to close the balance.\n" +
		"Do not invent numbers.\n" +
		"Table preview (JSON): " + previewJSON(table)
	fallback := "### Energy flow analysis\n" +
		fmt.Sprintf("- Energy-flow table detected: file=%s sheet=%s\n", table.File, table.Sheet) +
		"- Only a preview is available; add complete meter or balance data to quantify losses.\n"
	return generate(ctx, s.deps.Narrative,
		"You are a senior energy systems analyst. Answer in professional markdown.",
		prompt, fallback)
}

func (s *Insight) cashFlow(ctx context.Context, sess *session, profiles []tabular.FileProfile) (string, []map[string]string) {
	table, ok := firstTable(profiles, func(p tabular.FileProfile) []tabular.Table { return p.CashFlow })
	if !ok {
		sess.env.AddGap("cashflow_table",
			"no cash-flow table, economics fall back to the portfolio roll-up",
			envelope.SeverityMedium)
		return "### Cash flow analysis\n" +
			"- No cash-flow table was detected in the Excel inputs.\n" +
			"- The figures below come from a simple roll-up of screened measures.\n", []map[string]string{}
	}
	prompt := "You are an economics analyst for industrial parks.\n" +
		"Using the cash-flow table preview, write a markdown section that:\n" +
		"1) states the time dimension and the key items (CAPEX, OPEX, revenue, subsidy);\n" +
		"2) identifies the most sensitive parameters (power price, load, subsidy delivery, discount rate);\n" +
		"3) lists risks and missing data.\n" +
		"No complex financial modelling and no invented values.\n" +
		"Table preview (JSON): " + previewJSON(table)
	fallback := "### Cash flow analysis\n" +
		fmt.Sprintf("- Cash-flow table detected: sheet=%s\n", table.Sheet) +
		"- Only a preview is available; add the full annual cash flow and key assumptions (discount rate, lifetime, taxes).\n"
	summary := generate(ctx, s.deps.Narrative,
		"You are a senior finance analyst for multi-energy projects. Answer in professional markdown.",
		prompt, fallback)
	rows := table.PreviewRows
	if rows == nil {
		rows = []map[string]string{}
	}
	return summary, rows
}

type financeOutput struct {
	table interface{}
	gaps  []envelope.DataGap
}

// rollupFinance trusts a supplied cash-flow table and otherwise rolls up the
// screened measures.
func rollupFinance(measures []energy.ScreenedMeasure, incentives map[string]float64, rate float64, horizon int, cashTable []map[string]string) (map[string]interface{}, financeOutput, error) {
	if len(cashTable) > 0 {
		return map[string]interface{}{
			"finance_source": energy.SourceCashFlowTable,
			"note":           "a cash-flow table preview was supplied; audit the full table for production figures",
		}, financeOutput{table: cashTable}, nil
	}
	portfolio, flows, gaps := energy.Rollup(energy.RollupInput{
		Measures:     measures,
		Incentives:   incentives,
		DiscountRate: rate,
		HorizonYears: horizon,
	})
	metrics, err := tools.ToData(portfolio)
	if err != nil {
		return nil, financeOutput{}, fmt.Errorf("encode finance metrics: %w", err)
	}
	return metrics, financeOutput{table: flows, gaps: gaps}, nil
}

func firstTable(profiles []tabular.FileProfile, pick func(tabular.FileProfile) []tabular.Table) (tabular.Table, bool) {
	for _, p := range profiles {
		if tables := pick(p); len(tables) > 0 {
			return tables[0], true
		}
	}
	return tabular.Table{}, false
}

func previewJSON(t tabular.Table) string {
	data, err := json.Marshal(t.PreviewRows)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// sortedKeys lists map keys in order for deterministic rendering.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
