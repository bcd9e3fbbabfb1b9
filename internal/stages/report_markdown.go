package stages

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"energyagent/domain/energy"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	"energyagent/domain/tabular"
	"energyagent/internal/blackboard"
)

// reportInput is everything the report reads from earlier envelopes.
type reportInput struct {
	scenario     run.Scenario
	intake       map[string]interface{}
	inventory    Inventory
	csvProfiles  []tabular.FileProfile
	descriptions []CSVDescription
	baseline     energy.Baseline
	hasBaseline  bool
	measures     []energy.ScreenedMeasure
	summary      PolicySummary
	hasPolicy    bool
	policy       PolicyArtifacts
	finance      map[string]interface{}
	energyFlow   string
	cashFlow     string
	gaps         []envelope.DataGap
}

func reportInputs(state *blackboard.State, intake, insight *envelope.ResultEnvelope, gaps []envelope.DataGap) reportInput {
	in := reportInput{scenario: state.Scenario(), intake: map[string]interface{}{}, gaps: gaps}
	if intake != nil {
		in.intake = intake.Metrics
	}
	in.inventory, _ = artifact[Inventory](intake, ArtifactInventory)
	in.csvProfiles, _ = artifact[[]tabular.FileProfile](intake, ArtifactCSVProfiles)
	in.descriptions, _ = artifact[[]CSVDescription](intake, ArtifactCSVDescriptions)
	in.baseline, in.hasBaseline = artifact[energy.Baseline](insight, ArtifactBaseline)
	in.measures, _ = artifact[[]energy.ScreenedMeasure](insight, ArtifactMeasures)
	in.policy, _ = artifact[PolicyArtifacts](insight, ArtifactPolicy)
	in.energyFlow, _ = artifact[string](insight, ArtifactEnergyFlowSummary)
	in.cashFlow, _ = artifact[string](insight, ArtifactCashFlowSummary)
	if insight != nil {
		in.summary, in.hasPolicy = metric[PolicySummary](insight, MetricPolicy)
		in.finance, _ = metric[map[string]interface{}](insight, MetricFinance)
	}
	return in
}

// metric reads a typed metric the same way artifact reads artifacts.
func metric[T any](env *envelope.ResultEnvelope, key string) (T, bool) {
	return artifact[T](&envelope.ResultEnvelope{Artifacts: env.Metrics}, key)
}

func buildReport(in reportInput, summary string) string {
	var b strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("# Industrial Park Low-Carbon Roadmap: %s", in.scenario.ScenarioID)
	line("")
	line("> Generated at %s", time.Now().UTC().Format(time.RFC3339))
	line("")

	line("## 1. Executive summary")
	line("%s", strings.TrimSpace(summary))
	line("")

	line("## 2. Data sources and scope")
	line("- Data completeness score (intake): %s", show(in.intake["data_completeness_score"]))
	line("- CSV files: %s; PDF files: %s; Excel files: %s",
		show(in.intake["file_count_csv"]), show(in.intake["file_count_pdf"]), show(in.intake["file_count_excel"]))
	line("- Every key statement should trace back to a data file, a table or a policy clause.")
	line("- Boundary: the pipeline does not optimise; supply external model outputs as tables and this report explains them.")
	line("")
	line("### 2.1 File inventory")
	if len(in.inventory.Files) == 0 {
		line("- No readable files were inventoried; check the input paths.")
	}
	for _, f := range in.inventory.Files {
		line("- %s: `%s` (%d bytes)", f.Type, f.Path, f.SizeBytes)
	}
	for _, p := range in.inventory.MissingFiles {
		line("- missing: `%s`", p)
	}
	line("")

	line("## 3. Base data description (CSV)")
	if len(in.descriptions) == 0 {
		line("- No CSV was supplied or profiled.")
		line("")
	}
	for i, d := range in.descriptions {
		line("### 3.%d Dataset: %s", i+1, d.File)
		line("%s", strings.TrimSpace(d.Markdown))
		line("")
	}

	line("## 4. Park baseline (descriptive)")
	if in.hasBaseline {
		bl := in.baseline
		line("- Baseline year: %d", bl.BaselineYear)
		line("- Area (km2): %v; estimated entity count: %d", bl.AreaKm2, bl.EntityCount)
		line("- Electricity (MWh): %v; thermal energy (MWh): %v", bl.ElectricityMWh, bl.ThermalMWh)
		line("- Scope 1 (tCO2): %v; Scope 2 (tCO2): %v", bl.Scope1TCO2, bl.Scope2TCO2)
		line("- Total emissions (tCO2): %v", bl.TotalEmissionsTCO2)
		line("- Boundary: %s", bl.BoundaryNote)
	} else {
		line("- Baseline not available.")
	}
	line("")

	line("## 5. Energy flow analysis")
	line("%s", orText(in.energyFlow, "- No energy flow analysis available."))
	line("")
	line("## 6. Cash flow analysis")
	line("%s", orText(in.cashFlow, "- No cash flow analysis available."))
	line("")

	line("## 7. Measure opportunities (screened, not optimised)")
	if len(in.measures) == 0 {
		line("- No measures yet; add base data or extend the measure library.")
	}
	for i, m := range in.measures {
		missing := ""
		if len(m.MissingInputs) > 0 {
			missing = "; missing inputs: " + strings.Join(m.MissingInputs, ", ")
		}
		line("%d. **%s** (ID=%s, score=%v): expected reduction about %v tCO2, CAPEX about %v million CNY, annual net savings about %v million CNY%s",
			i+1, m.Name, m.ID, m.Score, m.ReductionTCO2, m.CapexMillionCNY, m.AnnualNetMillionCNY, missing)
	}
	line("")

	line("## 8. Policy and incentive matching")
	if in.hasPolicy {
		version := in.summary.KGVersion
		if version == "" {
			version = "unknown"
		}
		line("- Corpus version: %s; matched clauses: %d; documents: %d", version, in.summary.MatchedClauseCount, in.summary.MatchedDocCount)
		line("- Estimated CAPEX subsidy total: %v million CNY", in.summary.SubsidyTotal)
		if len(in.policy.MatchedClauses) > 0 {
			line("### 8.1 Top matched clauses (up to 5)")
			for i, c := range in.policy.MatchedClauses {
				if i == 5 {
					break
				}
				cite := c.Citation
				if cite == "" {
					cite = c.ClauseID
				}
				line("- [%s] score %.2f: %s", cite, c.Score, truncate(strings.TrimSpace(c.Excerpt), 200))
			}
		} else {
			line("- No clause matched; admin_codes or industry_codes may be missing or the corpus is empty.")
		}
		for _, id := range sortedKeys(in.policy.IncentivesByMeasure) {
			item := in.policy.IncentivesByMeasure[id]
			if item.Subsidy > 0 {
				line("- %s subsidy %v million CNY (%s)", id, item.Subsidy, strings.Join(item.Citations, "; "))
			}
		}
	} else {
		line("- Policy matching results are not available.")
	}
	line("")

	line("## 9. Economics summary")
	if len(in.finance) == 0 {
		line("- No economics yet; measures with incentives or a cash-flow table are needed.")
	} else {
		line("- Finance source: %s", show(in.finance["finance_source"]))
		for _, k := range []string{
			"portfolio_capex_million_cny",
			"portfolio_capex_gross_million_cny",
			"policy_incentive_million_cny",
			"portfolio_annual_net_million_cny",
			"portfolio_npv_million_cny",
			"portfolio_payback_years",
		} {
			if v, ok := in.finance[k]; ok {
				line("- %s: %s", k, show(v))
			}
		}
	}
	line("")

	line("## 10. Evidence and citations")
	docs := 0
	for _, f := range in.inventory.Files {
		if f.Type == FileTypePDF {
			docs++
			line("- PDF source: `%s`", f.Path)
		}
	}
	if docs == 0 {
		line("- No PDF evidence was supplied.")
	}
	line("")

	line("## 11. Risks, data gaps and mitigation")
	if len(in.gaps) == 0 {
		line("- No significant data gaps found; key assumptions still need a manual check.")
	} else {
		for _, g := range in.gaps {
			line("- **[%s] gap: %s**: %s", g.Severity, g.Missing, g.Impact)
		}
		line("")
		line("### 11.1 General mitigation")
		line("- First: park boundary and entity list, sub-metered electricity, heat and gas, load curves, steam grades, key equipment registers.")
		line("- Cash flow: CAPEX and OPEX split, subsidy conditions, lifetime, discount rate, power and carbon price assumptions.")
		line("- For optimal sizing or dispatch, run an external optimisation model and supply its tables; this report explains them.")
	}
	line("")

	line("## 12. Next steps")
	line("- Fill the missing fields and rerun; compare the two reports to build a versioned audit trail.")
	line("- Connect metered data and a maintained policy corpus to move from proxy estimates to data-driven figures.")
	line("- Use qa_index.json to build a searchable evidence and field dictionary for question answering.")
	line("")

	line("## Appendix A: Scenario parameters")
	for _, kv := range scenarioParams(in.scenario) {
		line("- %s: %s", kv[0], kv[1])
	}
	line("")
	return b.String()
}

const padBlock = "\n\n### B.%d Review checklist\n" +
	"Energy flow: confirm that inputs (electricity, gas, coal, steam, heat) are fully metered and that outputs " +
	"(process, buildings, utilities) can be allocated. Cash flow: confirm that CAPEX and OPEX are split sensibly, " +
	"that benefit definitions (savings, abatement, capacity) match the price assumptions, and describe subsidy " +
	"delivery and operating risks as scenarios.\n"

// padReport appends a methodology appendix, then review checklists, until
// the report reaches minChars.
func padReport(markdown string, minChars int) string {
	if CountChars(markdown) >= minChars {
		return markdown
	}
	var b strings.Builder
	b.WriteString(markdown)
	b.WriteString("\n## Appendix B: Method and audit notes\n")
	b.WriteString("This appendix explains how the report was produced and how to audit it when data is incomplete.\n\n")
	b.WriteString("### B.1 Method boundary\n")
	b.WriteString("The pipeline describes, reports and explains. Optimal configuration, cascade use of heat and cost ")
	b.WriteString("minimisation belong to dedicated optimisation models; the pipeline reads their outputs and explains them.\n\n")
	b.WriteString("### B.2 Suggested data dictionary\n")
	b.WriteString("- Park: boundary, entity list, industry codes, building and roof areas, equipment list.\n")
	b.WriteString("- Energy: sub-meters for electricity, gas, steam and heat at 15 min, 1 h or 1 d resolution; load curves.\n")
	b.WriteString("- Process: heat grades, waste heat temperatures and flows, heat exchanger and heat pump efficiency.\n")
	b.WriteString("- Economics: CAPEX and OPEX split, lifetime, discount rate, power and carbon prices, subsidy conditions.\n\n")
	b.WriteString("### B.3 Evidence\n")
	b.WriteString("Policy and survey statements should cite the original clause with page and citation number so answers stay traceable.\n\n")
	b.WriteString("### B.4 Common risks\n")
	b.WriteString("1) Inconsistent statistical periods, units or boundaries across sources. ")
	b.WriteString("2) Proxy estimates without metering must be labelled as estimates with their sensitive fields. ")
	b.WriteString("3) Subsidies carry application conditions and timing that belong in the cash flow.\n")
	for i := 5; CountChars(b.String()) < minChars; i++ {
		fmt.Fprintf(&b, padBlock, i)
	}
	return b.String()
}

const summarySystem = "You are a senior low-carbon planning expert for multi-energy industrial parks. " +
	"Write a structured markdown executive summary of at least 300 words that is professional, accurate and actionable."

func summaryPrompt(in reportInput) string {
	return "Write an executive summary in markdown:\n" +
		"- at least 250 words\n" +
		"- structure: one sentence on the current state, key opportunities (measures, policy, economics), main risks (data gaps)\n" +
		"- do not invent numbers; use the given points or mark values as estimates\n" +
		fmt.Sprintf("Scenario: %s\n", in.scenario.ScenarioID) +
		fmt.Sprintf("Baseline total emissions (estimate): %v tCO2\n", in.baseline.TotalEmissionsTCO2) +
		fmt.Sprintf("Top measures: %s\n", topMeasures(in.measures)) +
		fmt.Sprintf("Matched policy clauses: %d\n", in.summary.MatchedClauseCount) +
		fmt.Sprintf("Subsidy total (estimate): %v million CNY\n", in.summary.SubsidyTotal) +
		fmt.Sprintf("Economics: NPV=%s million CNY, payback=%s years\n",
			show(in.finance["portfolio_npv_million_cny"]), show(in.finance["portfolio_payback_years"])) +
		fmt.Sprintf("Main data gaps: %s\n", gapBrief(in.gaps, 5))
}

func summaryFallback(in reportInput) string {
	var b strings.Builder
	b.WriteString("This report is a descriptive analysis of the available base data and the policy clause corpus, ")
	b.WriteString("meant as an auditable first draft of the park's low-carbon roadmap.\n")
	fmt.Fprintf(&b, "Estimated baseline emissions are about %v tCO2, of which Scope 1 is about %v and Scope 2 about %v.\n",
		in.baseline.TotalEmissionsTCO2, in.baseline.Scope1TCO2, in.baseline.Scope2TCO2)
	b.WriteString("Without numerical optimisation, the pipeline screens practical measures and links them to potential subsidies with citations.\n")
	b.WriteString("Top measures:\n")
	if len(in.measures) == 0 {
		b.WriteString("- none yet\n")
	}
	for i, m := range in.measures {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "- %s: score %v, reduction about %v tCO2\n", m.Name, m.Score, m.ReductionTCO2)
	}
	fmt.Fprintf(&b, "About %d policy clauses matched, with an estimated subsidy total of %v million CNY.\n",
		in.summary.MatchedClauseCount, in.summary.SubsidyTotal)
	fmt.Fprintf(&b, "Economics (estimate): NPV about %s million CNY, payback about %s years.\n",
		show(in.finance["portfolio_npv_million_cny"]), show(in.finance["portfolio_payback_years"]))
	b.WriteString("The report lists the current data gaps and their effect on the conclusions so later runs can replace proxies with measured data.\n")
	b.WriteString("Main data gaps:\n")
	if len(in.gaps) == 0 {
		b.WriteString("- none\n")
	}
	for i, g := range in.gaps {
		if i == 6 {
			break
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", g.Missing, g.Severity, g.Impact)
	}
	return b.String()
}

func topMeasures(measures []energy.ScreenedMeasure) string {
	parts := []string{}
	for i, m := range measures {
		if i == 3 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s(%v)", m.Name, m.Score))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "; ")
}

func gapBrief(gaps []envelope.DataGap, limit int) string {
	parts := []string{}
	for i, g := range gaps {
		if i == limit {
			break
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", g.Missing, g.Severity))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "; ")
}

func scenarioParams(s run.Scenario) [][2]string {
	params := map[string]string{"scenario_id": s.ScenarioID}
	add := func(k string, v interface{}, set bool) {
		if set {
			params[k] = fmt.Sprint(v)
		}
	}
	add("baseline_year", s.BaselineYear, s.BaselineYear > 0)
	add("electricity_price", s.ElectricityPrice, s.ElectricityPrice > 0)
	add("carbon_price", s.CarbonPrice, s.CarbonPrice > 0)
	add("grid_emission_factor_tco2_per_mwh", s.GridEmissionFactor, s.GridEmissionFactor > 0)
	add("thermal_scope1_factor_tco2_per_mwh", s.ThermalScope1Factor, s.ThermalScope1Factor > 0)
	add("discount_rate", s.DiscountRate, s.DiscountRate > 0)
	add("finance_horizon_years", s.FinanceHorizonYears, s.FinanceHorizonYears > 0)
	add("policy_kg_path", s.PolicyCorpusPath, s.PolicyCorpusPath != "")
	for k, v := range s.Params {
		params[k] = fmt.Sprint(v)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, params[k]})
	}
	return out
}

func show(v interface{}) string {
	if v == nil {
		return "?"
	}
	if p, ok := v.(*float64); ok {
		if p == nil {
			return "n/a"
		}
		return fmt.Sprint(*p)
	}
	return fmt.Sprint(v)
}

func orText(s, fallback string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return fallback
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
