package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"energyagent/adapters/corpus"
	"energyagent/adapters/excel"
	"energyagent/adapters/render"
	"energyagent/domain/core"
	"energyagent/domain/energy"
	"energyagent/domain/envelope"
	"energyagent/domain/policy"
	"energyagent/domain/run"
	"energyagent/domain/tabular"
	"energyagent/internal"
	"energyagent/internal/blackboard"
	"energyagent/internal/pipeline"
	"energyagent/internal/plan"
	"energyagent/internal/runctx"
	"energyagent/internal/tools"
	"energyagent/ports"
)

type fakeNarrative struct {
	mu      sync.Mutex
	prompts []string
}

func (f *fakeNarrative) Generate(ctx context.Context, system, user, fallback string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, user)
	return fallback
}

func (f *fakeNarrative) Model() string { return "fake" }

func newRegistry() *tools.Registry {
	return tools.NewRegistry().MustRegister(
		excel.NewProfileTool(excel.NewDataReader(internal.NopLogger()), 5*time.Second),
		render.NewTool(render.NewHTMLRenderer(), 5*time.Second),
	)
}

func testDeps(corpusPath string, narrative ports.NarrativeGenerator) Deps {
	return Deps{
		Confidence:     envelope.DefaultConfidenceModel(),
		Narrative:      narrative,
		Corpus:         corpus.NewJSONLoader(),
		Matcher:        policy.NewMatcher(policy.DefaultScoringConfig()),
		CorpusPath:     corpusPath,
		MinReportChars: 1000,
		MaxMeasures:    6,
	}
}

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeWorkbook(t *testing.T, dir string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", "energy"))
	require.NoError(t, f.SetSheetRow("energy", "A1", &[]interface{}{"from", "to", "carrier", "mwh"}))
	require.NoError(t, f.SetSheetRow("energy", "A2", &[]interface{}{"grid", "plant", "electricity", 1200}))
	require.NoError(t, f.SetSheetRow("energy", "A3", &[]interface{}{"boiler", "plant", "steam", 800}))
	path := filepath.Join(dir, "park.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

const e2eCorpus = `{
  "kg_version": "test-1",
  "documents": [{"doc_id": "D1", "title": "Municipal PV notice"}],
  "clauses": [
    {"clause_id": "C1", "doc_id": "D1", "citation": "D1 art. 2", "excerpt": "Rooftop PV receives a capex subsidy.",
     "admin_codes": ["110000"], "industry_codes": [], "measure_ids": ["PV_ROOF"],
     "incentives": {"capex_subsidy_pct": 0.10, "capex_subsidy_cap": 2.0}},
    {"clause_id": "C2", "doc_id": "D2", "admin_codes": ["320500"], "measure_ids": ["PV_ROOF"],
     "incentives": {"capex_subsidy_pct": 0.5}}
  ]
}`

func TestIntakeWithoutInputs(t *testing.T) {
	out := t.TempDir()
	state := blackboard.New(run.Request{Scenario: run.Scenario{ScenarioID: "empty"}, OutputDir: out}, newRegistry(), nil, nil)

	res, err := NewIntake(testDeps("", nil)).Run(context.Background(), state)
	require.NoError(t, err)
	env := res.Envelope

	assert.Equal(t, envelope.StageIntake, env.Stage)
	assert.True(t, env.HasGap("csv_paths"))
	assert.True(t, env.HasGap("pdf_paths"))
	assert.True(t, env.HasGap("excel_paths"))
	assert.Equal(t, 0.0, env.Metrics["data_completeness_score"])
	assert.InDelta(t, 0.50, env.Confidence, 1e-9)
	assert.Empty(t, env.Reproducibility.ToolCallIDs)

	require.Len(t, res.ReviewItems, 1)
	assert.Equal(t, envelope.SeverityHigh, res.ReviewItems[0].Severity)
	assert.Contains(t, res.ReviewItems[0].EditableFields, "inputs.csv_paths")
	assert.FileExists(t, filepath.Join(out, "artifacts", "inventory.json"))
}

func TestIntakeProfilesFiles(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	csvPath := writeInput(t, in, "loads.csv", "timestamp,load_kw\n2024-01-01 00:00,10\n2024-01-01 01:00,12\n")
	pdfPath := writeInput(t, in, "notice.pdf", "%PDF-1.4")
	xlsxPath := writeWorkbook(t, in)
	missing := filepath.Join(in, "gone.csv")

	narrative := &fakeNarrative{}
	req := run.Request{
		Scenario: run.Scenario{ScenarioID: "files"},
		Inputs: run.Inputs{
			CSVPaths:   []string{csvPath, missing},
			PDFPaths:   []string{pdfPath},
			ExcelPaths: []string{xlsxPath},
		},
		OutputDir: out,
	}
	state := blackboard.New(req, newRegistry(), nil, nil)

	res, err := NewIntake(testDeps("", narrative)).Run(context.Background(), state)
	require.NoError(t, err)
	env := res.Envelope

	assert.Equal(t, 1, env.Metrics["csv_profiled"])
	assert.Equal(t, 1, env.Metrics["pdf_parsed"])
	assert.Equal(t, 1, env.Metrics["excel_parsed"])
	assert.Equal(t, 1.0, env.Metrics["data_completeness_score"])
	assert.True(t, env.HasGap("missing_files"))
	assert.True(t, env.HasGap("csv_profile:gone"))
	assert.Equal(t, 2, env.HighGaps())
	assert.InDelta(t, 0.80, env.Confidence, 1e-9)
	assert.Len(t, env.Reproducibility.ToolCallIDs, 3)
	assert.Equal(t, "fake", env.Reproducibility.NarrativeModel)

	profiles, ok := artifact[[]tabular.FileProfile](env, ArtifactExcelProfiles)
	require.True(t, ok)
	require.Len(t, profiles, 1)
	require.Len(t, profiles[0].EnergyFlow, 1)
	assert.Equal(t, "energy", profiles[0].EnergyFlow[0].Sheet)

	descriptions, ok := artifact[[]CSVDescription](env, ArtifactCSVDescriptions)
	require.True(t, ok)
	require.Len(t, descriptions, 1)
	assert.Contains(t, descriptions[0].Markdown, "load_kw")
	require.Len(t, narrative.prompts, 1)
	assert.Contains(t, narrative.prompts[0], "timestamp")

	for _, name := range []string{"inventory.json", "csv_profile_loads.json", "csv_description_loads.md", "excel_summary_park.json"} {
		assert.FileExists(t, filepath.Join(out, "artifacts", name))
	}
}

func insightState(t *testing.T, req run.Request, intakeArtifacts map[string]interface{}) *blackboard.State {
	t.Helper()
	if req.OutputDir == "" {
		req.OutputDir = t.TempDir()
	}
	state := blackboard.New(req, newRegistry(), nil, nil)
	intake := envelope.New(envelope.StageIntake, req.Scenario.ScenarioID, "r")
	intake.Metrics["data_completeness_score"] = 0.33
	for k, v := range intakeArtifacts {
		intake.Artifacts[k] = v
	}
	require.NoError(t, state.PutEnvelope(intake))
	return state
}

func TestInsightCorpusFailures(t *testing.T) {
	dir := t.TempDir()
	bad := writeInput(t, dir, "bad.json", "{not json")

	tests := []struct {
		name string
		path string
		gap  string
	}{
		{"missing corpus", filepath.Join(dir, "nope.json"), "policy_kg_file"},
		{"unconfigured corpus", "", "policy_kg_file"},
		{"malformed corpus", bad, "policy_kg_parse_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := run.Request{
				Selection: run.Selection{Metadata: run.Metadata{AdminCodes: []string{"110000"}}},
				Scenario:  run.Scenario{ScenarioID: "kg", PolicyCorpusPath: tt.path},
			}
			res, err := NewInsight(testDeps("", nil)).Run(context.Background(), insightState(t, req, nil))
			require.NoError(t, err)
			env := res.Envelope

			assert.True(t, env.HasGap(tt.gap))
			summary := env.Metrics[MetricPolicy].(PolicySummary)
			assert.Equal(t, 0.15, summary.Confidence)
			assert.Equal(t, 0, summary.MatchedClauseCount)
			assert.Equal(t, 0.0, summary.SubsidyTotal)
			assert.GreaterOrEqual(t, env.Confidence, 0.15)
			require.NotEmpty(t, res.ReviewItems)
			assert.Equal(t, envelope.SeverityHigh, res.ReviewItems[0].Severity)
		})
	}
}

func TestInsightTrustsCashFlowTable(t *testing.T) {
	rows := []map[string]string{{"year": "2025", "capex": "12.5"}}
	profiles := []tabular.FileProfile{{
		File:     "park.xlsx",
		CashFlow: []tabular.Table{{File: "park.xlsx", Sheet: "finance", Columns: []string{"year", "capex"}, PreviewRows: rows}},
	}}
	narrative := &fakeNarrative{}
	req := run.Request{Scenario: run.Scenario{ScenarioID: "cash"}}
	state := insightState(t, req, map[string]interface{}{ArtifactExcelProfiles: profiles})

	res, err := NewInsight(testDeps("", narrative)).Run(context.Background(), state)
	require.NoError(t, err)
	env := res.Envelope

	finance := env.Metrics[MetricFinance].(map[string]interface{})
	assert.Equal(t, energy.SourceCashFlowTable, finance["finance_source"])
	assert.Equal(t, rows, env.Artifacts[ArtifactCashFlowTable])
	assert.False(t, env.HasGap("cashflow_table"))
	assert.True(t, env.HasGap("energy_flow_table"))
	assert.True(t, env.HasGap("metering_or_inventory_files"))
	assert.Contains(t, env.Metrics[MetricCashFlow], "sheet=finance")

	var sawPreview bool
	for _, p := range narrative.prompts {
		if strings.Contains(p, `"capex":"12.5"`) {
			sawPreview = true
		}
	}
	assert.True(t, sawPreview)
}

func TestReportPadsAndAggregatesGaps(t *testing.T) {
	out := t.TempDir()
	req := run.Request{Scenario: run.Scenario{ScenarioID: "rep", CarbonPrice: 80}, OutputDir: out}
	state := blackboard.New(req, newRegistry(), nil, nil)
	intake := envelope.New(envelope.StageIntake, "rep", "r")
	intake.AddGap("csv_paths", "no csv", envelope.SeverityHigh)
	require.NoError(t, state.PutEnvelope(intake))
	require.NoError(t, state.PutEnvelope(envelope.New(envelope.StageInsight, "rep", "r")))

	deps := testDeps("", nil)
	deps.MinReportChars = 3000
	res, err := NewReport(deps).Run(context.Background(), state)
	require.NoError(t, err)
	env := res.Envelope

	md := env.Artifacts["report_markdown"].(string)
	assert.GreaterOrEqual(t, CountChars(md), 3000)
	assert.Contains(t, md, "# Industrial Park Low-Carbon Roadmap: rep")
	assert.Contains(t, md, "## Appendix A: Scenario parameters")
	assert.Contains(t, md, "- carbon_price: 80")
	assert.Contains(t, md, "## Appendix B")
	assert.Contains(t, md, "[high] gap: csv_paths")

	assert.Equal(t, 0.55, env.Confidence, "one high gap carried forward costs the penalty")
	assert.Len(t, env.DataGaps, 1)
	require.Len(t, res.ReviewItems, 1)
	assert.Equal(t, envelope.SeverityMedium, res.ReviewItems[0].Severity)
	assert.Contains(t, res.ReviewItems[0].EditableFields, "inputs.excel_paths")
	assert.Contains(t, res.ReviewItems[0].EditableFields, "selection.metadata.admin_codes")
	for _, field := range res.ReviewItems[0].EditableFields {
		assert.GreaterOrEqual(t, len(strings.Split(field, ".")), 2, "%s is not a leaf path", field)
	}

	assert.FileExists(t, filepath.Join(out, ReportFile))
	assert.FileExists(t, filepath.Join(out, ReportHTML))
	assert.FileExists(t, filepath.Join(out, "artifacts", QAIndexFile))
}

func TestReportConfidenceFollowsModel(t *testing.T) {
	req := run.Request{Scenario: run.Scenario{ScenarioID: "conf"}, OutputDir: t.TempDir()}
	state := blackboard.New(req, newRegistry(), nil, nil)
	intake := envelope.New(envelope.StageIntake, "conf", "r")
	intake.AddGap("csv_paths", "no csv", envelope.SeverityHigh)
	intake.AddGap("pdf_paths", "no pdf", envelope.SeverityLow)
	require.NoError(t, state.PutEnvelope(intake))
	require.NoError(t, state.PutEnvelope(envelope.New(envelope.StageInsight, "conf", "r")))

	deps := testDeps("", nil)
	deps.Confidence.ReportWithGaps = 0.70
	deps.Confidence.HighGapPenalty = 0.10
	res, err := NewReport(deps).Run(context.Background(), state)
	require.NoError(t, err)
	assert.InDelta(t, 0.60, res.Envelope.Confidence, 1e-9)
}

func TestReportWithoutRendererRecordsGap(t *testing.T) {
	out := t.TempDir()
	state := blackboard.New(run.Request{Scenario: run.Scenario{ScenarioID: "plain"}, OutputDir: out}, tools.NewRegistry(), nil, nil)

	res, err := NewReport(testDeps("", nil)).Run(context.Background(), state)
	require.NoError(t, err)

	assert.True(t, res.Envelope.HasGap("report_html"))
	assert.Equal(t, "", res.Envelope.Artifacts["report_html"])
	assert.FileExists(t, filepath.Join(out, ReportFile))
	assert.NoFileExists(t, filepath.Join(out, ReportHTML))
}

func TestPadReport(t *testing.T) {
	short := "# Title\n"
	padded := padReport(short, 1500)
	assert.True(t, strings.HasPrefix(padded, short))
	assert.GreaterOrEqual(t, CountChars(padded), 1500)

	long := strings.Repeat("abc ", 400)
	assert.Equal(t, long, padReport(long, 1000))
}

func TestCountChars(t *testing.T) {
	assert.Equal(t, 0, CountChars("  ## -- **  "))
	assert.Equal(t, 6, CountChars("ab 12 报告"))
}

func TestPipelineEndToEnd(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	csvPath := writeInput(t, in, "loads.csv", "timestamp,load_kw\n2024-01-01 00:00,10\n2024-01-01 01:00,12\n")
	xlsxPath := writeWorkbook(t, in)
	kgPath := writeInput(t, in, "kg.json", e2eCorpus)

	req := run.Request{
		Selection: run.Selection{Metadata: run.Metadata{AdminCodes: []string{" 110000 ", "110000"}, AreaKm2: 10, EntityCount: 5000}},
		Scenario:  run.Scenario{ScenarioID: "e2e"},
		Inputs:    run.Inputs{CSVPaths: []string{csvPath}, ExcelPaths: []string{xlsxPath}},
		OutputDir: out,
	}
	rc, err := runctx.New(runctx.Options{
		ScenarioID:    "e2e",
		OutputDir:     out,
		RunningLogDir: filepath.Join(out, "logs"),
		LLMLogDir:     filepath.Join(out, "llm"),
		LogLevel:      internal.LogLevelError,
	})
	require.NoError(t, err)
	defer rc.Close()

	orch, err := pipeline.New(Default(testDeps(kgPath, &fakeNarrative{}))...)
	require.NoError(t, err)
	manifest := run.NewManifest(rc.RunID, req, "test-1", policy.DefaultScoringConfig().Hash(), orch.Plan(), "test")
	state := blackboard.New(req, newRegistry(), rc, manifest)

	outcome := orch.Run(context.Background(), state)
	require.NoError(t, outcome.Err)
	assert.Equal(t, []envelope.Stage{envelope.StageIntake, envelope.StageInsight, envelope.StageReport}, outcome.Completed)

	insight, ok := state.Envelope(envelope.StageInsight)
	require.True(t, ok)
	summary := insight.Metrics[MetricPolicy].(PolicySummary)
	assert.Equal(t, 1, summary.MatchedClauseCount)
	assert.Equal(t, 1, summary.MatchedDocCount)
	assert.Equal(t, 2.0, summary.SubsidyTotal)

	pa := insight.Artifacts[ArtifactPolicy].(PolicyArtifacts)
	require.Len(t, pa.MatchedClauses, 1)
	assert.Equal(t, "C1", pa.MatchedClauses[0].ClauseID)
	assert.InDelta(t, 0.90, pa.MatchedClauses[0].Score, 1e-9)
	assert.Equal(t, 2.0, pa.IncentivesByMeasure["PV_ROOF"].Subsidy)
	assert.Equal(t, []string{"C1"}, pa.IncentivesByMeasure["PV_ROOF"].MatchedClauseIDs)

	finance := insight.Metrics[MetricFinance].(map[string]interface{})
	assert.Equal(t, energy.SourceFallbackRollup, finance["finance_source"])
	assert.Equal(t, 2.0, finance["policy_incentive_million_cny"])
	assert.True(t, insight.HasGap("industry_codes"))
	assert.False(t, insight.HasGap("admin_codes"))
	assert.True(t, insight.HasGap("cashflow_table"))
	assert.False(t, insight.HasGap("energy_flow_table"))
	assert.Equal(t, manifest.Fingerprint.Fingerprint, insight.Reproducibility.Fingerprint)

	report, ok := state.Envelope(envelope.StageReport)
	require.True(t, ok)
	md := report.Artifacts["report_markdown"].(string)
	assert.GreaterOrEqual(t, CountChars(md), 1000)
	assert.Contains(t, md, "D1 art. 2")
	assert.FileExists(t, filepath.Join(out, ReportHTML))

	statuses := rc.Plan.Statuses()
	for _, task := range plan.DefaultTasks() {
		assert.Equal(t, plan.StatusDone, statuses[task.ID], task.ID)
	}
	assert.NotEmpty(t, state.ReviewQueue())
	assert.Len(t, state.Logs(), 6)

	for _, rec := range state.ToolHistory() {
		assert.NotEqual(t, core.ToolCallID(""), rec.ToolCallID)
	}
}
