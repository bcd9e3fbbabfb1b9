package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"unicode"

	"energyagent/adapters/render"
	"energyagent/domain/energy"
	"energyagent/domain/envelope"
	"energyagent/domain/policy"
	"energyagent/domain/tabular"
	"energyagent/internal/blackboard"
	"energyagent/internal/pipeline"
)

// Report file names under the run output directory.
const (
	ReportFile  = "report.md"
	ReportHTML  = "report.html"
	QAIndexFile = "qa_index.json"
)

// DefaultMinReportChars is the minimum report length when none is configured.
const DefaultMinReportChars = 1000

// QAIndex is the retrieval index written next to the report.
type QAIndex struct {
	ScenarioID  string                   `json:"scenario_id"`
	ReportPath  string                   `json:"report_path"`
	Inventory   []FileEntry              `json:"inventory"`
	CSVProfiles []tabular.FileProfile    `json:"csv_profiles"`
	Measures    []energy.ScreenedMeasure `json:"measures"`
	Policies    []policy.Match           `json:"policies"`
	Baseline    *energy.Baseline         `json:"baseline,omitempty"`
	DataGaps    []envelope.DataGap       `json:"data_gaps"`
	Note        string                   `json:"note"`
}

// Report assembles the markdown report from the earlier envelopes, saves it
// with a QA index and renders an HTML copy.
type Report struct {
	deps Deps
}

// NewReport creates the report stage.
func NewReport(deps Deps) *Report {
	if deps.MinReportChars <= 0 {
		deps.MinReportChars = DefaultMinReportChars
	}
	return &Report{deps: deps}
}

func (s *Report) Name() envelope.Stage { return envelope.StageReport }

func (s *Report) Run(ctx context.Context, state *blackboard.State) (pipeline.Result, error) {
	sess := newSession(state, envelope.StageReport, s.deps.Narrative)
	env := sess.env

	intake, _ := state.Envelope(envelope.StageIntake)
	insight, _ := state.Envelope(envelope.StageInsight)
	gaps := collectGaps(intake, insight)
	in := reportInputs(state, intake, insight, gaps)

	// T9
	sess.doing("T9", fmt.Sprintf("assemble report sections (at least %d characters)", s.deps.MinReportChars))
	summary := generate(ctx, s.deps.Narrative, summarySystem, summaryPrompt(in), summaryFallback(in))
	markdown := padReport(buildReport(in, summary), s.deps.MinReportChars)
	chars := CountChars(markdown)
	sess.done("T9", fmt.Sprintf("report length %d characters", chars))

	// T10
	sess.doing("T10", "save report.md and the QA index")
	reportPath := sess.outputPath(ReportFile)
	if err := writeFile(reportPath, []byte(markdown)); err != nil {
		return pipeline.Result{}, fmt.Errorf("write report: %w", err)
	}
	qaPath := sess.artifactPath(QAIndexFile)
	if err := writeJSON(qaPath, buildQAIndex(in, reportPath)); err != nil {
		return pipeline.Result{}, fmt.Errorf("write qa index: %w", err)
	}
	sess.done("T10", "report.md and qa_index.json saved")

	// T11
	sess.doing("T11", "render the HTML report")
	htmlPath := ""
	resp := sess.invoke(ctx, render.ToolName, map[string]interface{}{
		"markdown_path": reportPath,
		"output_path":   sess.outputPath(ReportHTML),
	})
	if resp.OK {
		htmlPath, _ = resp.Data["html_path"].(string)
	} else {
		gaps = append(gaps, envelope.DataGap{
			Missing:  "report_html",
			Impact:   fmt.Sprintf("HTML rendering failed (%s), only the markdown report is available", toolErrorText(resp)),
			Severity: envelope.SeverityLow,
		})
	}
	sess.done("T11", "report rendered")

	env.DataGaps = gaps
	env.Metrics = map[string]interface{}{
		"report_path":       reportPath,
		"report_char_count": chars,
		"outstanding_gaps":  gaps,
	}
	env.Artifacts = map[string]interface{}{
		"report_markdown": markdown,
		"report_path":     reportPath,
		"report_html":     htmlPath,
		"qa_index_path":   qaPath,
	}
	env.Assumptions = append(env.Assumptions,
		envelope.Assumption{
			Name:        "report_length_constraint",
			Value:       fmt.Sprintf("chars>=%d", s.deps.MinReportChars),
			Reason:      "deliverable reports must meet a minimum length",
			Sensitivity: envelope.SeverityLow,
		},
		envelope.Assumption{
			Name:        "report_scope_boundary",
			Value:       "no optimisation; interprets data, the clause corpus and precomputed results only",
			Reason:      "numerical solving is outside the pipeline",
			Sensitivity: envelope.SeverityLow,
		})
	env.Evidence = append(env.Evidence, envelope.Evidence{
		EvidenceID:  "EVID-REPORT",
		Description: "report composed from the intake and insight envelopes",
		Source:      "envelope_chain+filesystem",
		URI:         reportPath,
	})

	confidence := s.deps.Confidence.Report(gaps)

	var review []envelope.HumanReviewItem
	if len(gaps) > 0 {
		review = append(review, envelope.NewReviewItem(envelope.StageReport,
			fmt.Sprintf("the report carries %d data gaps; fill them or state a mitigation before delivery", len(gaps)),
			"add energy/cash flow tables and admin/industry codes, or upload external model results",
			envelope.SeverityMedium,
			reportEditableFields...))
	}

	sess.note("report written: %s (%d chars, %d gaps)", filepath.Base(reportPath), chars, len(gaps))
	return sess.finish(confidence, review, nil), nil
}

var reportEditableFields = []string{
	"inputs.csv_paths",
	"inputs.excel_paths",
	"selection.metadata.admin_codes",
	"selection.metadata.industry_codes",
	"scenario.policy_kg_path",
}

// collectGaps gathers the gaps of the earlier envelopes in stage order.
func collectGaps(envs ...*envelope.ResultEnvelope) []envelope.DataGap {
	gaps := []envelope.DataGap{}
	for _, env := range envs {
		if env != nil {
			gaps = append(gaps, env.DataGaps...)
		}
	}
	return gaps
}

// CountChars counts letters, digits and CJK ideographs; whitespace,
// punctuation and markdown syntax do not count.
func CountChars(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func buildQAIndex(in reportInput, reportPath string) QAIndex {
	idx := QAIndex{
		ScenarioID:  in.scenario.ScenarioID,
		ReportPath:  reportPath,
		Inventory:   in.inventory.Files,
		CSVProfiles: in.csvProfiles,
		Measures:    in.measures,
		Policies:    in.policy.MatchedClauses,
		DataGaps:    in.gaps,
		Note:        "index for retrieval and QA over this run; not a replacement for a vector store",
	}
	if in.hasBaseline {
		b := in.baseline
		idx.Baseline = &b
	}
	if idx.Inventory == nil {
		idx.Inventory = []FileEntry{}
	}
	if idx.CSVProfiles == nil {
		idx.CSVProfiles = []tabular.FileProfile{}
	}
	if idx.Measures == nil {
		idx.Measures = []energy.ScreenedMeasure{}
	}
	if idx.Policies == nil {
		idx.Policies = []policy.Match{}
	}
	return idx
}
