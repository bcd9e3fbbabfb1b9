package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"energyagent/adapters/excel"
	"energyagent/domain/core"
	"energyagent/domain/energy"
	"energyagent/domain/envelope"
	"energyagent/domain/tabular"
	"energyagent/internal/blackboard"
	"energyagent/internal/pipeline"
	"energyagent/internal/tools"
	"energyagent/ports"
)

// Intake artifact keys read by later stages.
const (
	ArtifactInventory       = "inventory"
	ArtifactCSVProfiles     = "csv_profiles"
	ArtifactCSVDescriptions = "csv_descriptions"
	ArtifactPDFDocuments    = "pdf_documents"
	ArtifactExcelProfiles   = "excel_profiles"
)

// File types of inventory entries.
const (
	FileTypeCSV   = "csv"
	FileTypePDF   = "pdf"
	FileTypeExcel = "excel"
)

// completenessSpan is how far full input coverage lifts intake confidence
// above the model base.
const completenessSpan = 0.35

// FileEntry is one present input file.
type FileEntry struct {
	Path      string `json:"path"`
	Type      string `json:"type"`
	SizeBytes int64  `json:"size_bytes"`
	Mtime     string `json:"mtime"`
}

// Inventory lists present and missing input files.
type Inventory struct {
	Files        []FileEntry `json:"files"`
	MissingFiles []string    `json:"missing_files"`
}

// CSVDescription is the narrative description of one profiled CSV.
type CSVDescription struct {
	File     string `json:"file"`
	Path     string `json:"path"`
	Markdown string `json:"markdown"`
}

// Intake inventories the input files and profiles the tabular ones.
type Intake struct {
	deps Deps
}

// NewIntake creates the intake stage.
func NewIntake(deps Deps) *Intake {
	return &Intake{deps: deps}
}

func (s *Intake) Name() envelope.Stage { return envelope.StageIntake }

func (s *Intake) Run(ctx context.Context, state *blackboard.State) (pipeline.Result, error) {
	sess := newSession(state, envelope.StageIntake, s.deps.Narrative)
	env := sess.env
	inputs := state.Inputs()

	// T1
	sess.doing("T1", "inventory input files")
	inventory := buildInventory(inputs.CSVPaths, inputs.PDFPaths, inputs.ExcelPaths)
	if err := writeJSON(sess.artifactPath("inventory.json"), inventory); err != nil {
		return pipeline.Result{}, fmt.Errorf("write inventory: %w", err)
	}
	if len(inventory.MissingFiles) > 0 {
		env.AddGap("missing_files",
			fmt.Sprintf("input files not found: %s", strings.Join(inventory.MissingFiles, ", ")),
			envelope.SeverityHigh)
	}
	sess.done("T1", fmt.Sprintf("%d files present, %d missing", len(inventory.Files), len(inventory.MissingFiles)))

	// T2
	sess.doing("T2", "profile CSV columns")
	csvProfiles := []tabular.FileProfile{}
	descriptions := []CSVDescription{}
	if len(inputs.CSVPaths) == 0 {
		env.AddGap("csv_paths", "no CSV base data, the field dictionary and data profile cannot be built", envelope.SeverityHigh)
	}
	for _, path := range inputs.CSVPaths {
		profile, ok := s.profile(ctx, sess, path, "csv_profile")
		if !ok {
			continue
		}
		csvProfiles = append(csvProfiles, profile)
		name := safeName(path)
		if err := writeJSON(sess.artifactPath("csv_profile_"+name+".json"), profile); err != nil {
			return pipeline.Result{}, fmt.Errorf("write csv profile: %w", err)
		}
		desc := generate(ctx, s.deps.Narrative, csvDescriptionSystem, csvDescriptionPrompt(profile), csvDescriptionFallback(profile))
		descPath := sess.artifactPath("csv_description_" + name + ".md")
		if err := writeFile(descPath, []byte(desc)); err != nil {
			return pipeline.Result{}, fmt.Errorf("write csv description: %w", err)
		}
		descriptions = append(descriptions, CSVDescription{File: profile.File, Path: descPath, Markdown: desc})
	}
	sess.done("T2", fmt.Sprintf("%d CSV profiles", len(csvProfiles)))

	// T3: PDFs are inventoried only.
	sess.doing("T3", "collect PDF documents")
	pdfs := []FileEntry{}
	for _, f := range inventory.Files {
		if f.Type == FileTypePDF {
			pdfs = append(pdfs, f)
		}
	}
	if len(inputs.PDFPaths) == 0 {
		env.AddGap("pdf_paths", "no PDF sources, the policy and survey evidence chain will be thin", envelope.SeverityMedium)
	}
	sess.done("T3", fmt.Sprintf("%d PDF documents inventoried", len(pdfs)))

	// T4
	sess.doing("T4", "detect cash-flow and energy-flow sheets")
	excelProfiles := []tabular.FileProfile{}
	if len(inputs.ExcelPaths) == 0 {
		env.AddGap("excel_paths", "no Excel workbooks, cash-flow and energy-flow sections fall back to templates", envelope.SeverityMedium)
	}
	for _, path := range inputs.ExcelPaths {
		profile, ok := s.profile(ctx, sess, path, "excel_profile")
		if !ok {
			continue
		}
		excelProfiles = append(excelProfiles, profile)
		if err := writeJSON(sess.artifactPath("excel_summary_"+safeName(path)+".json"), profile); err != nil {
			return pipeline.Result{}, fmt.Errorf("write excel summary: %w", err)
		}
	}
	sess.done("T4", fmt.Sprintf("%d Excel workbooks parsed", len(excelProfiles)))

	completeness := energy.Round(float64(presence(len(csvProfiles))+presence(len(pdfs))+presence(len(excelProfiles)))/3, 2)

	env.Metrics = map[string]interface{}{
		"scenario_id":             state.Scenario().ScenarioID,
		"file_count_csv":          len(inputs.CSVPaths),
		"file_count_pdf":          len(inputs.PDFPaths),
		"file_count_excel":        len(inputs.ExcelPaths),
		"data_completeness_score": completeness,
		"csv_profiled":            len(csvProfiles),
		"pdf_parsed":              len(pdfs),
		"excel_parsed":            len(excelProfiles),
	}
	env.Artifacts = map[string]interface{}{
		"output_dir":            state.OutputDir(),
		ArtifactInventory:       inventory,
		ArtifactCSVProfiles:     csvProfiles,
		ArtifactCSVDescriptions: descriptions,
		ArtifactPDFDocuments:    pdfs,
		ArtifactExcelProfiles:   excelProfiles,
	}
	env.Assumptions = append(env.Assumptions, envelope.Assumption{
		Name:        "intake_sampling_policy",
		Value:       fmt.Sprintf("profiling reads at most %d rows per sheet", excel.DefaultMaxRows),
		Reason:      "intake describes the data, it does not run a full ETL",
		Sensitivity: envelope.SeverityLow,
	})
	env.Evidence = append(env.Evidence, envelope.Evidence{
		EvidenceID:  "EVID-INTAKE-ARTIFACTS",
		Description: "inventory and profiling artifacts saved under the run output",
		Source:      "local_filesystem",
		URI:         sess.artifactPath(""),
	})

	confidence := s.deps.Confidence.Scaled(completenessSpan, completeness, env.DataGaps)

	var review []envelope.HumanReviewItem
	if env.HighGaps() > 0 {
		review = append(review, envelope.NewReviewItem(envelope.StageIntake,
			"key input data is missing, the report will carry placeholders and data gap notes",
			"add CSV, PDF or Excel paths and rerun",
			envelope.SeverityHigh,
			"inputs.csv_paths", "inputs.pdf_paths", "inputs.excel_paths"))
	}

	sess.note("intake done: completeness=%.2f gaps=%d", completeness, len(env.DataGaps))
	return sess.finish(confidence, review, map[string]string{"output_dir": state.OutputDir()}), nil
}

// profile runs the profiling tool on path. A failed call becomes a gap.
func (s *Intake) profile(ctx context.Context, sess *session, path, gapPrefix string) (tabular.FileProfile, bool) {
	var profile tabular.FileProfile
	resp := sess.invoke(ctx, excel.ProfileToolName, map[string]interface{}{"path": path})
	if !resp.OK {
		sess.env.AddGap(gapPrefix+":"+safeName(path),
			fmt.Sprintf("%s could not be profiled (%s)", path, toolErrorText(resp)),
			gapSeverity(resp))
		return profile, false
	}
	if err := tools.DecodeData(resp.Data, &profile); err != nil {
		sess.env.AddGap(gapPrefix+":"+safeName(path),
			fmt.Sprintf("%s profile is unreadable: %v", path, err),
			envelope.SeverityMedium)
		return profile, false
	}
	return profile, true
}

// gapSeverity grades a failed tool call. Files the operator named but that
// cannot be read are high; everything else is medium.
func gapSeverity(resp ports.ToolResponse) envelope.Severity {
	switch resp.ErrorType() {
	case ports.ToolErrMissingFile, ports.ToolErrParse:
		return envelope.SeverityHigh
	}
	return envelope.SeverityMedium
}

func buildInventory(csvPaths, pdfPaths, excelPaths []string) Inventory {
	inv := Inventory{Files: []FileEntry{}, MissingFiles: []string{}}
	add := func(path, kind string) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			inv.MissingFiles = append(inv.MissingFiles, path)
			return
		}
		inv.Files = append(inv.Files, FileEntry{
			Path:      path,
			Type:      kind,
			SizeBytes: info.Size(),
			Mtime:     core.UTCStamp(info.ModTime()),
		})
	}
	for _, p := range csvPaths {
		add(p, FileTypeCSV)
	}
	for _, p := range pdfPaths {
		add(p, FileTypePDF)
	}
	for _, p := range excelPaths {
		add(p, FileTypeExcel)
	}
	return inv
}

func presence(n int) int {
	if n > 0 {
		return 1
	}
	return 0
}

const csvDescriptionSystem = "You are a data analyst for industrial parks. Describe datasets precisely and never invent numbers."

func csvDescriptionPrompt(profile tabular.FileProfile) string {
	data, _ := json.Marshal(profile)
	return "You receive a CSV data profile as JSON. Write a markdown section covering:\n" +
		"1) which business object or process the data likely represents (mark assumptions);\n" +
		"2) the time dimension and its probable granularity;\n" +
		"3) the 5-10 most important fields with meaning, type and missing rate;\n" +
		"4) data quality risks such as heavy missingness or suspicious ranges;\n" +
		"5) which report sections the data can support (baseline, energy flow, cash flow, measures, policy, risk).\n" +
		"Do not invent values; write \"cannot tell from the fields\" when unsure.\n\n" +
		"Profile JSON:\n" + string(data)
}

func csvDescriptionFallback(profile tabular.FileProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### CSV description: %s\n", profile.File)
	for _, sheet := range profile.Sheets {
		timeCols := strings.Join(sheet.TimeLikeColumns, ", ")
		if timeCols == "" {
			timeCols = "none detected"
		}
		fmt.Fprintf(&b, "- rows: %d, columns: %d\n", sheet.Rows, sheet.Cols)
		fmt.Fprintf(&b, "- time-like columns: %s\n", timeCols)
		b.WriteString("- field preview (first 10 columns)\n")
		for i, col := range sheet.Columns {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "  - %s (%s) missing %.1f%%\n", col.Name, col.Kind, col.MissingPct*100)
		}
	}
	b.WriteString("- note: generated without a narrative model.\n")
	return b.String()
}
