package envelope

import (
	"encoding/json"
	"fmt"

	"energyagent/domain/core"
)

// Stage names one step of the fixed analysis sequence.
type Stage string

const (
	StageIntake  Stage = "intake"
	StageInsight Stage = "insight"
	StageReport  Stage = "report"
)

// Order is the closed, totally ordered set of stages a run walks through.
var Order = []Stage{StageIntake, StageInsight, StageReport}

// Index returns the position of s in Order, or -1 when s is unknown.
func (s Stage) Index() int {
	for i, candidate := range Order {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s belongs to the fixed order.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Predecessors returns the stages that must complete before s.
func (s Stage) Predecessors() []Stage {
	idx := s.Index()
	if idx <= 0 {
		return nil
	}
	return append([]Stage(nil), Order[:idx]...)
}

// ParseStage converts a string into a known stage.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.Valid() {
		return "", core.NewValidationError("stage", fmt.Sprintf("unknown stage %q", s))
	}
	return stage, nil
}

// Severity grades data gaps, assumptions and review items.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Assumption records a value a stage had to assume rather than observe.
type Assumption struct {
	Name        string      `json:"name"`
	Value       interface{} `json:"value"`
	Unit        string      `json:"unit,omitempty"`
	Reason      string      `json:"reason"`
	Sensitivity Severity    `json:"sensitivity"`
	Source      string      `json:"source,omitempty"`
}

// Evidence points at the material a conclusion rests on.
type Evidence struct {
	EvidenceID  string `json:"evidence_id"`
	Description string `json:"description"`
	Source      string `json:"source"`
	URI         string `json:"uri,omitempty"`
	Page        *int   `json:"page,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
}

// DataGap names a missing input and what its absence costs.
type DataGap struct {
	Missing  string   `json:"missing"`
	Impact   string   `json:"impact"`
	Severity Severity `json:"severity"`
}

// HumanReviewItem is an actionable checkpoint for an operator. EditableFields
// are blackboard state paths whose correction resolves the issue.
type HumanReviewItem struct {
	CheckpointID    core.CheckpointID `json:"checkpoint_id"`
	Stage           Stage             `json:"stage"`
	Issue           string            `json:"issue"`
	EditableFields  []string          `json:"editable_fields"`
	SuggestedAction string            `json:"suggested_action"`
	Severity        Severity          `json:"severity"`
}

// Reproducibility pins the inputs that determine an envelope's content.
type Reproducibility struct {
	CodeVersion    string             `json:"code_version"`
	CorpusVersion  string             `json:"corpus_version,omitempty"`
	ScoringHash    core.ConfigHash    `json:"scoring_hash,omitempty"`
	StagePlanHash  core.StageListHash `json:"stage_plan_hash,omitempty"`
	Fingerprint    core.Hash          `json:"fingerprint,omitempty"`
	ToolCallIDs    []core.ToolCallID  `json:"tool_call_ids,omitempty"`
	NarrativeModel string             `json:"narrative_model,omitempty"`
	GeneratedAtUTC string             `json:"generated_at_utc"`
	Extra          map[string]string  `json:"extra,omitempty"`
}

// ResultEnvelope is the one auditable output of a stage execution.
type ResultEnvelope struct {
	ResultID        core.ResultID          `json:"result_id"`
	ScenarioID      string                 `json:"scenario_id"`
	RegionID        string                 `json:"region_id"`
	Stage           Stage                  `json:"stage"`
	Metrics         map[string]interface{} `json:"metrics"`
	Artifacts       map[string]interface{} `json:"artifacts"`
	Assumptions     []Assumption           `json:"assumptions"`
	Evidence        []Evidence             `json:"evidence"`
	Confidence      float64                `json:"confidence"`
	DataGaps        []DataGap              `json:"data_gaps"`
	Reproducibility Reproducibility        `json:"reproducibility"`
}

// New returns an envelope for stage with empty, non-nil collections.
func New(stage Stage, scenarioID, regionID string) *ResultEnvelope {
	return &ResultEnvelope{
		ResultID:    core.NewResultID(string(stage)),
		ScenarioID:  scenarioID,
		RegionID:    regionID,
		Stage:       stage,
		Metrics:     map[string]interface{}{},
		Artifacts:   map[string]interface{}{},
		Assumptions: []Assumption{},
		Evidence:    []Evidence{},
		DataGaps:    []DataGap{},
	}
}

// AddGap appends a data gap.
func (e *ResultEnvelope) AddGap(missing, impact string, severity Severity) {
	e.DataGaps = append(e.DataGaps, DataGap{Missing: missing, Impact: impact, Severity: severity})
}

// HighGaps counts the high-severity gaps.
func (e *ResultEnvelope) HighGaps() int {
	return CountHighGaps(e.DataGaps)
}

// HasGap reports whether a gap with the given Missing name exists.
func (e *ResultEnvelope) HasGap(missing string) bool {
	for _, gap := range e.DataGaps {
		if gap.Missing == missing {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of an envelope.
func (e *ResultEnvelope) Validate() error {
	if core.ID(e.ResultID).IsEmpty() {
		return core.NewValidationError("result_id", "cannot be empty")
	}
	if !e.Stage.Valid() {
		return core.NewValidationError("stage", fmt.Sprintf("unknown stage %q", e.Stage))
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return core.NewValidationError("confidence", fmt.Sprintf("%.4f outside [0,1]", e.Confidence))
	}
	for _, gap := range e.DataGaps {
		if !gap.Severity.valid() {
			return core.NewValidationError("data_gaps", fmt.Sprintf("invalid severity %q for %s", gap.Severity, gap.Missing))
		}
	}
	return nil
}

// Map projects the envelope into its untyped JSON view.
func (e *ResultEnvelope) Map() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CountHighGaps counts high-severity entries.
func CountHighGaps(gaps []DataGap) int {
	n := 0
	for _, gap := range gaps {
		if gap.Severity == SeverityHigh {
			n++
		}
	}
	return n
}

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}
