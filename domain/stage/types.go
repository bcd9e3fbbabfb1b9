package stage

import (
	"encoding/json"
	"fmt"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
)

// StageKind categorizes stages by function
type StageKind string

const (
	StageKindIngest  StageKind = "ingest"  // input inventory and profiling
	StageKindAnalyze StageKind = "analyze" // baseline, measures, policy, finance
	StageKindPublish StageKind = "publish" // report assembly and rendering
)

// Status is the lifecycle state recorded in a stage log entry.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// StageSpec defines a single stage in the pipeline
type StageSpec struct {
	Name   envelope.Stage         `json:"name"`
	Kind   StageKind              `json:"kind"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// StagePlan represents the ordered list of stages a run executes
type StagePlan struct {
	Stages []StageSpec `json:"stages"`
}

// NewStagePlan creates a new stage plan
func NewStagePlan(stages []StageSpec) *StagePlan {
	return &StagePlan{Stages: stages}
}

// DefaultStagePlan returns intake, insight and report in order.
func DefaultStagePlan() *StagePlan {
	return NewStagePlan([]StageSpec{
		{Name: envelope.StageIntake, Kind: StageKindIngest},
		{Name: envelope.StageInsight, Kind: StageKindAnalyze},
		{Name: envelope.StageReport, Kind: StageKindPublish},
	})
}

// Names lists the stage names in plan order.
func (p *StagePlan) Names() []envelope.Stage {
	names := make([]envelope.Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		names = append(names, s.Name)
	}
	return names
}

// Hash computes a deterministic hash of the stage plan. Order is significant.
func (p *StagePlan) Hash() core.StageListHash {
	data, _ := json.Marshal(p.Stages)
	return core.StageListHash(core.NewHash(data))
}

// Validate checks that the plan is a non-empty prefix-respecting walk of
// envelope.Order: no unknown, duplicate, skipped or reordered stages.
func (p *StagePlan) Validate() error {
	if len(p.Stages) == 0 {
		return core.NewValidationError("stage_plan", "must contain at least one stage")
	}
	if len(p.Stages) > len(envelope.Order) {
		return core.NewValidationError("stage_plan", fmt.Sprintf("at most %d stages", len(envelope.Order)))
	}

	seenNames := make(map[envelope.Stage]bool)
	for i, spec := range p.Stages {
		if spec.Name == "" {
			return core.NewValidationError("stage", "name cannot be empty")
		}
		if !spec.Name.Valid() {
			return core.NewValidationError("stage", "unknown stage name: "+string(spec.Name))
		}
		if seenNames[spec.Name] {
			return core.NewValidationError("stage", "duplicate stage name: "+string(spec.Name))
		}
		seenNames[spec.Name] = true
		if spec.Name != envelope.Order[i] {
			return fmt.Errorf("%w: %s at position %d, expected %s", core.ErrStageOrder, spec.Name, i, envelope.Order[i])
		}
	}

	return nil
}

// LogEntry records a stage status transition.
type LogEntry struct {
	Stage      envelope.Stage `json:"stage"`
	Status     Status         `json:"status"`
	At         core.Timestamp `json:"at"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// PipelineSummary provides high-level pipeline statistics
type PipelineSummary struct {
	TotalStages   int   `json:"total_stages"`
	Successful    int   `json:"successful"`
	Failed        int   `json:"failed"`
	TotalDuration int64 `json:"total_duration_ms"`
	ReviewItems   int   `json:"review_items"`
}

// Add folds a finished stage into the summary.
func (s *PipelineSummary) Add(entry LogEntry, reviewItems int) {
	s.TotalStages++
	switch entry.Status {
	case StatusSuccess:
		s.Successful++
	case StatusFailed:
		s.Failed++
	}
	s.TotalDuration += entry.DurationMs
	s.ReviewItems += reviewItems
}
