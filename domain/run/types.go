package run

import (
	"fmt"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EventType names a run lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventRunFailed      EventType = "run_failed"
	EventRunCompleted   EventType = "run_completed"
)

// Event is emitted as a run progresses.
type Event struct {
	Type    EventType              `json:"type"`
	RunID   core.RunID             `json:"run_id"`
	Stage   envelope.Stage         `json:"stage,omitempty"`
	Message string                 `json:"message,omitempty"`
	At      core.Timestamp         `json:"at"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Run is the persisted record of a pipeline execution.
type Run struct {
	ID          core.RunID     `json:"id" db:"id"`
	ScenarioID  string         `json:"scenario_id" db:"scenario_id"`
	Status      Status         `json:"status" db:"status"`
	FailedStage envelope.Stage `json:"failed_stage,omitempty" db:"failed_stage"`
	Error       string         `json:"error,omitempty" db:"error"`
	OutputDir   string         `json:"output_dir" db:"output_dir"`
	CreatedAt   core.Timestamp `json:"created_at" db:"created_at"`
	UpdatedAt   core.Timestamp `json:"updated_at" db:"updated_at"`
	Manifest    *Manifest      `json:"manifest,omitempty" db:"-"`
}

// Transition moves the run to next, rejecting moves out of a terminal state.
func (r *Run) Transition(next Status) error {
	if r.Status.Terminal() {
		return core.NewValidationError("status", fmt.Sprintf("run %s already %s", r.ID, r.Status))
	}
	r.Status = next
	r.UpdatedAt = core.Now()
	return nil
}

// RunFingerprint ensures deterministic replay
type RunFingerprint struct {
	ScenarioID    string             `json:"scenario_id"`
	InputsHash    core.Hash          `json:"inputs_hash"`
	CorpusVersion string             `json:"corpus_version"`
	ScoringHash   core.ConfigHash    `json:"scoring_hash"`
	StagePlanHash core.StageListHash `json:"stage_plan_hash"`
	CodeVersion   string             `json:"code_version"`
	Fingerprint   core.Hash          `json:"fingerprint"` // Hash of all above
}

// NewRunFingerprint creates a fingerprint from determinism parameters
func NewRunFingerprint(scenarioID string, inputsHash core.Hash, corpusVersion string,
	scoringHash core.ConfigHash, stagePlanHash core.StageListHash, codeVersion string) RunFingerprint {

	data := fmt.Sprintf("scenario:%s|inputs:%s|corpus:%s|scoring:%s|stage_plan:%s|code:%s",
		scenarioID, inputsHash, corpusVersion, scoringHash, stagePlanHash, codeVersion)

	return RunFingerprint{
		ScenarioID:    scenarioID,
		InputsHash:    inputsHash,
		CorpusVersion: corpusVersion,
		ScoringHash:   scoringHash,
		StagePlanHash: stagePlanHash,
		CodeVersion:   codeVersion,
		Fingerprint:   core.NewHash([]byte(data)),
	}
}
