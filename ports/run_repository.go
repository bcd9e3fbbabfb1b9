package ports

import (
	"context"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
)

// RunRecord is the externalized result of a run.
type RunRecord struct {
	Run         run.Run                                     `json:"run"`
	Envelopes   map[envelope.Stage]*envelope.ResultEnvelope `json:"envelopes"`
	ReviewItems []envelope.HumanReviewItem                  `json:"review_items"`
	ToolCalls   []ToolCallRecord                            `json:"tool_calls"`
}

// RunFilters for querying runs
type RunFilters struct {
	Status     *run.Status
	ScenarioID string
	Limit      int
	Offset     int
}

// RunRepository persists run records.
type RunRepository interface {
	SaveRun(ctx context.Context, record *RunRecord) error
	GetRun(ctx context.Context, runID core.RunID) (*RunRecord, error)
	ListRuns(ctx context.Context, filters RunFilters) ([]run.Run, error)
	ListReviewItems(ctx context.Context, runID core.RunID) ([]envelope.HumanReviewItem, error)
}
