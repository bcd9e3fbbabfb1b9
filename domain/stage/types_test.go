package stage

import (
	"errors"
	"testing"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
)

func TestDefaultStagePlanValid(t *testing.T) {
	plan := DefaultStagePlan()
	if err := plan.Validate(); err != nil {
		t.Fatalf("default plan invalid: %v", err)
	}
	if got := len(plan.Names()); got != 3 {
		t.Errorf("expected 3 stages, got %d", got)
	}
}

func TestStagePlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		stages  []StageSpec
		wantErr error
	}{
		{"empty", nil, core.ErrValidation},
		{"unknown", []StageSpec{{Name: "optimizer"}}, core.ErrValidation},
		{"skipped", []StageSpec{{Name: envelope.StageInsight}}, core.ErrStageOrder},
		{"duplicate", []StageSpec{{Name: envelope.StageIntake}, {Name: envelope.StageIntake}}, core.ErrValidation},
		{"reordered", []StageSpec{{Name: envelope.StageIntake}, {Name: envelope.StageReport}}, core.ErrStageOrder},
		{"prefix", []StageSpec{{Name: envelope.StageIntake}, {Name: envelope.StageInsight}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStagePlan(tt.stages).Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStagePlanHashIsOrderSensitive(t *testing.T) {
	a := DefaultStagePlan()
	b := DefaultStagePlan()
	if a.Hash() != b.Hash() {
		t.Error("identical plans must hash equally")
	}
	b.Stages[0], b.Stages[1] = b.Stages[1], b.Stages[0]
	if a.Hash() == b.Hash() {
		t.Error("reordered plan must hash differently")
	}
}

func TestPipelineSummaryAdd(t *testing.T) {
	var s PipelineSummary
	s.Add(LogEntry{Status: StatusSuccess, DurationMs: 10}, 1)
	s.Add(LogEntry{Status: StatusFailed, DurationMs: 5}, 0)
	if s.TotalStages != 2 || s.Successful != 1 || s.Failed != 1 || s.TotalDuration != 15 || s.ReviewItems != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
}
