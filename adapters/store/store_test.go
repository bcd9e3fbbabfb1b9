package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	"energyagent/domain/stage"
	apperrors "energyagent/internal/errors"
	"energyagent/ports"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	n, err := NewMigrator(db, nil).Up(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	return db
}

func sampleRecord(id core.RunID, scenario string, status run.Status, created time.Time) *ports.RunRecord {
	req := run.Request{Scenario: run.Scenario{ScenarioID: scenario}}
	intake := envelope.New(envelope.StageIntake, scenario, "320500")
	intake.Confidence = 0.55
	intake.AddGap("csv_paths", "no csv", envelope.SeverityHigh)
	insight := envelope.New(envelope.StageInsight, scenario, "320500")
	insight.Confidence = 0.7

	return &ports.RunRecord{
		Run: run.Run{
			ID:         id,
			ScenarioID: scenario,
			Status:     status,
			OutputDir:  "outputs/" + scenario,
			CreatedAt:  core.NewTimestamp(created),
			UpdatedAt:  core.NewTimestamp(created),
			Manifest:   run.NewManifest(id, req, "v1", "scoring", stage.DefaultStagePlan(), "test"),
		},
		Envelopes: map[envelope.Stage]*envelope.ResultEnvelope{
			envelope.StageIntake:  intake,
			envelope.StageInsight: insight,
		},
		ReviewItems: []envelope.HumanReviewItem{
			envelope.NewReviewItem(envelope.StageIntake, "missing csv", "add files", envelope.SeverityHigh, "inputs.csv_paths"),
		},
		ToolCalls: []ports.ToolCallRecord{{
			ToolCallID: "abc",
			Name:       "profile_tabular",
			Params:     map[string]interface{}{"path": "x.csv"},
			Response: ports.ToolResponse{
				ToolCallID: "abc",
				Name:       "profile_tabular",
				Data:       map[string]interface{}{},
				Error:      &ports.ToolError{Type: ports.ToolErrMissingFile, Message: "file not found: x.csv"},
			},
		}},
	}
}

func TestMigratorIdempotent(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, nil)

	n, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, "001", status[0].Version)
	assert.True(t, status[0].Applied)
	assert.False(t, status[1].Drifted)
}

func TestSaveAndGetRun(t *testing.T) {
	db := openTestDB(t)
	s := NewRunStore(db)
	ctx := context.Background()

	rec := sampleRecord(core.NewRunID(), "park-a", run.StatusCompleted, time.Now())
	require.NoError(t, s.SaveRun(ctx, rec))

	got, err := s.GetRun(ctx, rec.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Run.ID, got.Run.ID)
	assert.Equal(t, run.StatusCompleted, got.Run.Status)
	require.NotNil(t, got.Run.Manifest)
	assert.Equal(t, rec.Run.Manifest.Fingerprint.Fingerprint, got.Run.Manifest.Fingerprint.Fingerprint)

	require.Len(t, got.Envelopes, 2)
	assert.Equal(t, 0.55, got.Envelopes[envelope.StageIntake].Confidence)
	assert.True(t, got.Envelopes[envelope.StageIntake].HasGap("csv_paths"))

	require.Len(t, got.ReviewItems, 1)
	assert.Equal(t, []string{"inputs.csv_paths"}, got.ReviewItems[0].EditableFields)

	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, ports.ToolErrMissingFile, got.ToolCalls[0].Response.ErrorType())
}

func TestSaveRunReplacesChildren(t *testing.T) {
	db := openTestDB(t)
	s := NewRunStore(db)
	ctx := context.Background()

	rec := sampleRecord(core.NewRunID(), "park-a", run.StatusRunning, time.Now())
	require.NoError(t, s.SaveRun(ctx, rec))

	rec.Run.Status = run.StatusFailed
	rec.Run.FailedStage = envelope.StageReport
	rec.Run.Error = "boom"
	rec.ReviewItems = nil
	require.NoError(t, s.SaveRun(ctx, rec))

	got, err := s.GetRun(ctx, rec.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Run.Status)
	assert.Equal(t, envelope.StageReport, got.Run.FailedStage)
	assert.Empty(t, got.ReviewItems)
}

func TestGetRunNotFound(t *testing.T) {
	s := NewRunStore(openTestDB(t))
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)

	_, err = s.ListReviewItems(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestStoreErrorsCarryDatabaseCode(t *testing.T) {
	db := openTestDB(t)
	s := NewRunStore(db)
	require.NoError(t, db.Close())

	err := s.SaveRun(context.Background(), sampleRecord("r-closed", "park", run.StatusCompleted, time.Now()))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDatabaseError, apperrors.GetCode(err))

	_, err = s.ListRuns(context.Background(), ports.RunFilters{})
	assert.Equal(t, apperrors.CodeDatabaseError, apperrors.GetCode(err))
}

func TestListRuns(t *testing.T) {
	s := NewRunStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, sampleRecord("r1", "park-a", run.StatusCompleted, base)))
	require.NoError(t, s.SaveRun(ctx, sampleRecord("r2", "park-b", run.StatusFailed, base.Add(time.Minute))))
	require.NoError(t, s.SaveRun(ctx, sampleRecord("r3", "park-a", run.StatusCompleted, base.Add(2*time.Minute))))

	all, err := s.ListRuns(ctx, ports.RunFilters{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, core.RunID("r3"), all[0].ID, "newest first")

	completed := run.StatusCompleted
	byStatus, err := s.ListRuns(ctx, ports.RunFilters{Status: &completed, ScenarioID: "park-a"})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	page, err := s.ListRuns(ctx, ports.RunFilters{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, core.RunID("r2"), page[0].ID)
	assert.True(t, page[0].CreatedAt.Time().Equal(base.Add(time.Minute)))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}
