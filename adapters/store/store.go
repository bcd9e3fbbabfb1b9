// Package store persists run records through sqlx on SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	apperrors "energyagent/internal/errors"
	"energyagent/ports"
)

// timeLayout is fixed-width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open connects to driver ("sqlite" or "postgres") and pings it.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer at a time; avoids SQLITE_BUSY under concurrent runs.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// RunStore implements ports.RunRepository.
type RunStore struct {
	db *sqlx.DB
}

// NewRunStore creates a repository on a migrated database.
func NewRunStore(db *sqlx.DB) *RunStore {
	return &RunStore{db: db}
}

type runRow struct {
	ID          string `db:"id"`
	ScenarioID  string `db:"scenario_id"`
	Status      string `db:"status"`
	FailedStage string `db:"failed_stage"`
	Error       string `db:"error"`
	OutputDir   string `db:"output_dir"`
	Manifest    string `db:"manifest"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

const runColumns = "id, scenario_id, status, failed_stage, error, output_dir, manifest, created_at, updated_at"

// SaveRun upserts the run row and replaces its envelopes, review items and
// tool calls.
func (s *RunStore) SaveRun(ctx context.Context, record *ports.RunRecord) error {
	if record == nil || record.Run.ID == "" {
		return core.NewValidationError("run", "record and run id are required")
	}
	row, err := toRow(record.Run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.DatabaseError("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (:id, :scenario_id, :status, :failed_stage, :error, :output_dir, :manifest, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			scenario_id = excluded.scenario_id,
			status = excluded.status,
			failed_stage = excluded.failed_stage,
			error = excluded.error,
			output_dir = excluded.output_dir,
			manifest = excluded.manifest,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return apperrors.DatabaseError("upsert run", err)
	}

	for _, table := range []string{"run_envelopes", "review_items", "tool_calls"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM "+table+" WHERE run_id = ?"), row.ID); err != nil {
			return apperrors.DatabaseError("clear "+table, err)
		}
	}

	for _, st := range envelope.Order {
		env, ok := record.Envelopes[st]
		if !ok || env == nil {
			continue
		}
		body, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO run_envelopes (run_id, stage, stage_index, result_id, confidence, body)
			VALUES (?, ?, ?, ?, ?, ?)`),
			row.ID, string(st), st.Index(), string(env.ResultID), env.Confidence, string(body))
		if err != nil {
			return apperrors.DatabaseError("insert envelope "+string(st), err)
		}
	}

	for i, item := range record.ReviewItems {
		body, err := json.Marshal(item)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO review_items (run_id, seq, checkpoint_id, stage, severity, body)
			VALUES (?, ?, ?, ?, ?, ?)`),
			row.ID, i, string(item.CheckpointID), string(item.Stage), string(item.Severity), string(body))
		if err != nil {
			return apperrors.DatabaseError("insert review item", err)
		}
	}

	for i, call := range record.ToolCalls {
		body, err := json.Marshal(call)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO tool_calls (run_id, seq, tool_call_id, name, ok, error_type, elapsed_ms, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			row.ID, i, string(call.ToolCallID), call.Name, call.Response.OK,
			string(call.Response.ErrorType()), call.Response.ElapsedMs, string(body))
		if err != nil {
			return apperrors.DatabaseError("insert tool call", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.DatabaseError("commit", err)
	}
	return nil
}

// GetRun loads a run with all of its children.
func (s *RunStore) GetRun(ctx context.Context, runID core.RunID) (*ports.RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT "+runColumns+" FROM runs WHERE id = ?"), string(runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get run", err)
	}
	r, err := fromRow(row)
	if err != nil {
		return nil, err
	}

	record := &ports.RunRecord{
		Run:       r,
		Envelopes: make(map[envelope.Stage]*envelope.ResultEnvelope),
	}

	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, s.db.Rebind("SELECT body FROM run_envelopes WHERE run_id = ? ORDER BY stage_index"), string(runID)); err != nil {
		return nil, apperrors.DatabaseError("select envelopes", err)
	}
	for _, body := range bodies {
		var env envelope.ResultEnvelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return nil, core.NewParseError("run_envelopes", err)
		}
		record.Envelopes[env.Stage] = &env
	}

	if record.ReviewItems, err = s.ListReviewItems(ctx, runID); err != nil {
		return nil, err
	}

	bodies = nil
	if err := s.db.SelectContext(ctx, &bodies, s.db.Rebind("SELECT body FROM tool_calls WHERE run_id = ? ORDER BY seq"), string(runID)); err != nil {
		return nil, apperrors.DatabaseError("select tool calls", err)
	}
	record.ToolCalls = make([]ports.ToolCallRecord, 0, len(bodies))
	for _, body := range bodies {
		var call ports.ToolCallRecord
		if err := json.Unmarshal([]byte(body), &call); err != nil {
			return nil, core.NewParseError("tool_calls", err)
		}
		record.ToolCalls = append(record.ToolCalls, call)
	}
	return record, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, filters ports.RunFilters) ([]run.Run, error) {
	var (
		where []string
		args  []interface{}
	)
	if filters.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filters.Status))
	}
	if filters.ScenarioID != "" {
		where = append(where, "scenario_id = ?")
		args = append(args, filters.ScenarioID)
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
		if filters.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filters.Offset)
		}
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.DatabaseError("list runs", err)
	}
	out := make([]run.Run, 0, len(rows))
	for _, row := range rows {
		r, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ListReviewItems returns the review queue of a run in insertion order.
func (s *RunStore) ListReviewItems(ctx context.Context, runID core.RunID) ([]envelope.HumanReviewItem, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists, s.db.Rebind("SELECT COUNT(*) FROM runs WHERE id = ?"), string(runID))
	if err != nil {
		return nil, apperrors.DatabaseError("check run", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}

	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, s.db.Rebind("SELECT body FROM review_items WHERE run_id = ? ORDER BY seq"), string(runID)); err != nil {
		return nil, apperrors.DatabaseError("select review items", err)
	}
	items := make([]envelope.HumanReviewItem, 0, len(bodies))
	for _, body := range bodies {
		var item envelope.HumanReviewItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, core.NewParseError("review_items", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func toRow(r run.Run) (runRow, error) {
	row := runRow{
		ID:          string(r.ID),
		ScenarioID:  r.ScenarioID,
		Status:      string(r.Status),
		FailedStage: string(r.FailedStage),
		Error:       r.Error,
		OutputDir:   r.OutputDir,
		CreatedAt:   formatTime(r.CreatedAt),
		UpdatedAt:   formatTime(r.UpdatedAt),
	}
	if r.Manifest != nil {
		raw, err := json.Marshal(r.Manifest)
		if err != nil {
			return runRow{}, err
		}
		row.Manifest = string(raw)
	}
	return row, nil
}

func fromRow(row runRow) (run.Run, error) {
	r := run.Run{
		ID:          core.RunID(row.ID),
		ScenarioID:  row.ScenarioID,
		Status:      run.Status(row.Status),
		FailedStage: envelope.Stage(row.FailedStage),
		Error:       row.Error,
		OutputDir:   row.OutputDir,
	}
	var err error
	if r.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return run.Run{}, err
	}
	if r.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return run.Run{}, err
	}
	if row.Manifest != "" {
		r.Manifest = &run.Manifest{}
		if err := json.Unmarshal([]byte(row.Manifest), r.Manifest); err != nil {
			return run.Run{}, core.NewParseError("runs.manifest", err)
		}
	}
	return r, nil
}

func formatTime(t core.Timestamp) string {
	if t.IsZero() {
		t = core.Now()
	}
	return t.Time().UTC().Format(timeLayout)
}

func parseTime(s string) (core.Timestamp, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return core.Timestamp{}, core.NewParseError("timestamp", err)
	}
	return core.NewTimestamp(t), nil
}
