// Package plan keeps the per-run plan.md file: a markdown checklist plus one
// embedded JSON state line that the tracker re-reads on restart.
package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"energyagent/domain/core"
)

// FileName is the plan file written into a run's output directory.
const FileName = "plan.md"

// ErrUnknownTask is returned when a task id is not in the checklist.
var ErrUnknownTask = errors.New("unknown plan task")

// Tracker owns one plan file. Every mutation rewrites the whole file.
type Tracker struct {
	mu    sync.Mutex
	path  string
	state *State
	now   func() time.Time
}

// Open loads the plan at path, or creates it from specs. Re-opening the same
// path resumes the existing checklist; tasks missing from it are appended.
// A plan file whose embedded state cannot be parsed is re-initialized.
func Open(path, scenarioID string, specs []TaskSpec) (*Tracker, error) {
	t := &Tracker{path: path, now: time.Now}
	ts := t.stamp()

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		state, perr := Parse(string(content))
		if perr != nil {
			t.state = newState(scenarioID, specs, ts)
			t.state.appendLog(fmt.Sprintf("%s previous plan state unreadable, re-initialized: %v", ts, perr))
			return t, t.flush("init: plan re-initialized")
		}
		t.state = state
		if added := t.state.mergeTasks(specs, ts); added > 0 {
			t.state.appendLog(fmt.Sprintf("%s added %d task(s) on resume", ts, added))
		}
		return t, t.flush("init: plan existed, state loaded")
	case errors.Is(err, os.ErrNotExist):
		t.state = newState(scenarioID, specs, ts)
		return t, t.flush("init: created new plan")
	default:
		return nil, fmt.Errorf("read plan: %w", err)
	}
}

// Path returns the plan file location.
func (t *Tracker) Path() string { return t.path }

// MarkDoing sets a task in progress.
func (t *Tracker) MarkDoing(taskID, note string) error {
	return t.setStatus(taskID, StatusDoing, note)
}

// MarkDone completes a task.
func (t *Tracker) MarkDone(taskID, note string) error {
	return t.setStatus(taskID, StatusDone, note)
}

// AppendLog adds a timestamped entry to the rolling log.
func (t *Tracker) AppendLog(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.stamp()
	t.state.appendLog(ts + " " + message)
	return t.flushLocked("append_log")
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// Statuses maps task ids to their status.
func (t *Tracker) Statuses() map[string]Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Status, len(t.state.Tasks))
	for _, task := range t.state.Tasks {
		out[task.ID] = task.Status
	}
	return out
}

func (t *Tracker) setStatus(taskID string, status Status, note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := t.state.task(taskID)
	if task == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	task.Status = status
	if note != "" {
		task.Note = note
	}
	task.UpdatedAt = t.stamp()
	reason := fmt.Sprintf("task %s -> %s", taskID, status)
	if note != "" {
		reason += ". " + note
	}
	t.state.appendLog(task.UpdatedAt + " " + reason)
	return t.flushLocked(reason)
}

func (t *Tracker) flush(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(reason)
}

func (t *Tracker) flushLocked(reason string) error {
	t.state.LastUpdated = t.stamp()
	content, err := Render(t.state, reason)
	if err != nil {
		return err
	}
	return writeAtomic(t.path, []byte(content))
}

func (t *Tracker) stamp() string {
	return core.UTCStamp(t.now())
}

// writeAtomic replaces path with data via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".plan-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp plan: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp plan: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp plan: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace plan: %w", err)
	}
	return nil
}
