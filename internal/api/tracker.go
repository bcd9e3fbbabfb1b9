package api

import (
	"sort"
	"sync"

	"energyagent/domain/core"
	"energyagent/domain/run"
	apperrors "energyagent/internal/errors"
	"energyagent/ports"
)

// StreamEvent is a run event with its position in the run's event log.
type StreamEvent struct {
	Seq int `json:"seq"`
	run.Event
}

// Terminal reports whether no further events follow.
func (e StreamEvent) Terminal() bool {
	return e.Type == run.EventRunCompleted || e.Type == run.EventRunFailed
}

type trackedRun struct {
	run    run.Run
	record *ports.RunRecord
	events []StreamEvent
}

// Tracker keeps the runs started by this process in memory: status while
// they execute, the full record once they finish, and the event log for
// replay to late subscribers.
type Tracker struct {
	mu   sync.RWMutex
	runs map[core.RunID]*trackedRun
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[core.RunID]*trackedRun)}
}

// Create registers a pending run. It fails with a conflict while another
// run for the same scenario is pending or running, since both would write
// the same output directory and plan file.
func (t *Tracker) Create(id core.RunID, scenarioID string) (run.Run, error) {
	key := run.SanitizeID(scenarioID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for otherID, tr := range t.runs {
		if !tr.run.Status.Terminal() && run.SanitizeID(tr.run.ScenarioID) == key {
			return run.Run{}, apperrors.Conflict("scenario " + key + " already has active run " + otherID.String())
		}
	}
	now := core.Now()
	r := run.Run{ID: id, ScenarioID: scenarioID, Status: run.StatusPending, CreatedAt: now, UpdatedAt: now}
	t.runs[id] = &trackedRun{run: r, events: []StreamEvent{}}
	return r, nil
}

// Record appends ev to its run's log and advances the run status.
// Events for unknown runs get sequence 0 and are not stored.
func (t *Tracker) Record(ev run.Event) StreamEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.runs[ev.RunID]
	if !ok {
		return StreamEvent{Event: ev}
	}
	se := StreamEvent{Seq: len(tr.events) + 1, Event: ev}
	tr.events = append(tr.events, se)

	switch ev.Type {
	case run.EventRunStarted:
		if tr.run.Status == run.StatusPending {
			_ = tr.run.Transition(run.StatusRunning)
		}
		if dir, ok := ev.Data["output_dir"].(string); ok {
			tr.run.OutputDir = dir
		}
	case run.EventRunCompleted:
		if !tr.run.Status.Terminal() {
			_ = tr.run.Transition(run.StatusCompleted)
		}
	case run.EventRunFailed:
		if !tr.run.Status.Terminal() {
			_ = tr.run.Transition(run.StatusFailed)
		}
		tr.run.FailedStage = ev.Stage
		tr.run.Error = ev.Message
	}
	return se
}

// Finish stores the final record. err is kept on runs that never produced
// a record, such as a run whose context could not be prepared.
func (t *Tracker) Finish(id core.RunID, record *ports.RunRecord, err error) run.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.runs[id]
	if !ok {
		tr = &trackedRun{events: []StreamEvent{}}
		t.runs[id] = tr
	}
	if record != nil {
		tr.record = record
		tr.run = record.Run
		return tr.run
	}
	if !tr.run.Status.Terminal() {
		_ = tr.run.Transition(run.StatusFailed)
	}
	if err != nil {
		tr.run.Error = err.Error()
	}
	return tr.run
}

// Get returns a run and, once finished, its record.
func (t *Tracker) Get(id core.RunID) (run.Run, *ports.RunRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.runs[id]
	if !ok {
		return run.Run{}, nil, false
	}
	return tr.run, tr.record, true
}

// Events returns a copy of the run's event log.
func (t *Tracker) Events(id core.RunID) ([]StreamEvent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.runs[id]
	if !ok {
		return nil, false
	}
	out := make([]StreamEvent, len(tr.events))
	copy(out, tr.events)
	return out, true
}

// List returns tracked runs matching filters, newest first. Limit and
// Offset are left to the caller.
func (t *Tracker) List(filters ports.RunFilters) []run.Run {
	t.mu.RLock()
	out := make([]run.Run, 0, len(t.runs))
	for _, tr := range t.runs {
		if filters.Status != nil && tr.run.Status != *filters.Status {
			continue
		}
		if filters.ScenarioID != "" && tr.run.ScenarioID != filters.ScenarioID {
			continue
		}
		out = append(out, tr.run)
	}
	t.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(runs []run.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i].CreatedAt.Time(), runs[j].CreatedAt.Time()
		if a.Equal(b) {
			return runs[i].ID > runs[j].ID
		}
		return a.After(b)
	})
}
