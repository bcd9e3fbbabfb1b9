package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"energyagent/domain/core"
)

// Status is the checklist state of a task.
type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

// MaxLogEntries bounds the rolling progress log.
const MaxLogEntries = 50

const stateMarker = "<!-- PLAN_STATE:"

// TaskSpec seeds a task in a fresh plan.
type TaskSpec struct {
	ID    string `json:"task_id"`
	Title string `json:"title"`
}

// Task is one checklist entry.
type Task struct {
	ID        string `json:"task_id"`
	Title     string `json:"title"`
	Status    Status `json:"status"`
	Note      string `json:"note"`
	UpdatedAt string `json:"updated_at"`
}

// State is the authoritative content of a plan file. The markdown is a
// rendering of it.
type State struct {
	ScenarioID  string   `json:"scenario_id"`
	CreatedAt   string   `json:"created_at"`
	LastUpdated string   `json:"last_updated"`
	Tasks       []Task   `json:"tasks"`
	Logs        []string `json:"logs"`
}

// DefaultTasks is the report-oriented checklist shared by every stage.
func DefaultTasks() []TaskSpec {
	return []TaskSpec{
		{ID: "T1", Title: "Inventory input files (CSV / PDF / Excel)"},
		{ID: "T2", Title: "Profile CSV columns and describe fields"},
		{ID: "T3", Title: "Collect PDF policy and evidence documents"},
		{ID: "T4", Title: "Detect energy-flow and cash-flow sheets in Excel"},
		{ID: "T5", Title: "Describe the park baseline (descriptive, no optimisation)"},
		{ID: "T6", Title: "Explain energy flows: sources, conversion, end use, losses"},
		{ID: "T7", Title: "Explain cash flows: CAPEX, OPEX, subsidies, returns"},
		{ID: "T8", Title: "Screen measures and flag missing inputs"},
		{ID: "T9", Title: "Assemble the report markdown"},
		{ID: "T10", Title: "Save report.md and the QA index"},
		{ID: "T11", Title: "Render the HTML report"},
	}
}

func newState(scenarioID string, specs []TaskSpec, ts string) *State {
	s := &State{
		ScenarioID:  scenarioID,
		CreatedAt:   ts,
		LastUpdated: ts,
		Tasks:       make([]Task, 0, len(specs)),
		Logs:        []string{ts + " plan initialized"},
	}
	s.mergeTasks(specs, ts)
	return s
}

// mergeTasks appends specs whose id is not yet present.
func (s *State) mergeTasks(specs []TaskSpec, ts string) int {
	have := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		have[t.ID] = true
	}
	added := 0
	for _, spec := range specs {
		if spec.ID == "" || spec.Title == "" || have[spec.ID] {
			continue
		}
		have[spec.ID] = true
		s.Tasks = append(s.Tasks, Task{ID: spec.ID, Title: spec.Title, Status: StatusTodo, UpdatedAt: ts})
		added++
	}
	return added
}

func (s *State) task(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

func (s *State) appendLog(entry string) {
	s.Logs = append(s.Logs, entry)
	if over := len(s.Logs) - MaxLogEntries; over > 0 {
		s.Logs = append([]string(nil), s.Logs[over:]...)
	}
}

func (s *State) clone() State {
	c := *s
	c.Tasks = append([]Task(nil), s.Tasks...)
	c.Logs = append([]string(nil), s.Logs...)
	return c
}

// Render produces the full plan.md content for s.
func Render(s *State, reason string) (string, error) {
	embedded, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode plan state: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan for scenario: %s\n\n", s.ScenarioID)
	b.WriteString("## 0. Meta\n")
	fmt.Fprintf(&b, "- CreatedAt: %s\n", s.CreatedAt)
	fmt.Fprintf(&b, "- LastUpdated: %s\n", s.LastUpdated)
	if reason != "" {
		fmt.Fprintf(&b, "- RefreshReason: %s\n", singleLine(reason))
	}
	b.WriteString("\n## 1. Tasks (report-oriented)\n")
	for _, t := range s.Tasks {
		note := ""
		if t.Note != "" {
			note = " - " + singleLine(t.Note)
		}
		fmt.Fprintf(&b, "- %s (%s) %s%s\n", checkbox(t.Status), t.ID, t.Title, note)
	}
	b.WriteString("\n## 2. Progress log\n")
	for _, entry := range s.Logs {
		fmt.Fprintf(&b, "- %s\n", singleLine(entry))
	}
	fmt.Fprintf(&b, "\n%s %s -->\n", stateMarker, embedded)
	return b.String(), nil
}

// Parse extracts the embedded state from plan.md content.
func Parse(content string) (*State, error) {
	start := strings.LastIndex(content, stateMarker)
	if start == -1 {
		return nil, fmt.Errorf("%w: plan state marker not found", core.ErrParse)
	}
	rest := content[start+len(stateMarker):]
	end := strings.Index(rest, "-->")
	if end == -1 {
		return nil, fmt.Errorf("%w: plan state block not terminated", core.ErrParse)
	}

	var s State
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &s); err != nil {
		return nil, core.NewParseError("plan state", err)
	}
	for i := range s.Tasks {
		switch s.Tasks[i].Status {
		case StatusTodo, StatusDoing, StatusDone:
		default:
			return nil, fmt.Errorf("%w: task %s has status %q", core.ErrParse, s.Tasks[i].ID, s.Tasks[i].Status)
		}
	}
	if s.Logs == nil {
		s.Logs = []string{}
	}
	return &s, nil
}

func checkbox(s Status) string {
	switch s {
	case StatusDone:
		return "[x]"
	case StatusDoing:
		return "[~]"
	default:
		return "[ ]"
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
