// Package blackboard holds the run-scoped state shared by the stages of one
// pipeline invocation.
package blackboard

import (
	"fmt"
	"sync"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	"energyagent/domain/stage"
	"energyagent/internal/runctx"
	"energyagent/ports"
)

// State is the blackboard of one run. Envelopes only grow, at most one per
// stage, and never ahead of the fixed stage order.
type State struct {
	mu sync.RWMutex

	Request  run.Request
	Manifest *run.Manifest
	Tools    ports.ToolInvoker
	Run      *runctx.Context

	envelopes map[envelope.Stage]*envelope.ResultEnvelope
	review    []envelope.HumanReviewItem
	logs      []stage.LogEntry
}

// New creates an empty blackboard for req.
func New(req run.Request, tools ports.ToolInvoker, rc *runctx.Context, manifest *run.Manifest) *State {
	return &State{
		Request:   req,
		Manifest:  manifest,
		Tools:     tools,
		Run:       rc,
		envelopes: make(map[envelope.Stage]*envelope.ResultEnvelope),
		review:    []envelope.HumanReviewItem{},
		logs:      []stage.LogEntry{},
	}
}

// Selection returns the park selection.
func (s *State) Selection() run.Selection { return s.Request.Selection }

// Scenario returns the scenario parameters.
func (s *State) Scenario() run.Scenario { return s.Request.Scenario }

// Inputs returns the supplied input files.
func (s *State) Inputs() run.Inputs { return s.Request.Inputs }

// OutputDir is where the run writes its artifacts.
func (s *State) OutputDir() string {
	if s.Run != nil {
		return s.Run.OutputDir
	}
	return s.Request.OutputDir
}

// PutEnvelope stores env under its stage. Every predecessor of that stage
// must already have an envelope. Re-running a stage replaces its envelope.
func (s *State) PutEnvelope(env *envelope.ResultEnvelope) error {
	if env == nil {
		return core.NewValidationError("envelope", "cannot be nil")
	}
	if !env.Stage.Valid() {
		return core.NewValidationError("envelope.stage", fmt.Sprintf("unknown stage %q", env.Stage))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prev := range env.Stage.Predecessors() {
		if _, ok := s.envelopes[prev]; !ok {
			return fmt.Errorf("%w: %s requires %s", core.ErrStageOrder, env.Stage, prev)
		}
	}
	s.envelopes[env.Stage] = env
	return nil
}

// Envelope returns the envelope of st, if produced.
func (s *State) Envelope(st envelope.Stage) (*envelope.ResultEnvelope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[st]
	return env, ok
}

// Envelopes returns a copy of the stage to envelope map.
func (s *State) Envelopes() map[envelope.Stage]*envelope.ResultEnvelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[envelope.Stage]*envelope.ResultEnvelope, len(s.envelopes))
	for k, v := range s.envelopes {
		out[k] = v
	}
	return out
}

// AppendReview adds review items. Items are never deduplicated.
func (s *State) AppendReview(items ...envelope.HumanReviewItem) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	s.review = append(s.review, items...)
	s.mu.Unlock()
}

// ReviewQueue returns a read-only copy of the review queue.
func (s *State) ReviewQueue() []envelope.HumanReviewItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]envelope.HumanReviewItem, len(s.review))
	copy(out, s.review)
	return out
}

// AppendLog records a stage status transition.
func (s *State) AppendLog(entry stage.LogEntry) {
	s.mu.Lock()
	s.logs = append(s.logs, entry)
	s.mu.Unlock()
}

// Logs returns a copy of the stage log.
func (s *State) Logs() []stage.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stage.LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// ToolHistory returns the call history of the run's registry.
func (s *State) ToolHistory() []ports.ToolCallRecord {
	if s.Tools == nil {
		return []ports.ToolCallRecord{}
	}
	return s.Tools.History()
}

// Snapshot is a serializable view of the blackboard.
type Snapshot struct {
	Request     run.Request                                 `json:"request"`
	Manifest    *run.Manifest                               `json:"manifest,omitempty"`
	Envelopes   map[envelope.Stage]*envelope.ResultEnvelope `json:"envelopes"`
	ReviewItems []envelope.HumanReviewItem                  `json:"review_items"`
	Logs        []stage.LogEntry                            `json:"logs"`
	ToolCalls   []ports.ToolCallRecord                      `json:"tool_calls"`
}

// Snapshot projects the state for dumping or persistence.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Request:     s.Request,
		Manifest:    s.Manifest,
		Envelopes:   s.Envelopes(),
		ReviewItems: s.ReviewQueue(),
		Logs:        s.Logs(),
		ToolCalls:   s.ToolHistory(),
	}
}
