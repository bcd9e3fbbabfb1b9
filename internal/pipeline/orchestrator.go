package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	"energyagent/domain/stage"
	"energyagent/internal"
	"energyagent/internal/blackboard"
	apperrors "energyagent/internal/errors"
)

// Observer receives stage lifecycle events.
type Observer func(run.Event)

// Outcome reports how far a run got.
type Outcome struct {
	Completed   []envelope.Stage      `json:"completed"`
	FailedStage envelope.Stage        `json:"failed_stage,omitempty"`
	Err         error                 `json:"-"`
	Summary     stage.PipelineSummary `json:"summary"`
}

// Success reports whether every stage completed.
func (o Outcome) Success() bool { return o.Err == nil }

// Orchestrator executes stages strictly in order, failing fast.
type Orchestrator struct {
	stages    []Stage
	plan      *stage.StagePlan
	observers []Observer
}

// New builds an orchestrator. The stages must follow the fixed stage order
// without gaps or repeats.
func New(stages ...Stage) (*Orchestrator, error) {
	specs := make([]stage.StageSpec, 0, len(stages))
	for _, s := range stages {
		specs = append(specs, stage.StageSpec{Name: s.Name()})
	}
	plan := stage.NewStagePlan(specs)
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{stages: stages, plan: plan}, nil
}

// Plan returns the validated stage plan.
func (o *Orchestrator) Plan() *stage.StagePlan { return o.plan }

// Observe registers an event observer.
func (o *Orchestrator) Observe(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Run executes every stage against state. A stage error or panic stops the
// run; envelopes of completed stages stay on the blackboard.
func (o *Orchestrator) Run(ctx context.Context, state *blackboard.State) Outcome {
	logger := internal.NopLogger()
	runID := core.RunID("")
	if state.Run != nil {
		logger = state.Run.Logger
		runID = state.Run.RunID
	}

	outcome := Outcome{Completed: []envelope.Stage{}}
	for _, st := range o.stages {
		name := st.Name()
		if err := ctx.Err(); err != nil {
			o.fail(state, &outcome, runID, name, 0, err, logger)
			return outcome
		}

		state.AppendLog(stage.LogEntry{Stage: name, Status: stage.StatusRunning, At: core.Now()})
		o.emit(run.Event{Type: run.EventStageStarted, RunID: runID, Stage: name, At: core.Now()})
		logger.Info("stage %s started", name)

		start := time.Now()
		result, err := safeRun(ctx, st, state)
		if err == nil {
			err = checkResult(name, result)
		}
		if err == nil {
			err = state.PutEnvelope(result.Envelope)
		}
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			o.fail(state, &outcome, runID, name, elapsed, err, logger)
			return outcome
		}

		state.AppendReview(result.ReviewItems...)
		entry := stage.LogEntry{Stage: name, Status: stage.StatusSuccess, At: core.Now(), DurationMs: elapsed}
		state.AppendLog(entry)
		outcome.Summary.Add(entry, len(result.ReviewItems))
		outcome.Completed = append(outcome.Completed, name)

		logger.Info("stage %s completed in %dms: confidence=%.2f gaps=%d review_items=%d",
			name, elapsed, result.Envelope.Confidence, len(result.Envelope.DataGaps), len(result.ReviewItems))
		o.emit(run.Event{
			Type:  run.EventStageCompleted,
			RunID: runID,
			Stage: name,
			At:    core.Now(),
			Data: map[string]interface{}{
				"result_id":    result.Envelope.ResultID,
				"confidence":   result.Envelope.Confidence,
				"data_gaps":    len(result.Envelope.DataGaps),
				"review_items": len(result.ReviewItems),
				"duration_ms":  elapsed,
			},
		})
	}
	return outcome
}

func (o *Orchestrator) fail(state *blackboard.State, outcome *Outcome, runID core.RunID, name envelope.Stage, elapsed int64, err error, logger *internal.Logger) {
	entry := stage.LogEntry{Stage: name, Status: stage.StatusFailed, At: core.Now(), DurationMs: elapsed, Error: err.Error()}
	state.AppendLog(entry)
	outcome.Summary.Add(entry, 0)
	outcome.FailedStage = name
	outcome.Err = apperrors.StageFailed(string(name), err)

	logger.Error("stage %s failed: %v", name, err)
	o.emit(run.Event{Type: run.EventStageFailed, RunID: runID, Stage: name, Message: err.Error(), At: core.Now()})
}

func (o *Orchestrator) emit(ev run.Event) {
	for _, obs := range o.observers {
		obs(ev)
	}
}

// safeRun converts a stage panic into an error.
func safeRun(ctx context.Context, st Stage, state *blackboard.State) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", core.ErrStagePanic, r, debug.Stack())
		}
	}()
	return st.Run(ctx, state)
}

func checkResult(name envelope.Stage, result Result) error {
	env := result.Envelope
	if env == nil {
		return errors.New("stage returned no envelope")
	}
	if env.Stage != name {
		return fmt.Errorf("%w: stage %s returned envelope for %s", core.ErrStageOrder, name, env.Stage)
	}
	return env.Validate()
}
