package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	"energyagent/domain/stage"
	"energyagent/internal/blackboard"
	apperrors "energyagent/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func okStage(name envelope.Stage, review int, seen *[]envelope.Stage) Stage {
	return StageFunc{StageName: name, Fn: func(ctx context.Context, s *blackboard.State) (Result, error) {
		for _, prev := range name.Predecessors() {
			if _, ok := s.Envelope(prev); !ok {
				return Result{}, errors.New("missing predecessor " + string(prev))
			}
		}
		if _, ok := s.Envelope(name); ok {
			return Result{}, errors.New("saw own envelope before running")
		}
		if seen != nil {
			*seen = append(*seen, name)
		}
		env := envelope.New(name, "s", "r")
		env.Confidence = 0.7
		items := make([]envelope.HumanReviewItem, 0, review)
		for i := 0; i < review; i++ {
			items = append(items, envelope.NewReviewItem(name, "check", "fix", envelope.SeverityMedium, "scenario"))
		}
		return Result{Envelope: env, ReviewItems: items}, nil
	}}
}

func newBoard() *blackboard.State {
	return blackboard.New(run.Request{Scenario: run.Scenario{ScenarioID: "s"}}, nil, nil, nil)
}

func TestRunAllStagesInOrder(t *testing.T) {
	var seen []envelope.Stage
	o, err := New(okStage(envelope.StageIntake, 1, &seen), okStage(envelope.StageInsight, 0, &seen), okStage(envelope.StageReport, 2, &seen))
	require.NoError(t, err)

	var mu sync.Mutex
	var events []run.EventType
	o.Observe(func(ev run.Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	state := newBoard()
	out := o.Run(context.Background(), state)
	require.True(t, out.Success(), "unexpected error: %v", out.Err)
	assert.Equal(t, envelope.Order, seen)
	assert.Equal(t, envelope.Order, out.Completed)
	assert.Len(t, state.Envelopes(), 3)
	assert.Len(t, state.ReviewQueue(), 3)
	assert.Equal(t, 3, out.Summary.Successful)
	assert.Equal(t, 3, out.Summary.ReviewItems)

	logs := state.Logs()
	require.Len(t, logs, 6)
	assert.Equal(t, stage.StatusRunning, logs[0].Status)
	assert.Equal(t, stage.StatusSuccess, logs[1].Status)

	assert.Equal(t, []run.EventType{
		run.EventStageStarted, run.EventStageCompleted,
		run.EventStageStarted, run.EventStageCompleted,
		run.EventStageStarted, run.EventStageCompleted,
	}, events)
}

func TestRunFailFastKeepsCompletedEnvelopes(t *testing.T) {
	reportRan := false
	failing := StageFunc{StageName: envelope.StageInsight, Fn: func(ctx context.Context, s *blackboard.State) (Result, error) {
		return Result{}, errors.New("baseline exploded")
	}}
	report := StageFunc{StageName: envelope.StageReport, Fn: func(ctx context.Context, s *blackboard.State) (Result, error) {
		reportRan = true
		return Result{}, nil
	}}

	o, err := New(okStage(envelope.StageIntake, 0, nil), failing, report)
	require.NoError(t, err)

	var failedEvents int
	o.Observe(func(ev run.Event) {
		if ev.Type == run.EventStageFailed {
			failedEvents++
			assert.Equal(t, envelope.StageInsight, ev.Stage)
		}
	})

	state := newBoard()
	out := o.Run(context.Background(), state)

	assert.False(t, out.Success())
	assert.Equal(t, envelope.StageInsight, out.FailedStage)
	assert.Equal(t, apperrors.CodeStageFailed, apperrors.GetCode(out.Err))
	assert.Contains(t, out.Err.Error(), "baseline exploded")
	assert.False(t, reportRan, "stages after a failure must not run")
	assert.Equal(t, 1, failedEvents)

	_, ok := state.Envelope(envelope.StageIntake)
	assert.True(t, ok, "completed envelope must survive the failure")
	_, ok = state.Envelope(envelope.StageInsight)
	assert.False(t, ok)

	logs := state.Logs()
	assert.Equal(t, stage.StatusFailed, logs[len(logs)-1].Status)
	assert.Equal(t, "baseline exploded", logs[len(logs)-1].Error)
}

func TestRunRecoversStagePanic(t *testing.T) {
	panicking := StageFunc{StageName: envelope.StageIntake, Fn: func(ctx context.Context, s *blackboard.State) (Result, error) {
		panic("nil map write")
	}}
	o, err := New(panicking)
	require.NoError(t, err)

	var out Outcome
	assert.NotPanics(t, func() { out = o.Run(context.Background(), newBoard()) })
	assert.Equal(t, envelope.StageIntake, out.FailedStage)
	assert.True(t, errors.Is(out.Err, core.ErrStagePanic))
}

func TestRunRejectsBadEnvelopes(t *testing.T) {
	tests := map[string]Result{
		"nil envelope": {},
		"wrong stage":  {Envelope: envelope.New(envelope.StageReport, "s", "r")},
		"bad confidence": {Envelope: func() *envelope.ResultEnvelope {
			env := envelope.New(envelope.StageIntake, "s", "r")
			env.Confidence = 2
			return env
		}()},
	}
	for name, result := range tests {
		t.Run(name, func(t *testing.T) {
			result := result
			o, err := New(StageFunc{StageName: envelope.StageIntake, Fn: func(ctx context.Context, s *blackboard.State) (Result, error) {
				return result, nil
			}})
			require.NoError(t, err)
			state := newBoard()
			out := o.Run(context.Background(), state)
			assert.Equal(t, envelope.StageIntake, out.FailedStage)
			assert.Empty(t, state.Envelopes())
		})
	}
}

func TestRunCancelledBeforeStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, err := New(okStage(envelope.StageIntake, 0, nil))
	require.NoError(t, err)
	out := o.Run(ctx, newBoard())
	assert.Equal(t, envelope.StageIntake, out.FailedStage)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestNewRejectsOutOfOrderStages(t *testing.T) {
	_, err := New(okStage(envelope.StageInsight, 0, nil), okStage(envelope.StageIntake, 0, nil))
	assert.ErrorIs(t, err, core.ErrStageOrder)

	_, err = New()
	assert.True(t, core.IsValidationError(err))

	o, err := New(okStage(envelope.StageIntake, 0, nil), okStage(envelope.StageInsight, 0, nil), okStage(envelope.StageReport, 0, nil))
	require.NoError(t, err)
	assert.Equal(t, stage.DefaultStagePlan().Names(), o.Plan().Names())
}
