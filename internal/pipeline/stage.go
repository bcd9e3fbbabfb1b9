// Package pipeline runs the fixed stage sequence over a blackboard.
package pipeline

import (
	"context"

	"energyagent/domain/envelope"
	"energyagent/internal/blackboard"
)

// Result is what a stage hands back: its one envelope plus review items.
type Result struct {
	Envelope    *envelope.ResultEnvelope
	ReviewItems []envelope.HumanReviewItem
}

// Stage is one step of the pipeline. Run reads the blackboard as left by the
// previous stage and must not write envelopes itself. A returned error aborts
// the rest of the run.
type Stage interface {
	Name() envelope.Stage
	Run(ctx context.Context, state *blackboard.State) (Result, error)
}

// StageFunc adapts a function into a Stage.
type StageFunc struct {
	StageName envelope.Stage
	Fn        func(ctx context.Context, state *blackboard.State) (Result, error)
}

func (f StageFunc) Name() envelope.Stage { return f.StageName }

func (f StageFunc) Run(ctx context.Context, state *blackboard.State) (Result, error) {
	return f.Fn(ctx, state)
}
