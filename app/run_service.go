package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"energyagent/adapters/excel"
	"energyagent/adapters/llm"
	"energyagent/adapters/render"
	"energyagent/domain/core"
	"energyagent/domain/policy"
	"energyagent/domain/run"
	"energyagent/internal"
	"energyagent/internal/blackboard"
	"energyagent/internal/config"
	apperrors "energyagent/internal/errors"
	"energyagent/internal/pipeline"
	"energyagent/internal/runctx"
	"energyagent/internal/stages"
	"energyagent/internal/tools"
	"energyagent/ports"
)

// UnknownCorpusVersion is recorded in the manifest when no corpus could be read.
const UnknownCorpusVersion = "unknown"

// RunService executes the analysis pipeline for one request at a time and
// records the outcome.
type RunService struct {
	cfg      *config.Config
	corpus   ports.CorpusLoader
	client   ports.LLMClient
	repo     ports.RunRepository
	logger   *internal.Logger
	validate *validator.Validate
}

// RunServiceOption customizes a RunService.
type RunServiceOption func(*RunService)

// WithRepository persists every finished run.
func WithRepository(repo ports.RunRepository) RunServiceOption {
	return func(s *RunService) { s.repo = repo }
}

// WithLLMClient overrides the client built from the LLM config.
func WithLLMClient(client ports.LLMClient) RunServiceOption {
	return func(s *RunService) { s.client = client }
}

// WithLogger sets the service logger. Runs still get their own file logger.
func WithLogger(logger *internal.Logger) RunServiceOption {
	return func(s *RunService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRunService creates a run service. Without an API key narratives fall
// back to their deterministic text.
func NewRunService(cfg *config.Config, corpus ports.CorpusLoader, opts ...RunServiceOption) *RunService {
	s := &RunService{
		cfg:      cfg,
		corpus:   corpus,
		logger:   internal.NopLogger(),
		validate: validator.New(),
	}
	if client, err := llm.NewClient(cfg.LLM); err == nil {
		s.client = client
	} else if !errors.Is(err, llm.ErrMissingAPIKey) {
		s.logger.Warn("LLM client unavailable: %v", err)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOptions tune a single execution.
type RunOptions struct {
	RunID     core.RunID
	Observers []pipeline.Observer
}

// RunResult is the full outcome of an execution.
type RunResult struct {
	Run     run.Run
	Outcome pipeline.Outcome
	State   *blackboard.State
	Record  *ports.RunRecord
}

// Execute validates req, runs intake, insight and report, and saves the
// record. A failed stage is reported through Run.Status and the returned
// error; the result is still populated with the envelopes that completed.
func (s *RunService) Execute(ctx context.Context, req run.Request, opts RunOptions) (*RunResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.WithCode(apperrors.CodeValidationError, err)
	}
	runID := opts.RunID
	if runID == "" {
		runID = core.NewRunID()
	}

	rc, err := runctx.New(runctx.Options{
		RunID:         runID,
		ScenarioID:    req.Scenario.ScenarioID,
		OutputRoot:    s.cfg.Pipeline.OutputRoot,
		OutputDir:     req.OutputDir,
		RunningLogDir: s.cfg.Pipeline.RunningLogDir,
		LLMLogDir:     s.cfg.Pipeline.LLMLogDir,
		LogLevel:      internal.ParseLogLevel(s.cfg.Pipeline.LogLevel),
	})
	if errors.Is(err, runctx.ErrOutputDirBusy) {
		return nil, apperrors.WithCode(apperrors.CodeConflict, err)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to prepare run context")
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			s.logger.Warn("run %s: closing run files: %v", runID, cerr)
		}
	}()

	corpusPath := req.Scenario.PolicyCorpusPath
	if corpusPath == "" {
		corpusPath = s.cfg.Pipeline.PolicyCorpusPath
	}
	loader := newOnceLoader(s.corpus)
	corpusVersion := UnknownCorpusVersion
	if corpusPath != "" && s.corpus != nil {
		if c, lerr := loader.Load(ctx, corpusPath); lerr == nil && c.Version != "" {
			corpusVersion = c.Version
		}
	}

	generator := llm.NewGenerator(s.client, s.cfg.LLM.Model, s.cfg.LLM.Timeout, rc.Transcript, rc.Logger)
	orch, err := pipeline.New(stages.Default(stages.Deps{
		Confidence:     s.cfg.Confidence,
		Narrative:      generator,
		Corpus:         loader,
		Matcher:        policy.NewMatcher(s.cfg.Scoring),
		CorpusPath:     s.cfg.Pipeline.PolicyCorpusPath,
		MinReportChars: s.cfg.Pipeline.MinReportChars,
		MaxMeasures:    s.cfg.Pipeline.MaxMeasures,
	})...)
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid stage plan")
	}
	for _, obs := range opts.Observers {
		orch.Observe(obs)
	}

	manifest := run.NewManifest(runID, req, corpusVersion, s.cfg.Scoring.Hash(), orch.Plan(), s.cfg.Pipeline.CodeVersion)
	state := blackboard.New(req, s.newRegistry(rc.Logger), rc, manifest)

	r := run.Run{
		ID:         runID,
		ScenarioID: req.Scenario.ScenarioID,
		Status:     run.StatusPending,
		OutputDir:  rc.OutputDir,
		CreatedAt:  core.Now(),
		UpdatedAt:  core.Now(),
		Manifest:   manifest,
	}
	_ = r.Transition(run.StatusRunning)
	emit(opts.Observers, run.Event{Type: run.EventRunStarted, RunID: runID, At: core.Now(),
		Data: map[string]interface{}{"scenario_id": r.ScenarioID, "output_dir": r.OutputDir}})
	rc.Logger.Info("run started: corpus=%s stages=%v", corpusVersion, orch.Plan().Names())

	outcome := orch.Run(ctx, state)

	if outcome.Err != nil {
		_ = r.Transition(run.StatusFailed)
		r.FailedStage = outcome.FailedStage
		r.Error = outcome.Err.Error()
		emit(opts.Observers, run.Event{Type: run.EventRunFailed, RunID: runID, Stage: outcome.FailedStage, Message: r.Error, At: core.Now()})
		rc.Logger.Error("run failed at %s: %v", outcome.FailedStage, outcome.Err)
	} else {
		_ = r.Transition(run.StatusCompleted)
		emit(opts.Observers, run.Event{Type: run.EventRunCompleted, RunID: runID, At: core.Now(),
			Data: map[string]interface{}{"review_items": outcome.Summary.ReviewItems, "output_dir": r.OutputDir}})
		rc.Logger.Info("run completed: %d stages, %d review items", len(outcome.Completed), outcome.Summary.ReviewItems)
	}

	snap := state.Snapshot()
	record := &ports.RunRecord{
		Run:         r,
		Envelopes:   snap.Envelopes,
		ReviewItems: snap.ReviewItems,
		ToolCalls:   snap.ToolCalls,
	}
	result := &RunResult{Run: r, Outcome: outcome, State: state, Record: record}

	if s.repo != nil {
		// A cancelled request still gets its record written.
		if serr := s.repo.SaveRun(context.WithoutCancel(ctx), record); serr != nil {
			rc.Logger.Error("failed to save run: %v", serr)
			return result, apperrors.Wrapf(serr, "failed to save run %s", runID)
		}
	}
	return result, outcome.Err
}

// Match scores a corpus against an ad-hoc query and aggregates incentives
// for the given measures.
func (s *RunService) Match(ctx context.Context, corpusPath string, q policy.Query, measures []policy.MeasureCost) (*MatchResult, error) {
	if s.corpus == nil {
		return nil, apperrors.ConfigInvalid("no corpus loader configured")
	}
	if corpusPath == "" {
		corpusPath = s.cfg.Pipeline.PolicyCorpusPath
	}
	c, err := s.corpus.Load(ctx, corpusPath)
	if err != nil {
		return nil, err
	}
	matches := policy.NewMatcher(s.cfg.Scoring).Match(c.Clauses, q)
	incentives := policy.AggregateIncentives(measures, matches)
	return &MatchResult{
		CorpusVersion: c.Version,
		Matches:       matches,
		Incentives:    incentives,
		TotalSubsidy:  policy.TotalSubsidy(incentives),
	}, nil
}

// MatchResult is the answer to an ad-hoc match.
type MatchResult struct {
	CorpusVersion string                    `json:"corpus_version"`
	Matches       []policy.Match            `json:"matches"`
	Incentives    []policy.MeasureIncentive `json:"incentives"`
	TotalSubsidy  float64                   `json:"total_subsidy_million_cny"`
}

// newRegistry builds the tool registry of one run. Registries are never
// shared so call histories stay per run.
func (s *RunService) newRegistry(logger *internal.Logger) *tools.Registry {
	return tools.NewRegistry(
		tools.WithDefaultTimeout(s.cfg.Tools.DefaultTimeout),
		tools.WithLogger(logger),
	).MustRegister(
		excel.NewProfileTool(excel.NewDataReader(logger), s.cfg.Tools.HeavyTimeout),
		render.NewTool(render.NewHTMLRenderer(), s.cfg.Tools.DefaultTimeout),
	)
}

func emit(observers []pipeline.Observer, ev run.Event) {
	for _, obs := range observers {
		obs(ev)
	}
}

// onceLoader reads each corpus path at most once per run, so the manifest
// and the insight stage see the same version.
type onceLoader struct {
	next ports.CorpusLoader

	mu    sync.Mutex
	cache map[string]loadResult
}

type loadResult struct {
	corpus *policy.Corpus
	err    error
}

func newOnceLoader(next ports.CorpusLoader) *onceLoader {
	return &onceLoader{next: next, cache: make(map[string]loadResult)}
}

func (l *onceLoader) Load(ctx context.Context, path string) (*policy.Corpus, error) {
	if l.next == nil {
		return nil, fmt.Errorf("%w: no loader configured", core.ErrCorpusNotFound)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res, ok := l.cache[path]; ok {
		return res.corpus, res.err
	}
	c, err := l.next.Load(ctx, path)
	l.cache[path] = loadResult{corpus: c, err: err}
	return c, err
}
