// Package api exposes runs over HTTP: start a run, list and inspect runs,
// read the review queue and stream run events.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"energyagent/app"
	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/run"
	"energyagent/internal"
	apperrors "energyagent/internal/errors"
	"energyagent/internal/pipeline"
	"energyagent/ports"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Runner executes one run to completion.
type Runner interface {
	Execute(ctx context.Context, req run.Request, opts app.RunOptions) (*app.RunResult, error)
}

// Server is the run tracking HTTP API.
type Server struct {
	runner   Runner
	repo     ports.RunRepository
	tracker  *Tracker
	hub      *SSEHub
	sem      *semaphore.Weighted
	logger   *internal.Logger
	validate *validator.Validate
	router   *gin.Engine

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithRunRepository serves finished runs from repo when they are not
// tracked in memory.
func WithRunRepository(repo ports.RunRepository) Option {
	return func(s *Server) { s.repo = repo }
}

// WithMaxConcurrentRuns bounds how many runs execute at once.
func WithMaxConcurrentRuns(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *internal.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds the router.
func NewServer(runner Runner, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runner:   runner,
		tracker:  NewTracker(),
		sem:      semaphore.NewWeighted(4),
		logger:   internal.NopLogger(),
		validate: validator.New(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewSSEHub(s.logger)

	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	runs := s.router.Group("/runs")
	runs.POST("", s.handleCreateRun)
	runs.GET("", s.handleListRuns)
	runs.GET("/:id", s.handleGetRun)
	runs.GET("/:id/review-items", s.handleReviewItems)
	runs.GET("/:id/events", s.handleEvents)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Tracker exposes the in-memory run state.
func (s *Server) Tracker() *Tracker { return s.tracker }

// Wait blocks until every started run has finished.
func (s *Server) Wait() { s.wg.Wait() }

// Shutdown waits for running pipelines until ctx expires, then cancels them.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req run.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.InvalidInput("invalid run request: "+err.Error()))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(c, apperrors.ValidationError(err.Error()))
		return
	}
	if !s.sem.TryAcquire(1) {
		s.respondError(c, apperrors.Busy("too many runs in progress"))
		return
	}

	runID := core.NewRunID()
	r, err := s.tracker.Create(runID, req.Scenario.ScenarioID)
	if err != nil {
		s.sem.Release(1)
		s.respondError(c, err)
		return
	}
	observer := eventRecorder(s.tracker, s.hub)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		s.execute(runID, req, observer)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     runID,
		"status":     r.Status,
		"events_url": "/runs/" + runID.String() + "/events",
	})
}

func (s *Server) execute(runID core.RunID, req run.Request, observer pipeline.Observer) {
	res, err := s.runner.Execute(s.baseCtx, req, app.RunOptions{RunID: runID, Observers: []pipeline.Observer{observer}})
	var record *ports.RunRecord
	if res != nil {
		record = res.Record
	}
	if record == nil && err == nil {
		err = apperrors.InternalError("runner returned no run record")
	}
	final := s.tracker.Finish(runID, record, err)
	if record == nil {
		// The runner failed before emitting a terminal event.
		observer(run.Event{Type: run.EventRunFailed, RunID: runID, Message: final.Error, At: core.Now()})
	}
	if err != nil {
		s.logger.Warn("run %s finished with error: %v", runID, err)
	}
}

func (s *Server) handleListRuns(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	runs := s.tracker.List(filters)
	if s.repo != nil {
		stored, err := s.repo.ListRuns(c.Request.Context(), ports.RunFilters{
			Status:     filters.Status,
			ScenarioID: filters.ScenarioID,
			Limit:      filters.Offset + filters.Limit,
		})
		if err != nil {
			s.respondError(c, apperrors.Wrap(err, "failed to list stored runs"))
			return
		}
		runs = mergeRuns(runs, stored)
	}

	total := len(runs)
	start := min(filters.Offset, total)
	end := min(start+filters.Limit, total)
	c.JSON(http.StatusOK, gin.H{"runs": runs[start:end], "count": end - start, "offset": filters.Offset})
}

func (s *Server) handleGetRun(c *gin.Context) {
	record, err := s.lookup(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleReviewItems(c *gin.Context) {
	record, err := s.lookup(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	items := record.ReviewItems
	if items == nil {
		items = []envelope.HumanReviewItem{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": record.Run.ID, "status": record.Run.Status, "review_items": items})
}

func (s *Server) handleEvents(c *gin.Context) {
	runID := core.RunID(c.Param("id"))
	live, unsubscribe := s.hub.Subscribe(runID)
	defer unsubscribe()

	history, ok := s.tracker.Events(runID)
	if !ok {
		s.respondError(c, apperrors.NotFound("run "+runID.String()))
		return
	}
	s.hub.Stream(c, history, live)
}

// lookup resolves a run from memory, then from the repository. A run that
// is still executing has no envelopes yet.
func (s *Server) lookup(c *gin.Context) (*ports.RunRecord, error) {
	runID := core.RunID(c.Param("id"))
	if r, record, ok := s.tracker.Get(runID); ok {
		if record != nil {
			return record, nil
		}
		return &ports.RunRecord{Run: r, Envelopes: map[envelope.Stage]*envelope.ResultEnvelope{}}, nil
	}
	if s.repo != nil {
		record, err := s.repo.GetRun(c.Request.Context(), runID)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, apperrors.Wrap(err, "failed to load run")
		}
	}
	return nil, apperrors.NotFound("run " + runID.String())
}

func (s *Server) respondError(c *gin.Context, err error) {
	if !apperrors.IsAppError(err) {
		err = apperrors.WithCode(apperrors.CodeInternalError, err)
	}
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperrors.GetCode(err)})
}

func parseFilters(c *gin.Context) (ports.RunFilters, error) {
	filters := ports.RunFilters{ScenarioID: c.Query("scenario_id"), Limit: defaultListLimit}
	if v := c.Query("status"); v != "" {
		st := run.Status(v)
		switch st {
		case run.StatusPending, run.StatusRunning, run.StatusCompleted, run.StatusFailed:
			filters.Status = &st
		default:
			return filters, apperrors.InvalidInput("unknown status " + v)
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filters, apperrors.InvalidInput("limit must be a positive integer")
		}
		filters.Limit = min(n, maxListLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filters, apperrors.InvalidInput("offset must be a non-negative integer")
		}
		filters.Offset = n
	}
	return filters, nil
}

// mergeRuns prefers the in-memory copy of a run over the stored one.
func mergeRuns(tracked, stored []run.Run) []run.Run {
	seen := make(map[core.RunID]bool, len(tracked))
	out := make([]run.Run, 0, len(tracked)+len(stored))
	for _, r := range tracked {
		seen[r.ID] = true
		out = append(out, r)
	}
	for _, r := range stored {
		if !seen[r.ID] {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out
}
