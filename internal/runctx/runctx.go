// Package runctx builds the per-run context handed to every stage: the run
// logger, the narrative transcript, the plan tracker and the output dir.
package runctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"energyagent/domain/core"
	"energyagent/domain/run"
	"energyagent/internal"
	"energyagent/internal/plan"
)

// ErrOutputDirBusy is returned by New when another live run in this process
// owns the output directory, and with it the plan file.
var ErrOutputDirBusy = errors.New("output directory in use by another run")

var claims = struct {
	mu   sync.Mutex
	dirs map[string]core.RunID
}{dirs: make(map[string]core.RunID)}

func claim(dir string, id core.RunID) (string, error) {
	key, err := filepath.Abs(dir)
	if err != nil {
		key = filepath.Clean(dir)
	}
	claims.mu.Lock()
	defer claims.mu.Unlock()
	if owner, ok := claims.dirs[key]; ok {
		return "", fmt.Errorf("%w: %s held by run %s", ErrOutputDirBusy, dir, owner)
	}
	claims.dirs[key] = id
	return key, nil
}

func release(key string) {
	claims.mu.Lock()
	delete(claims.dirs, key)
	claims.mu.Unlock()
}

// Options locate the files of a run.
type Options struct {
	RunID         core.RunID
	ScenarioID    string
	OutputRoot    string
	OutputDir     string // overrides OutputRoot/<scenario>
	RunningLogDir string
	LLMLogDir     string
	LogLevel      internal.LogLevel
	Tasks         []plan.TaskSpec
}

// Context is everything a stage may touch besides the blackboard.
type Context struct {
	RunID      core.RunID
	ScenarioID string
	OutputDir  string
	StartedAt  time.Time
	Logger     *internal.Logger
	Plan       *plan.Tracker
	Transcript *Transcript
	LogPath    string

	rootLogger *internal.Logger
	claimKey   string
}

// New creates the output directory, log files and plan tracker of a run.
// The output directory stays claimed until Close, so a second live run
// for the same directory fails with ErrOutputDirBusy. Runs that follow one
// another resume the same plan.
func New(opts Options) (*Context, error) {
	scenario := run.SanitizeID(opts.ScenarioID)
	started := time.Now()
	if opts.RunID == "" {
		opts.RunID = core.NewRunID()
	}
	if opts.Tasks == nil {
		opts.Tasks = plan.DefaultTasks()
	}

	outDir := opts.OutputDir
	if outDir == "" {
		root := opts.OutputRoot
		if root == "" {
			root = "outputs"
		}
		outDir = filepath.Join(root, scenario)
	}
	claimKey, err := claim(outDir, opts.RunID)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			release(claimKey)
		}
	}()
	if err := os.MkdirAll(filepath.Join(outDir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	stem := fmt.Sprintf("%s_%s", core.RunStamp(started), scenario)
	logPath := filepath.Join(dirOr(opts.RunningLogDir, "logs_running"), stem+".log")
	rootLogger, err := internal.NewFileLogger(opts.LogLevel, logPath)
	if err != nil {
		return nil, err
	}
	logger := rootLogger.With("run_id", opts.RunID.String(), "scenario", scenario)

	transcript, err := OpenTranscript(filepath.Join(dirOr(opts.LLMLogDir, "logs_llm_direct"), stem+".jsonl"))
	if err != nil {
		rootLogger.Close()
		return nil, err
	}

	tracker, err := plan.Open(filepath.Join(outDir, plan.FileName), scenario, opts.Tasks)
	if err != nil {
		rootLogger.Close()
		transcript.Close()
		return nil, fmt.Errorf("open plan: %w", err)
	}

	logger.Info("run context ready: output=%s log=%s", outDir, logPath)
	ok = true
	return &Context{
		RunID:      opts.RunID,
		ScenarioID: scenario,
		OutputDir:  outDir,
		StartedAt:  started,
		Logger:     logger,
		Plan:       tracker,
		Transcript: transcript,
		LogPath:    logPath,
		rootLogger: rootLogger,
		claimKey:   claimKey,
	}, nil
}

// ArtifactPath returns a path under the run's artifacts directory.
func (c *Context) ArtifactPath(name string) string {
	return filepath.Join(c.OutputDir, "artifacts", name)
}

// Close flushes and releases the run's files.
func (c *Context) Close() error {
	var firstErr error
	if c.Transcript != nil {
		firstErr = c.Transcript.Close()
	}
	if c.rootLogger != nil {
		if err := c.rootLogger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.claimKey != "" {
		release(c.claimKey)
		c.claimKey = ""
	}
	return firstErr
}

func dirOr(dir, fallback string) string {
	if dir == "" {
		return fallback
	}
	return dir
}

// Transcript is an append-only JSON-lines sink for narrative calls.
type Transcript struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// OpenTranscript opens (or creates) a JSONL file for appending.
func OpenTranscript(path string) (*Transcript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &Transcript{w: f}, nil
}

// Write appends raw bytes; it lets a Transcript serve as an io.Writer.
func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return 0, os.ErrClosed
	}
	return t.w.Write(p)
}

// Record appends v as one JSON line.
func (t *Transcript) Record(v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = t.Write(append(line, '\n'))
	return err
}

// Close releases the file.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	err := t.w.Close()
	t.w = nil
	return err
}
