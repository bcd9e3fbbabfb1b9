// Package stages implements the analysis stages of a run: intake, insight
// and report. Each reads the blackboard, calls tools through the run's
// registry and returns exactly one envelope.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/policy"
	"energyagent/internal"
	"energyagent/internal/blackboard"
	"energyagent/internal/pipeline"
	"energyagent/internal/plan"
	"energyagent/ports"
)

// Deps are the collaborators shared by the stages.
type Deps struct {
	Confidence     envelope.ConfidenceModel
	Narrative      ports.NarrativeGenerator
	Corpus         ports.CorpusLoader
	Matcher        *policy.Matcher
	CorpusPath     string
	MinReportChars int
	MaxMeasures    int
}

// Default returns intake, insight and report wired with deps.
func Default(deps Deps) []pipeline.Stage {
	return []pipeline.Stage{NewIntake(deps), NewInsight(deps), NewReport(deps)}
}

// session is the per-execution scratchpad of a stage: the envelope under
// construction and the tool calls made for it.
type session struct {
	state   *blackboard.State
	env     *envelope.ResultEnvelope
	log     *internal.Logger
	tracker *plan.Tracker
	model   string
	calls   []core.ToolCallID
}

func newSession(state *blackboard.State, stage envelope.Stage, narrative ports.NarrativeGenerator) *session {
	s := &session{
		state: state,
		env:   envelope.New(stage, state.Scenario().ScenarioID, state.Request.RegionID()),
		log:   internal.NopLogger(),
		calls: []core.ToolCallID{},
	}
	if state.Run != nil {
		if state.Run.Logger != nil {
			s.log = state.Run.Logger.With("stage", string(stage))
		}
		s.tracker = state.Run.Plan
	}
	if narrative != nil {
		s.model = narrative.Model()
	}
	return s
}

// invoke calls a tool and remembers its id for the reproducibility block.
func (s *session) invoke(ctx context.Context, name string, params map[string]interface{}) ports.ToolResponse {
	if s.state.Tools == nil {
		return ports.ToolResponse{
			Name:  name,
			Error: &ports.ToolError{Type: ports.ToolErrNotFound, Message: "no tool registry attached to run"},
		}
	}
	resp := s.state.Tools.Invoke(ctx, name, params, core.NewToolCallID())
	s.calls = append(s.calls, resp.ToolCallID)
	if !resp.OK {
		s.log.Warn("tool %s failed: %s", name, toolErrorText(resp))
	}
	return resp
}

func (s *session) doing(taskID, note string) {
	if s.tracker == nil {
		return
	}
	if err := s.tracker.MarkDoing(taskID, note); err != nil {
		s.log.Warn("plan %s: %v", taskID, err)
	}
}

func (s *session) done(taskID, note string) {
	if s.tracker == nil {
		return
	}
	if err := s.tracker.MarkDone(taskID, note); err != nil {
		s.log.Warn("plan %s: %v", taskID, err)
	}
}

func (s *session) note(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	s.log.Info("%s", msg)
	if s.tracker == nil {
		return
	}
	if err := s.tracker.AppendLog(msg); err != nil {
		s.log.Warn("plan log: %v", err)
	}
}

// finish stamps the reproducibility block and returns the stage result.
func (s *session) finish(confidence float64, review []envelope.HumanReviewItem, extra map[string]string) pipeline.Result {
	s.env.Confidence = confidence
	repro := envelope.Reproducibility{GeneratedAtUTC: core.UTCStamp(core.Now().Time())}
	if s.state.Manifest != nil {
		repro = s.state.Manifest.Reproducibility()
	}
	repro.ToolCallIDs = s.calls
	repro.NarrativeModel = s.model
	repro.Extra = extra
	s.env.Reproducibility = repro
	return pipeline.Result{Envelope: s.env, ReviewItems: review}
}

func (s *session) artifactPath(name string) string {
	if s.state.Run != nil {
		return s.state.Run.ArtifactPath(name)
	}
	return filepath.Join(s.state.OutputDir(), "artifacts", name)
}

func (s *session) outputPath(name string) string {
	return filepath.Join(s.state.OutputDir(), name)
}

// artifact reads a typed artifact from a previous envelope. Values stored in
// memory are returned as is; anything else goes through JSON.
func artifact[T any](env *envelope.ResultEnvelope, key string) (T, bool) {
	var zero T
	if env == nil {
		return zero, false
	}
	raw, ok := env.Artifacts[key]
	if !ok || raw == nil {
		return zero, false
	}
	if v, ok := raw.(T); ok {
		return v, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, false
	}
	return out, true
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// safeName turns a file path into an artifact-friendly stem.
func safeName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}

func toolErrorText(resp ports.ToolResponse) string {
	if resp.Error == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s: %s", resp.Error.Type, resp.Error.Message)
}

func generate(ctx context.Context, narrative ports.NarrativeGenerator, system, user, fallback string) string {
	if narrative == nil {
		return fallback
	}
	return narrative.Generate(ctx, system, user, fallback)
}
