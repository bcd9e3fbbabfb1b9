package llm

import (
	"context"
	"strings"
	"time"

	"energyagent/domain/core"
	"energyagent/internal"
	"energyagent/ports"
)

// Recorder receives one JSON-serialisable entry per narrative call.
type Recorder interface {
	Record(v interface{}) error
}

// TranscriptEntry is what the generator records for every call.
type TranscriptEntry struct {
	At           string           `json:"at"`
	Model        string           `json:"model"`
	SystemPrompt string           `json:"system_prompt"`
	UserPrompt   string           `json:"user_prompt"`
	Output       string           `json:"output"`
	UsedFallback bool             `json:"used_fallback"`
	Error        string           `json:"error,omitempty"`
	Usage        *ports.UsageData `json:"usage,omitempty"`
	ElapsedMs    int64            `json:"elapsed_ms"`
}

// Generator implements ports.NarrativeGenerator on top of an optional
// LLMClient. A nil client means every call returns its fallback.
type Generator struct {
	client   ports.LLMClient
	model    string
	timeout  time.Duration
	recorder Recorder
	logger   *internal.Logger
}

// NewGenerator wraps client. recorder and logger may be nil.
func NewGenerator(client ports.LLMClient, model string, timeout time.Duration, recorder Recorder, logger *internal.Logger) *Generator {
	if logger == nil {
		logger = internal.NopLogger()
	}
	return &Generator{client: client, model: model, timeout: timeout, recorder: recorder, logger: logger}
}

// Model names the model behind the generator, or "fallback" without a client.
func (g *Generator) Model() string {
	if g.client == nil {
		return "fallback"
	}
	return g.model
}

// Generate returns the model's markdown, or fallback on any failure or an
// empty completion.
func (g *Generator) Generate(ctx context.Context, systemPrompt, userPrompt, fallback string) string {
	entry := TranscriptEntry{
		At:           core.UTCStamp(time.Now()),
		Model:        g.Model(),
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	}
	start := time.Now()
	out, err := g.complete(ctx, systemPrompt, userPrompt, &entry)
	entry.ElapsedMs = time.Since(start).Milliseconds()

	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			entry.Error = err.Error()
			g.logger.Warn("narrative generation fell back: %v", err)
		}
		out = fallback
		entry.UsedFallback = true
	} else {
		out = strings.TrimSpace(out)
	}
	entry.Output = out

	if g.recorder != nil {
		if rerr := g.recorder.Record(entry); rerr != nil {
			g.logger.Warn("failed to record narrative call: %v", rerr)
		}
	}
	return out
}

func (g *Generator) complete(ctx context.Context, systemPrompt, userPrompt string, entry *TranscriptEntry) (string, error) {
	if g.client == nil {
		return "", nil
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.client.ChatCompletion(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", err
	}
	entry.Usage = resp.Usage
	return resp.Content, nil
}
