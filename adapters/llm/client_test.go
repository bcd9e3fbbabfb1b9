package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energyagent/internal/config"
	apperrors "energyagent/internal/errors"
	"energyagent/ports"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(config.LLMConfig{Model: "m"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestChatCompletion(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"m-2024","choices":[{"message":{"role":"assistant","content":"## Flow"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.LLMConfig{APIKey: "k", Model: "m", BaseURL: srv.URL + "/v1/", MaxTokens: 99, Timeout: time.Second})
	require.NoError(t, err)

	resp, err := c.ChatCompletion(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "## Flow", resp.Content)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, "m-2024", resp.Usage.Model)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "usr", got.Messages[1].Content)
	assert.Equal(t, 99, got.MaxTokens)
}

func TestChatCompletionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewClient(config.LLMConfig{APIKey: "k", Model: "m", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.ChatCompletion(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, apperrors.CodeExternalService, apperrors.GetCode(err))
	assert.Equal(t, http.StatusBadGateway, apperrors.HTTPStatus(err))
}

type stubClient struct {
	content string
	err     error
	delay   time.Duration
}

func (s stubClient) ChatCompletion(ctx context.Context, _, _ string) (*ports.LLMResponse, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &ports.LLMResponse{Content: s.content}, nil
}

type memRecorder struct{ entries []TranscriptEntry }

func (m *memRecorder) Record(v interface{}) error {
	m.entries = append(m.entries, v.(TranscriptEntry))
	return nil
}

func TestGeneratorFallsBack(t *testing.T) {
	tests := []struct {
		name     string
		client   ports.LLMClient
		want     string
		fallback bool
	}{
		{"no client", nil, "FB", true},
		{"provider error", stubClient{err: errors.New("boom")}, "FB", true},
		{"empty completion", stubClient{content: "  \n"}, "FB", true},
		{"timeout", stubClient{content: "late", delay: time.Second}, "FB", true},
		{"success", stubClient{content: "  text \n"}, "text", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &memRecorder{}
			g := NewGenerator(tt.client, "m", 20*time.Millisecond, rec, nil)
			got := g.Generate(context.Background(), "s", "u", "FB")
			assert.Equal(t, tt.want, got)
			require.Len(t, rec.entries, 1)
			assert.Equal(t, tt.fallback, rec.entries[0].UsedFallback)
			assert.Equal(t, got, rec.entries[0].Output)
		})
	}
}

func TestGeneratorModel(t *testing.T) {
	assert.Equal(t, "fallback", NewGenerator(nil, "m", 0, nil, nil).Model())
	assert.Equal(t, "m", NewGenerator(stubClient{}, "m", 0, nil, nil).Model())
}
