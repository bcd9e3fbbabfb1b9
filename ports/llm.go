package ports

import "context"

// UsageData represents raw usage data from LLM provider APIs
type UsageData struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model"`
	Provider         string `json:"provider"`
}

// LLMResponse represents an LLM response with usage data
type LLMResponse struct {
	Content string
	Usage   *UsageData
}

// LLMClient sends one system/user exchange to a chat completion provider.
type LLMClient interface {
	ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (*LLMResponse, error)
}

// NarrativeGenerator produces markdown narrative text. Generate never fails:
// on missing credentials, provider error or timeout it returns fallback
// verbatim.
type NarrativeGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt, fallback string) string
	Model() string
}
