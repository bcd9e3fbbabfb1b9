package ports

import (
	"context"
	"time"

	"energyagent/domain/core"
)

// ToolErrorType classifies a failed tool call.
type ToolErrorType string

const (
	ToolErrValidation  ToolErrorType = "validation_error"
	ToolErrTimeout     ToolErrorType = "timeout"
	ToolErrException   ToolErrorType = "exception"
	ToolErrNotFound    ToolErrorType = "not_found"
	ToolErrMissingFile ToolErrorType = "missing_file"
	ToolErrParse       ToolErrorType = "parse_error"
)

// Tool is a named, schema-validated capability.
//
// NewInput returns a pointer to a fresh input struct; its `validate` tags are
// the tool's input schema. Run receives that pointer after decoding and
// validation. Timeout returns zero to use the registry default.
type Tool interface {
	Name() string
	Description() string
	Timeout() time.Duration
	NewInput() interface{}
	Run(ctx context.Context, input interface{}) (map[string]interface{}, error)
}

// ToolError is the structured failure of a tool call.
type ToolError struct {
	Type    ToolErrorType          `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToolResponse is the outcome of every invocation, successful or not.
type ToolResponse struct {
	ToolCallID core.ToolCallID        `json:"tool_call_id"`
	Name       string                 `json:"name"`
	OK         bool                   `json:"ok"`
	Data       map[string]interface{} `json:"data"`
	Error      *ToolError             `json:"error,omitempty"`
	ElapsedMs  int64                  `json:"elapsed_ms"`
}

// ErrorType returns the failure type, or "" on success.
func (r ToolResponse) ErrorType() ToolErrorType {
	if r.Error == nil {
		return ""
	}
	return r.Error.Type
}

// ToolCallRecord is one entry of a registry's append-only call history.
type ToolCallRecord struct {
	ToolCallID core.ToolCallID        `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Params     map[string]interface{} `json:"params"`
	Response   ToolResponse           `json:"response"`
}

// ToolInvoker dispatches calls to registered tools.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]interface{}, toolCallID core.ToolCallID) ToolResponse
	History() []ToolCallRecord
}
