package tools

import (
	"fmt"

	"energyagent/ports"
)

// Error lets a tool body report a specific failure type instead of the
// generic "exception".
type Error struct {
	Type    ports.ToolErrorType
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// MissingFile reports an input file that does not exist.
func MissingFile(path string) *Error {
	return &Error{
		Type:    ports.ToolErrMissingFile,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]interface{}{"path": path},
	}
}

// ParseFailure reports an input that exists but cannot be parsed.
func ParseFailure(path string, cause error) *Error {
	return &Error{
		Type:    ports.ToolErrParse,
		Message: fmt.Sprintf("parse %s: %v", path, cause),
		Details: map[string]interface{}{"path": path},
	}
}

// NotFound reports a missing resource other than a file.
func NotFound(what string) *Error {
	return &Error{Type: ports.ToolErrNotFound, Message: what}
}
