package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID represents a domain identifier
type ID string

// NewID creates a new unique identifier using UUID v7 for time-ordered generation
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return ID(id.String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// Domain-specific ID types
type (
	RunID        ID
	ResultID     ID
	ToolCallID   ID
	CheckpointID ID
)

// String conversions for domain IDs
func (id RunID) String() string        { return ID(id).String() }
func (id ResultID) String() string     { return ID(id).String() }
func (id ToolCallID) String() string   { return ID(id).String() }
func (id CheckpointID) String() string { return ID(id).String() }

// NewRunID returns a fresh run identifier.
func NewRunID() RunID { return RunID(NewID()) }

// NewToolCallID returns a compact hex identifier for tool call correlation.
func NewToolCallID() ToolCallID {
	return ToolCallID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// NewResultID builds a stage-prefixed result id such as "intake-1f0c2a9b3d4e".
func NewResultID(prefix string) ResultID {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return ResultID(fmt.Sprintf("%s-%s", prefix, hex[:12]))
}

// ParseRunID parses a string into RunID
func ParseRunID(s string) (RunID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("run ID cannot be empty")
	}
	return RunID(s), nil
}
