package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound         = errors.New("resource not found")
	ErrRunNotFound      = fmt.Errorf("%w: run", ErrNotFound)
	ErrToolNotFound     = fmt.Errorf("%w: tool", ErrNotFound)
	ErrCorpusNotFound   = fmt.Errorf("%w: policy corpus", ErrNotFound)
	ErrEnvelopeNotFound = fmt.Errorf("%w: envelope", ErrNotFound)

	// Input errors
	ErrParse      = errors.New("malformed input")
	ErrValidation = errors.New("validation failed")

	// Pipeline errors
	ErrStageOrder  = errors.New("stage executed out of order")
	ErrStageFailed = errors.New("stage failed")
	ErrStagePanic  = errors.New("stage panicked")
)

// Error constructors with context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s with id %s", ErrNotFound, resource, id)
}

func NewValidationError(field string, reason string) error {
	return fmt.Errorf("%w for %s: %s", ErrValidation, field, reason)
}

func NewParseError(source string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrParse, source, err)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsParseError(err error) bool {
	return errors.Is(err, ErrParse)
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
