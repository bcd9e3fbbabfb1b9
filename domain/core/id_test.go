package core

import (
	"errors"
	"strings"
	"testing"
)

// TestNewIDUniqueness tests that NewID generates unique identifiers
func TestNewIDUniqueness(t *testing.T) {
	const numIDs = 10000

	ids := make(map[ID]bool, numIDs)
	for i := 0; i < numIDs; i++ {
		id := NewID()
		if id.IsEmpty() {
			t.Errorf("Generated empty ID at iteration %d", i)
		}
		if ids[id] {
			t.Errorf("Generated duplicate ID: %s", id)
		}
		ids[id] = true
	}
}

func TestNewResultIDPrefix(t *testing.T) {
	id := NewResultID("intake")
	if !strings.HasPrefix(string(id), "intake-") {
		t.Errorf("expected intake- prefix, got %s", id)
	}
	if len(id) != len("intake-")+12 {
		t.Errorf("unexpected result id length: %s", id)
	}
}

func TestNewToolCallIDIsHex(t *testing.T) {
	id := NewToolCallID()
	if len(id) != 32 || strings.Contains(string(id), "-") {
		t.Errorf("expected 32 hex chars, got %q", id)
	}
}

func TestParseRunID(t *testing.T) {
	tests := []struct {
		input    string
		hasError bool
	}{
		{"run-1", false},
		{"", true},
		{"   ", true},
	}

	for _, tt := range tests {
		_, err := ParseRunID(tt.input)
		if (err != nil) != tt.hasError {
			t.Errorf("ParseRunID(%q) error = %v, wantErr %v", tt.input, err, tt.hasError)
		}
	}
}

func TestHashStringsOrderIndependent(t *testing.T) {
	a := HashStrings([]string{"b", "a", "c"})
	b := HashStrings([]string{"c", "b", "a"})
	if a != b {
		t.Errorf("expected equal hashes, got %s vs %s", a, b)
	}
}

func TestErrorHelpers(t *testing.T) {
	if !IsNotFoundError(ErrCorpusNotFound) {
		t.Error("corpus not found should be a not found error")
	}
	parseErr := NewParseError("corpus.json", errors.New("unexpected EOF"))
	if !IsParseError(parseErr) {
		t.Error("expected parse error")
	}
	if IsNotFoundError(parseErr) {
		t.Error("parse error must not be classified as not found")
	}
}
