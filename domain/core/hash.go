package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// Short returns the first 12 hex characters, enough for display.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// Domain-specific hash types
type (
	StageListHash Hash
	ConfigHash    Hash
)

func (h StageListHash) String() string { return Hash(h).String() }
func (h ConfigHash) String() string    { return Hash(h).String() }

// HashJSON hashes the canonical JSON encoding of v. Map keys are sorted by
// encoding/json, so equal values hash equally.
func HashJSON(v interface{}) Hash {
	data, err := json.Marshal(v)
	if err != nil {
		return NewHash([]byte(fmt.Sprintf("%v", v)))
	}
	return NewHash(data)
}

// HashStrings hashes a set of strings independent of their order.
func HashStrings(values []string) Hash {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	return NewHash([]byte(strings.Join(sorted, "\x1f")))
}
