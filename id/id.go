// Package id defines TypeID-based identity types for all Tract entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix".
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all Tract entity types.
const (
	PrefixEngine  Prefix = "eng"
	PrefixBuild   Prefix = "bld"
	PrefixMessage Prefix = "obm"
)

// New generates a new globally unique ID string with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// Parse validates a TypeID string (e.g. "bld_01h2xcejqtf2nbrexx3vqjhp41")
// against the expected prefix and returns it unchanged.
func Parse(s string, expected Prefix) (string, error) {
	if s == "" {
		return "", fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("id: parse %q: %w", s, err)
	}
	if tid.Prefix() != string(expected) {
		return "", fmt.Errorf("id: expected prefix %q, got %q", expected, tid.Prefix())
	}
	return s, nil
}

// NewEngineID generates a new unique engine ID.
func NewEngineID() string { return New(PrefixEngine) }

// NewBuildID generates a new unique build ID.
func NewBuildID() string { return New(PrefixBuild) }

// NewMessageID generates a new unique outbox message ID.
func NewMessageID() string { return New(PrefixMessage) }
