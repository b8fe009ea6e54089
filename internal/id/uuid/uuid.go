// Package uuid generates object and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RequestID returns an id for correlating one HTTP request, falling back to
// a random UUID when the v7 clock source fails.
func (g Generator) RequestID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}
