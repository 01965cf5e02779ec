// Package uuid generates time-ordered identifiers for crawl generations and
// HTTP requests.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings. Being time-ordered, generation IDs sort
// by start time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Static returns the same ID on every call.
type Static string

// NewID implements crawler.IDGenerator.
func (s Static) NewID() (string, error) {
	return string(s), nil
}
