// Package uuid generates crawl log and worker identifiers.
package uuid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns "<host>-<uuid>", identifying one worker process as a
// crawl lock owner. An explicit override is returned unchanged.
func (g Generator) WorkerID(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return host + "-" + id, nil
}
