// Package uuid provides ID generation for runs, documents, assets and tasks.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// taskNamespace scopes name-derived task IDs.
var taskNamespace = uuid.MustParse("6f1c2d0e-93a4-5b7e-8c1d-2a7f4e9b0c35")

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a Generator.
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

// TaskID derives a stable task ID from a task name, so resubmitting the same
// named task reuses its dedup history.
func TaskID(name string) string {
	return uuid.NewSHA1(taskNamespace, []byte(name)).String()
}
