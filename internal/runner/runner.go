package runner

import (
	"context"
	"encoding/json"
)

// Runner is the external collaborator a node wraps. The engine resolves a
// node's inputs, validates them against the runner's declared schema, and
// hands them over together with the node's exclusive working directory. The
// runner returns a mapping of declared output field to value.
//
// This is the entire surface the engine depends on; it knows nothing about
// command-line syntax, binaries, or the language behind any runner.
type Runner interface {
	Name() string
	Schema() Schema
	Validate(inputs map[string]any) error
	Execute(ctx context.Context, inputs map[string]any, workDir string) (map[string]any, error)
}

// Schema describes the input contract of a runner.
type Schema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Info is a summary of a registered runner for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
