package runner

import (
	"context"
	"encoding/json"
)

// Func is the signature of an in-process runner body.
type Func func(ctx context.Context, inputs map[string]any, workDir string) (map[string]any, error)

// FuncRunner adapts a plain Go function to the Runner interface. It is the
// cheapest runner kind: no process spawn, no serialization.
type FuncRunner struct {
	name        string
	description string
	inputSchema json.RawMessage
	fn          Func
}

// NewFuncRunner wraps fn as a named runner. The optional inputSchema is
// enforced by Validate.
func NewFuncRunner(name, description string, inputSchema json.RawMessage, fn Func) *FuncRunner {
	return &FuncRunner{
		name:        name,
		description: description,
		inputSchema: inputSchema,
		fn:          fn,
	}
}

func (f *FuncRunner) Name() string { return f.name }

func (f *FuncRunner) Schema() Schema {
	return Schema{InputSchema: f.inputSchema, Description: f.description}
}

func (f *FuncRunner) Validate(inputs map[string]any) error {
	return ValidateInputs(f.inputSchema, inputs)
}

func (f *FuncRunner) Execute(ctx context.Context, inputs map[string]any, workDir string) (map[string]any, error) {
	return f.fn(ctx, inputs, workDir)
}

var _ Runner = (*FuncRunner)(nil)
