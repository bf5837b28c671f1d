package expressions

import "context"

// Engine evaluates expressions attached to pipeline graphs.
// Three implementations: Expr (node guards), CEL (edge transforms),
// GoJQ (result queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
