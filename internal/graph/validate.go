package graph

import (
	"github.com/quillworks/cascade/pkg/schema"
)

// Validate re-checks structural invariants over the flattened graph and
// returns every violation found rather than stopping at the first one.
// Callers decide whether to fail fast or report all defects. Validate never
// mutates the graph.
func (g *Graph) Validate() []error {
	flat := g.Flatten()
	var violations []error

	if _, err := flat.TopoOrder(); err != nil {
		violations = append(violations, err)
	}

	incoming := flat.Incoming()

	for _, n := range flat.Nodes() {
		connected := make(map[string]bool)
		for _, e := range incoming[n.Name] {
			connected[e.DstField] = true
		}
		iterable := make(map[string]bool, len(n.Iterables))
		for _, it := range n.Iterables {
			iterable[it.Field] = true
			if len(it.Values) == 0 {
				violations = append(violations, schema.NewErrorf(schema.ErrCodeValidation,
					"iterable field %q has no values", it.Field).WithNode(n.Name))
			}
		}

		for _, f := range n.Inputs {
			if !f.Mandatory {
				continue
			}
			if connected[f.Name] || iterable[f.Name] {
				continue
			}
			if _, ok := n.Literals[f.Name]; ok {
				continue
			}
			if f.Default != nil {
				continue
			}
			violations = append(violations, schema.NewErrorf(schema.ErrCodeUnresolvedInput,
				"mandatory field %q is neither connected nor assigned", f.Name).WithNode(n.Name))
		}

		for _, f := range n.FanOut {
			if connected[f] {
				continue
			}
			if _, ok := n.Literals[f]; ok {
				continue
			}
			violations = append(violations, schema.NewErrorf(schema.ErrCodeUnresolvedInput,
				"fan-out field %q has no list to expand over", f).WithNode(n.Name))
		}
	}

	for _, e := range flat.edges {
		if _, ok := flat.nodes[e.Src]; !ok {
			violations = append(violations, schema.NewErrorf(schema.ErrCodeNotFound,
				"edge source %q does not exist", e.Src))
		}
		if _, ok := flat.nodes[e.Dst]; !ok {
			violations = append(violations, schema.NewErrorf(schema.ErrCodeNotFound,
				"edge destination %q does not exist", e.Dst))
		}
	}

	return violations
}
