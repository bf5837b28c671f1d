package graph

import (
	"github.com/quillworks/cascade/pkg/schema"
)

// Node is the atomic unit of work: declared inputs/outputs, a resource hint,
// and the name of the runner that performs the actual computation. A node's
// output values are only readable once its state is done or cached; the graph
// itself holds no run state, that lives with the engine.
type Node struct {
	Name      string              `json:"name"`
	Runner    string              `json:"runner"`
	Inputs    []schema.FieldSpec  `json:"inputs,omitempty"`
	Outputs   []schema.FieldSpec  `json:"outputs,omitempty"`
	Resources schema.ResourceHint `json:"resources"`

	// When is an optional guard expression over resolved inputs. When it
	// evaluates false the node and its exclusive downstream cone are skipped.
	When string `json:"when,omitempty"`

	// Literals are directly assigned input values. A successful Connect on a
	// field clears its literal: connection wins over static assignment.
	Literals map[string]any `json:"literals,omitempty"`

	// Iterables cause Cartesian-product cloning at expansion time.
	Iterables []schema.IterableSpec `json:"iterables,omitempty"`

	// FanOut lists the fields of a MapNode: equal-length list inputs expanded
	// into one clone per index, outputs gathered back into lists.
	FanOut []string `json:"fan_out,omitempty"`

	// Combo tags a concrete clone with the iterable combination that produced
	// it. Empty on template nodes and singular concrete nodes.
	Combo map[string]any `json:"combo,omitempty"`

	// Gather marks a synthetic collection node introduced by the expander for
	// a fan-out node's list-valued outputs. Gather nodes have no runner; the
	// engine collects their fan-in inputs in index order.
	Gather bool `json:"gather,omitempty"`
}

// NewNode creates a node with the default resource hint.
func NewNode(name, runner string) *Node {
	return &Node{
		Name:      name,
		Runner:    runner,
		Resources: schema.DefaultResourceHint,
		Literals:  make(map[string]any),
	}
}

// Input returns the input field spec with the given name.
func (n *Node) Input(name string) (schema.FieldSpec, bool) {
	for _, f := range n.Inputs {
		if f.Name == name {
			return f, true
		}
	}
	return schema.FieldSpec{}, false
}

// Output returns the output field spec with the given name.
func (n *Node) Output(name string) (schema.FieldSpec, bool) {
	for _, f := range n.Outputs {
		if f.Name == name {
			return f, true
		}
	}
	return schema.FieldSpec{}, false
}

// AddInput appends an input field declaration.
func (n *Node) AddInput(f schema.FieldSpec) *Node {
	n.Inputs = append(n.Inputs, f)
	return n
}

// AddOutput appends an output field declaration.
func (n *Node) AddOutput(f schema.FieldSpec) *Node {
	n.Outputs = append(n.Outputs, f)
	return n
}

// SetLiteral assigns a static value to an input field.
func (n *Node) SetLiteral(field string, value any) *Node {
	if n.Literals == nil {
		n.Literals = make(map[string]any)
	}
	n.Literals[field] = value
	return n
}

// AddIterable attaches a per-field value sweep.
func (n *Node) AddIterable(field string, values []any) *Node {
	n.Iterables = append(n.Iterables, schema.IterableSpec{Field: field, Values: values})
	return n
}

// Clone returns a deep copy of the node under a new name.
func (n *Node) Clone(name string) *Node {
	c := &Node{
		Name:      name,
		Runner:    n.Runner,
		Resources: n.Resources,
		When:      n.When,
		Gather:    n.Gather,
	}
	c.Inputs = append([]schema.FieldSpec(nil), n.Inputs...)
	c.Outputs = append([]schema.FieldSpec(nil), n.Outputs...)
	c.FanOut = append([]string(nil), n.FanOut...)
	c.Literals = make(map[string]any, len(n.Literals))
	for k, v := range n.Literals {
		c.Literals[k] = v
	}
	for _, it := range n.Iterables {
		c.Iterables = append(c.Iterables, schema.IterableSpec{
			Field:  it.Field,
			Values: append([]any(nil), it.Values...),
		})
	}
	if len(n.Combo) > 0 {
		c.Combo = make(map[string]any, len(n.Combo))
		for k, v := range n.Combo {
			c.Combo[k] = v
		}
	}
	return c
}
