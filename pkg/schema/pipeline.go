package schema

import "encoding/json"

// PipelineDefinition is the declarative form of a template graph, loadable
// from JSON. The graph builder turns it into an in-memory graph; the expander
// then produces the concrete graph that is actually scheduled.
type PipelineDefinition struct {
	Name      string               `json:"name"`
	Nodes     []NodeDefinition     `json:"nodes"`
	Edges     []EdgeDefinition     `json:"edges,omitempty"`
	Subgraphs []SubgraphDefinition `json:"subgraphs,omitempty"`
}

// NodeDefinition declares one node of a pipeline.
type NodeDefinition struct {
	Name      string          `json:"name"`
	Runner    string          `json:"runner"`
	Inputs    []FieldSpec     `json:"inputs,omitempty"`
	Outputs   []FieldSpec     `json:"outputs,omitempty"`
	Resources *ResourceHint   `json:"resources,omitempty"`
	Literals  map[string]any  `json:"literals,omitempty"`
	Iterables []IterableSpec  `json:"iterables,omitempty"`
	FanOut    []string        `json:"fan_out,omitempty"`
	When      string          `json:"when,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// IterableSpec attaches a per-field value sweep to a node. Multiple specs on
// one node combine by Cartesian product at expansion time.
type IterableSpec struct {
	Field  string `json:"field"`
	Values []any  `json:"values"`
}

// EdgeDefinition declares a typed directed edge. Node names may be dotted
// paths into subgraphs ("align.index"). Transform is an optional CEL
// expression applied to the source value, bound as `value`.
type EdgeDefinition struct {
	Src       string `json:"src"`
	SrcField  string `json:"src_field"`
	Dst       string `json:"dst"`
	DstField  string `json:"dst_field"`
	Transform string `json:"transform,omitempty"`
}

// SubgraphDefinition nests a pipeline inside another under a name.
type SubgraphDefinition struct {
	Name     string             `json:"name"`
	Pipeline PipelineDefinition `json:"pipeline"`
}
