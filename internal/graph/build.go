package graph

import (
	"github.com/quillworks/cascade/pkg/schema"
)

// FromDefinition builds a template graph from its declarative form. Subgraphs
// are built recursively before edges are connected, so edges may address
// dotted paths into them. The first structural error aborts the build.
func FromDefinition(def *schema.PipelineDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	g := New()
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		n := NewNode(nd.Name, nd.Runner)
		n.Inputs = append([]schema.FieldSpec(nil), nd.Inputs...)
		n.Outputs = append([]schema.FieldSpec(nil), nd.Outputs...)
		n.When = nd.When
		if nd.Resources != nil {
			n.Resources = *nd.Resources
		}
		for k, v := range nd.Literals {
			n.Literals[k] = v
		}
		for _, it := range nd.Iterables {
			n.Iterables = append(n.Iterables, schema.IterableSpec{
				Field:  it.Field,
				Values: append([]any(nil), it.Values...),
			})
		}
		n.FanOut = append([]string(nil), nd.FanOut...)
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}

	for _, sd := range def.Subgraphs {
		sub, err := FromDefinition(&sd.Pipeline)
		if err != nil {
			return nil, err
		}
		if err := g.AddSubgraph(sub, sd.Name); err != nil {
			return nil, err
		}
	}

	for _, e := range def.Edges {
		if err := g.ConnectTransform(e.Src, e.SrcField, e.Dst, e.DstField, e.Transform); err != nil {
			return nil, err
		}
	}

	return g, nil
}
