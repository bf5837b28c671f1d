// Package expand rewrites a templated graph (nested subgraphs, iterable
// parameter sweeps, fan-out nodes) into one flat concrete graph containing
// only ordinary 1:1 nodes and edges, ready for scheduling.
package expand

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quillworks/cascade/internal/graph"
	"github.com/quillworks/cascade/pkg/schema"
)

// Expand flattens nesting, resolves iterables by Cartesian-product cloning,
// resolves fan-out nodes into per-index clones with gather nodes, and
// re-validates the result. Expanding an already-flat graph is a no-op up to
// copying. All failures are reported before any execution begins.
func Expand(g *graph.Graph) (*graph.Graph, error) {
	flat := g.Flatten()

	expanded, err := expandIterables(flat)
	if err != nil {
		return nil, err
	}

	concrete, err := resolveFanOut(expanded)
	if err != nil {
		return nil, err
	}

	if _, err := concrete.TopoOrder(); err != nil {
		return nil, err
	}
	for _, v := range concrete.Validate() {
		if schema.CodeOf(v) == schema.ErrCodeUnresolvedInput {
			return nil, v
		}
	}
	return concrete, nil
}

// dim is one iterable dimension: a (node, field) pair with its value sweep.
// A node's dimension set is its own iterables plus every dimension inherited
// along incoming edges; each concrete clone corresponds to one choice per
// dimension (full cross product).
type dim struct {
	Owner  string
	Field  string
	Values []any
}

func (d dim) key() string { return d.Owner + "." + d.Field }

// cloneInfo records one concrete clone of a template node and the dimension
// index choices that produced it.
type cloneInfo struct {
	name string
	idx  map[string]int // dim key -> value index
}

func expandIterables(flat *graph.Graph) (*graph.Graph, error) {
	order, err := flat.TopoOrder()
	if err != nil {
		return nil, err
	}
	incoming := flat.Incoming()

	// Dimension sets propagate downstream in topological order, deduplicated
	// by dim key, preserving first-seen order for deterministic combos.
	dims := make(map[string][]dim, len(order))
	for _, name := range order {
		n, _ := flat.Node(name)
		var set []dim
		seen := make(map[string]bool)
		add := func(d dim) {
			if !seen[d.key()] {
				seen[d.key()] = true
				set = append(set, d)
			}
		}
		for _, e := range incoming[name] {
			for _, d := range dims[e.Src] {
				add(d)
			}
		}
		for _, it := range n.Iterables {
			add(dim{Owner: name, Field: it.Field, Values: it.Values})
		}
		dims[name] = set
	}

	out := graph.New()
	clones := make(map[string][]cloneInfo, len(order))

	for _, name := range order {
		n, _ := flat.Node(name)
		set := dims[name]

		if len(set) == 0 {
			c := n.Clone(name)
			c.Iterables = nil
			if err := out.Insert(c); err != nil {
				return nil, err
			}
			clones[name] = []cloneInfo{{name: name, idx: map[string]int{}}}
			continue
		}

		own := make(map[string]string, len(n.Iterables)) // field -> dim key
		for _, it := range n.Iterables {
			own[it.Field] = name + "." + it.Field
		}

		for _, idx := range crossProduct(set) {
			cloneName := name + "#" + indexSuffix(set, idx)
			c := n.Clone(cloneName)
			c.Iterables = nil
			c.Combo = make(map[string]any, len(set))
			for _, d := range set {
				c.Combo[d.key()] = d.Values[idx[d.key()]]
			}
			// The node's own iterable fields become literal assignments.
			for field, key := range own {
				c.SetLiteral(field, c.Combo[key])
			}
			if err := out.Insert(c); err != nil {
				return nil, err
			}
			clones[name] = append(clones[name], cloneInfo{name: cloneName, idx: idx})
		}
	}

	// Rebind edges: each destination clone connects to the source clone whose
	// index choices agree on every dimension the source carries. Source
	// dimensions are always a subset of destination dimensions.
	for _, e := range flat.Edges() {
		srcDims := dims[e.Src]
		for _, dst := range clones[e.Dst] {
			src, ok := matchClone(clones[e.Src], srcDims, dst.idx)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"no source clone of %q matches combination of %q", e.Src, dst.name)
			}
			out.AddEdge(graph.Edge{
				Src: src, SrcField: e.SrcField,
				Dst: dst.name, DstField: e.DstField,
				Transform: e.Transform,
			})
		}
	}

	return out, nil
}

// crossProduct enumerates every index combination over the dimension set, in
// a fixed order: the last dimension varies fastest.
func crossProduct(set []dim) []map[string]int {
	combos := []map[string]int{{}}
	for _, d := range set {
		var next []map[string]int
		for _, base := range combos {
			for i := range d.Values {
				m := make(map[string]int, len(base)+1)
				for k, v := range base {
					m[k] = v
				}
				m[d.key()] = i
				next = append(next, m)
			}
		}
		combos = next
	}
	return combos
}

func indexSuffix(set []dim, idx map[string]int) string {
	parts := make([]string, len(set))
	for i, d := range set {
		parts[i] = strconv.Itoa(idx[d.key()])
	}
	return strings.Join(parts, ".")
}

func matchClone(candidates []cloneInfo, srcDims []dim, dstIdx map[string]int) (string, bool) {
	for _, c := range candidates {
		match := true
		for _, d := range srcDims {
			if c.idx[d.key()] != dstIdx[d.key()] {
				match = false
				break
			}
		}
		if match {
			return c.name, true
		}
	}
	return "", false
}

// resolveFanOut replaces every fan-out node with one clone per list index and
// a gather node collecting each declared output back into a list. Listed
// fields must resolve to equal-length lists statically: either a literal list
// or an edge from an upstream gather node (whose width is the upstream clone
// count). Mismatched lengths are fatal before any execution.
func resolveFanOut(g *graph.Graph) (*graph.Graph, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}

	out := graph.New()
	incoming := g.Incoming()

	// rebound maps a replaced node's (name, outField) to the gather node
	// carrying that output as a list.
	rebound := make(map[outKey]string)

	for _, name := range order {
		n, _ := g.Node(name)

		if len(n.FanOut) == 0 {
			c := n.Clone(name)
			if err := out.Insert(c); err != nil {
				return nil, err
			}
			for _, e := range incoming[name] {
				out.AddEdge(rewriteEdge(e, name, rebound))
			}
			continue
		}

		// Resolve each listed field to its element source.
		type elements struct {
			field    string
			literals []any        // non-nil when fed by a literal list
			edges    []graph.Edge // non-nil when fed element-wise by upstream clones
		}
		var resolved []elements
		width := -1

		for _, field := range n.FanOut {
			el := elements{field: field}
			if raw, ok := n.Literals[field]; ok {
				list, ok := raw.([]any)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeValidation,
						"fan-out field %q literal is not a list", field).WithNode(name)
				}
				el.literals = list
			} else {
				edge, ok := incomingField(incoming[name], field)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeUnresolvedInput,
						"fan-out field %q has no list to expand over", field).WithNode(name)
				}
				// Upstream fan-outs are already resolved (topological order),
				// so a statically-known list arrives via a gather node.
				re := rewriteEdge(edge, name, rebound)
				up, upOK := out.Node(re.Src)
				if !upOK || !up.Gather {
					return nil, schema.NewErrorf(schema.ErrCodeUnresolvedInput,
						"fan-out field %q is fed by %q whose list length is not statically known",
						field, edge.Src).WithNode(name)
				}
				// Bypass the gather: element i comes from the clone that fed
				// the gather's fan-in at index i.
				el.edges = elementEdges(out.Incoming()[re.Src], re.SrcField)
			}

			got := len(el.literals) + len(el.edges)
			if width >= 0 && got != width {
				return nil, schema.NewErrorf(schema.ErrCodeIterableLengthMismatch,
					"fan-out fields have unequal lengths: %d vs %d", width, got).
					WithNode(name).
					WithDetails(map[string]any{"field": field})
			}
			width = got
			resolved = append(resolved, el)
		}

		if width <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeIterableLengthMismatch,
				"fan-out over empty lists").WithNode(name)
		}

		listed := make(map[string]bool, len(n.FanOut))
		for _, f := range n.FanOut {
			listed[f] = true
		}

		var cloneNames []string
		for i := 0; i < width; i++ {
			c := n.Clone(fmt.Sprintf("%s@%d", name, i))
			c.FanOut = nil
			c.Combo = mergeCombo(n.Combo, name, i)
			for _, el := range resolved {
				delete(c.Literals, el.field)
				if el.literals != nil {
					c.SetLiteral(el.field, el.literals[i])
				}
			}
			if err := out.Insert(c); err != nil {
				return nil, err
			}
			// Element-wise edges for gather-fed listed fields.
			for _, el := range resolved {
				if el.edges != nil {
					src := el.edges[i]
					out.AddEdge(graph.Edge{
						Src: src.Src, SrcField: src.SrcField,
						Dst: c.Name, DstField: el.field,
					})
				}
			}
			// Non-listed incoming edges are copied unchanged to every clone.
			for _, e := range incoming[name] {
				if listed[e.DstField] {
					continue
				}
				out.AddEdge(rewriteEdge(e, c.Name, rebound))
			}
			cloneNames = append(cloneNames, c.Name)
		}

		// Gather node: one fan-in input and one list output per declared
		// output field, fed by every clone in index order.
		gather := graph.NewNode(name+".gather", "")
		gather.Gather = true
		for _, f := range n.Outputs {
			gather.AddInput(schema.FieldSpec{Name: f.Name, Type: schema.TypeList, FanIn: true})
			gather.AddOutput(schema.FieldSpec{Name: f.Name, Type: schema.TypeList})
		}
		if err := out.Insert(gather); err != nil {
			return nil, err
		}
		for _, f := range n.Outputs {
			for _, cn := range cloneNames {
				out.AddEdge(graph.Edge{Src: cn, SrcField: f.Name, Dst: gather.Name, DstField: f.Name})
			}
			rebound[outKey{name, f.Name}] = gather.Name
		}
	}

	return out, nil
}

// outKey addresses one declared output field of a template node.
type outKey struct{ node, field string }

// rewriteEdge redirects an edge whose source output was replaced by a gather
// node, and retargets its destination to the given concrete node name.
func rewriteEdge(e graph.Edge, dst string, rebound map[outKey]string) graph.Edge {
	re := graph.Edge{Src: e.Src, SrcField: e.SrcField, Dst: dst, DstField: e.DstField, Transform: e.Transform}
	if g, ok := rebound[outKey{e.Src, e.SrcField}]; ok {
		re.Src = g
	}
	return re
}

// incomingField returns the edge feeding the given destination field.
func incomingField(edges []graph.Edge, field string) (graph.Edge, bool) {
	for _, e := range edges {
		if e.DstField == field {
			return e, true
		}
	}
	return graph.Edge{}, false
}

// elementEdges returns the fan-in edges of a gather input field in index
// order: edge i carries element i.
func elementEdges(gatherIncoming []graph.Edge, field string) []graph.Edge {
	var out []graph.Edge
	for _, e := range gatherIncoming {
		if e.DstField == field {
			out = append(out, e)
		}
	}
	return out
}

// mergeCombo extends a clone's traceability tags with its fan-out index.
func mergeCombo(base map[string]any, node string, i int) map[string]any {
	m := make(map[string]any, len(base)+1)
	for k, v := range base {
		m[k] = v
	}
	m[node+"@index"] = i
	return m
}
