package graph

import (
	"strings"

	"github.com/quillworks/cascade/pkg/schema"
)

// Edge is a typed directed connection (src, srcField) -> (dst, dstField).
// Node references may be dotted paths into subgraphs. Transform is an
// optional CEL expression applied to the source value before binding.
type Edge struct {
	Src       string `json:"src"`
	SrcField  string `json:"src_field"`
	Dst       string `json:"dst"`
	DstField  string `json:"dst_field"`
	Transform string `json:"transform,omitempty"`
}

// Graph is a set of nodes plus edges, itself usable as a node inside an
// enclosing graph. The induced edge relation, flattened across nesting, must
// be acyclic. Insertion order is preserved for deterministic expansion and
// serial scheduling.
type Graph struct {
	nodes    map[string]*Node
	order    []string
	edges    []Edge
	subs     map[string]*Graph
	subOrder []string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		subs:  make(map[string]*Graph),
	}
}

// AddNode registers a node. Names must be unique among sibling nodes and
// subgraphs and must not contain the path separator.
func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return schema.NewError(schema.ErrCodeValidation, "node is nil")
	}
	if n.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "node has empty name")
	}
	if strings.Contains(n.Name, ".") {
		return schema.NewErrorf(schema.ErrCodeValidation, "node name %q contains reserved separator '.'", n.Name)
	}
	if _, exists := g.nodes[n.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "node %q already exists", n.Name)
	}
	if _, exists := g.subs[n.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "subgraph %q already uses name", n.Name)
	}
	for _, f := range append(append([]schema.FieldSpec(nil), n.Inputs...), n.Outputs...) {
		if !schema.ValidFieldType(f.Type) {
			return schema.NewErrorf(schema.ErrCodeValidation, "field %s.%s has unknown type %q", n.Name, f.Name, f.Type).WithNode(n.Name)
		}
	}
	for _, it := range n.Iterables {
		if _, ok := n.Input(it.Field); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "iterable field %q not declared on node", it.Field).WithNode(n.Name)
		}
	}
	for _, f := range n.FanOut {
		if _, ok := n.Input(f); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "fan-out field %q not declared on node", f).WithNode(n.Name)
		}
	}
	if n.Resources.Threads <= 0 {
		n.Resources.Threads = schema.DefaultResourceHint.Threads
	}
	if n.Resources.MemoryGB <= 0 {
		n.Resources.MemoryGB = schema.DefaultResourceHint.MemoryGB
	}
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
	return nil
}

// AddSubgraph nests a graph under a name.
func (g *Graph) AddSubgraph(sub *Graph, name string) error {
	if sub == nil {
		return schema.NewError(schema.ErrCodeValidation, "subgraph is nil")
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "subgraph has empty name")
	}
	if strings.Contains(name, ".") {
		return schema.NewErrorf(schema.ErrCodeValidation, "subgraph name %q contains reserved separator '.'", name)
	}
	if _, exists := g.nodes[name]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "node %q already uses name", name)
	}
	if _, exists := g.subs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "subgraph %q already exists", name)
	}
	g.subs[name] = sub
	g.subOrder = append(g.subOrder, name)
	return nil
}

// Connect adds an edge. It fails with TYPE_MISMATCH on incompatible field
// types, DUPLICATE_NAME when the destination field already has an incoming
// edge and is not fan-in typed, and CYCLE_DETECTED when the edge would close
// a cycle in the flattened graph. On success any literal previously held by
// the destination field is cleared: connection wins over static assignment.
// No partial mutation is observable after a failed Connect.
func (g *Graph) Connect(src, srcField, dst, dstField string) error {
	return g.ConnectTransform(src, srcField, dst, dstField, "")
}

// ConnectTransform is Connect with a CEL transform on the carried value.
func (g *Graph) ConnectTransform(src, srcField, dst, dstField, transform string) error {
	srcNode, err := g.resolve(src)
	if err != nil {
		return err
	}
	dstNode, err := g.resolve(dst)
	if err != nil {
		return err
	}

	srcSpec, ok := srcNode.Output(srcField)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "output field %q not declared", srcField).WithNode(src)
	}
	dstSpec, ok := dstNode.Input(dstField)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "input field %q not declared", dstField).WithNode(dst)
	}

	// Fan-in fields gather every incoming value into a list; otherwise the
	// source and destination types must be compatible. A transform changes
	// the carried value in ways the builder cannot see, so typed checking is
	// skipped for transformed edges and deferred to runner validation.
	if !dstSpec.FanIn && transform == "" && !schema.Compatible(srcSpec.Type, dstSpec.Type) {
		return schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"cannot connect %s.%s (%s) to %s.%s (%s)",
			src, srcField, srcSpec.Type, dst, dstField, dstSpec.Type)
	}

	if !dstSpec.FanIn {
		for _, e := range g.edges {
			if e.Dst == dst && e.DstField == dstField {
				return schema.NewErrorf(schema.ErrCodeDuplicateName,
					"destination %s.%s already connected from %s.%s",
					dst, dstField, e.Src, e.SrcField)
			}
		}
	}

	candidate := Edge{Src: src, SrcField: srcField, Dst: dst, DstField: dstField, Transform: transform}
	if g.wouldCycle(candidate) {
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"edge %s -> %s would close a cycle", src, dst)
	}

	g.edges = append(g.edges, candidate)
	delete(dstNode.Literals, dstField)
	return nil
}

// resolve walks a dotted path to a node, descending into subgraphs.
func (g *Graph) resolve(path string) (*Node, error) {
	parts := strings.Split(path, ".")
	cur := g
	for i, p := range parts {
		if i == len(parts)-1 {
			if n, ok := cur.nodes[p]; ok {
				return n, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", path)
		}
		sub, ok := cur.subs[p]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "subgraph %q not found in path %q", p, path)
		}
		cur = sub
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", path)
}

// Node returns the node registered under name at this level.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns this level's nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.nodes[name])
	}
	return out
}

// Edges returns a copy of this level's edges.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Len returns the number of nodes at this level, not counting subgraphs.
func (g *Graph) Len() int { return len(g.nodes) }

// HasSubgraphs reports whether any subgraphs are nested at this level.
func (g *Graph) HasSubgraphs() bool { return len(g.subs) > 0 }

// Insert registers an already-expanded node whose name may carry qualified
// separators. Used by the expander when assembling concrete graphs; regular
// construction goes through AddNode.
func (g *Graph) Insert(n *Node) error {
	if _, exists := g.nodes[n.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "node %q already exists", n.Name)
	}
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
	return nil
}

// AddEdge appends an edge without structural checks. Used by the expander,
// which re-validates the assembled graph as a whole.
func (g *Graph) AddEdge(e Edge) {
	g.edges = append(g.edges, e)
}

// wouldCycle reports whether adding candidate to the flattened edge relation
// closes a cycle.
func (g *Graph) wouldCycle(candidate Edge) bool {
	flat := g.Flatten()
	flat.edges = append(flat.edges, candidate)
	_, err := flat.TopoOrder()
	return err != nil
}

// Flatten inlines nested subgraphs, renaming their nodes with a qualified
// path ("parent.child") to preserve uniqueness, and returns one flat graph.
// Flattening a flat graph yields an equivalent copy.
func (g *Graph) Flatten() *Graph {
	flat := New()
	g.flattenInto(flat, "")
	return flat
}

func (g *Graph) flattenInto(flat *Graph, prefix string) {
	for _, name := range g.order {
		n := g.nodes[name]
		c := n.Clone(qualify(prefix, name))
		flat.nodes[c.Name] = c
		flat.order = append(flat.order, c.Name)
	}
	for _, name := range g.subOrder {
		g.subs[name].flattenInto(flat, qualify(prefix, name))
	}
	for _, e := range g.edges {
		flat.edges = append(flat.edges, Edge{
			Src:       qualify(prefix, e.Src),
			SrcField:  e.SrcField,
			Dst:       qualify(prefix, e.Dst),
			DstField:  e.DstField,
			Transform: e.Transform,
		})
	}
}

func qualify(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Incoming returns the edges targeting each node of a flat graph.
func (g *Graph) Incoming() map[string][]Edge {
	in := make(map[string][]Edge, len(g.nodes))
	for _, e := range g.edges {
		in[e.Dst] = append(in[e.Dst], e)
	}
	return in
}

// Outgoing returns the edges originating at each node of a flat graph.
func (g *Graph) Outgoing() map[string][]Edge {
	out := make(map[string][]Edge, len(g.nodes))
	for _, e := range g.edges {
		out[e.Src] = append(out[e.Src], e)
	}
	return out
}

// TopoOrder returns node names of the flattened graph in topological order,
// ties broken by insertion order. Returns CYCLE_DETECTED when the edge
// relation contains a cycle.
func (g *Graph) TopoOrder() ([]string, error) {
	flat := g
	if len(g.subs) > 0 {
		flat = g.Flatten()
	}

	index := make(map[string]int, len(flat.order))
	for i, name := range flat.order {
		index[name] = i
	}

	inDegree := make(map[string]int, len(flat.nodes))
	dependents := make(map[string][]string, len(flat.nodes))
	for name := range flat.nodes {
		inDegree[name] = 0
	}
	for _, e := range flat.edges {
		if _, ok := flat.nodes[e.Src]; !ok {
			continue
		}
		if _, ok := flat.nodes[e.Dst]; !ok {
			continue
		}
		inDegree[e.Dst]++
		dependents[e.Src] = append(dependents[e.Src], e.Dst)
	}

	// Ready list kept sorted by insertion index for deterministic order.
	var ready []string
	for _, name := range flat.order {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	sorted := make([]string, 0, len(flat.nodes))
	for len(ready) > 0 {
		// Pop the lowest insertion index.
		best := 0
		for i := 1; i < len(ready); i++ {
			if index[ready[i]] < index[ready[best]] {
				best = i
			}
		}
		node := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		sorted = append(sorted, node)

		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(flat.nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "graph contains a cycle")
	}
	return sorted, nil
}
