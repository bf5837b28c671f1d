package graph

import (
	"testing"

	"github.com/quillworks/cascade/pkg/schema"
)

// --- helpers ---

func simpleNode(name string) *Node {
	n := NewNode(name, "noop")
	n.AddInput(schema.FieldSpec{Name: "in", Type: schema.TypeString})
	n.AddOutput(schema.FieldSpec{Name: "out", Type: schema.TypeString})
	return n
}

func mustAdd(t *testing.T, g *Graph, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("AddNode(%s): %v", n.Name, err)
		}
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	if got := schema.CodeOf(err); got != code {
		t.Fatalf("expected code %s, got %s: %v", code, got, err)
	}
}

// --- AddNode ---

func TestAddNodeDuplicate(t *testing.T) {
	g := New()
	mustAdd(t, g, simpleNode("a"))
	assertCode(t, g.AddNode(simpleNode("a")), schema.ErrCodeDuplicateName)
}

func TestAddNodeReservedSeparator(t *testing.T) {
	g := New()
	assertCode(t, g.AddNode(simpleNode("a.b")), schema.ErrCodeValidation)
}

func TestAddNodeDefaultsResources(t *testing.T) {
	g := New()
	n := simpleNode("a")
	n.Resources = schema.ResourceHint{}
	mustAdd(t, g, n)
	if n.Resources.Threads != 1 || n.Resources.MemoryGB != 1 {
		t.Errorf("expected default hint 1/1, got %+v", n.Resources)
	}
}

func TestAddNodeUnknownIterableField(t *testing.T) {
	g := New()
	n := simpleNode("a")
	n.AddIterable("missing", []any{1, 2})
	assertCode(t, g.AddNode(n), schema.ErrCodeValidation)
}

// --- Connect ---

func TestConnectClearsLiteral(t *testing.T) {
	g := New()
	a, b := simpleNode("a"), simpleNode("b")
	b.SetLiteral("in", "static")
	mustAdd(t, g, a, b)

	if err := g.Connect("a", "out", "b", "in"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, ok := b.Literals["in"]; ok {
		t.Error("connection must clear the destination literal")
	}
}

func TestConnectTypeMismatch(t *testing.T) {
	g := New()
	a := NewNode("a", "noop")
	a.AddOutput(schema.FieldSpec{Name: "out", Type: schema.TypeString})
	b := NewNode("b", "noop")
	b.AddInput(schema.FieldSpec{Name: "in", Type: schema.TypeInt})
	mustAdd(t, g, a, b)

	assertCode(t, g.Connect("a", "out", "b", "in"), schema.ErrCodeTypeMismatch)
	if len(g.Edges()) != 0 {
		t.Error("failed Connect must not leave a partial edge")
	}
}

func TestConnectIntWidensToFloat(t *testing.T) {
	g := New()
	a := NewNode("a", "noop")
	a.AddOutput(schema.FieldSpec{Name: "out", Type: schema.TypeInt})
	b := NewNode("b", "noop")
	b.AddInput(schema.FieldSpec{Name: "in", Type: schema.TypeFloat})
	mustAdd(t, g, a, b)

	if err := g.Connect("a", "out", "b", "in"); err != nil {
		t.Fatalf("int -> float should connect: %v", err)
	}
}

func TestConnectDuplicateDestination(t *testing.T) {
	g := New()
	a, b, c := simpleNode("a"), simpleNode("b"), simpleNode("c")
	mustAdd(t, g, a, b, c)

	if err := g.Connect("a", "out", "c", "in"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	assertCode(t, g.Connect("b", "out", "c", "in"), schema.ErrCodeDuplicateName)
}

func TestConnectFanInAllowsMultiple(t *testing.T) {
	g := New()
	a, b := simpleNode("a"), simpleNode("b")
	merge := NewNode("merge", "noop")
	merge.AddInput(schema.FieldSpec{Name: "parts", Type: schema.TypeList, FanIn: true})
	mustAdd(t, g, a, b, merge)

	if err := g.Connect("a", "out", "merge", "parts"); err != nil {
		t.Fatalf("first fan-in edge: %v", err)
	}
	if err := g.Connect("b", "out", "merge", "parts"); err != nil {
		t.Fatalf("second fan-in edge: %v", err)
	}
}

func TestConnectCycleRejectedNoPartialMutation(t *testing.T) {
	g := New()
	a, b, c := simpleNode("a"), simpleNode("b"), simpleNode("c")
	a.SetLiteral("in", "seed") // must survive the failed Connect below
	mustAdd(t, g, a, b, c)

	if err := g.Connect("a", "out", "b", "in"); err != nil {
		t.Fatalf("Connect a->b: %v", err)
	}
	if err := g.Connect("b", "out", "c", "in"); err != nil {
		t.Fatalf("Connect b->c: %v", err)
	}

	edgesBefore := len(g.Edges())
	assertCode(t, g.Connect("c", "out", "a", "in"), schema.ErrCodeCycleDetected)
	if len(g.Edges()) != edgesBefore {
		t.Error("failed Connect must not mutate the edge set")
	}
	if _, ok := a.Literals["in"]; !ok {
		t.Error("failed Connect must not clear the destination literal")
	}
}

func TestConnectUnknownNode(t *testing.T) {
	g := New()
	mustAdd(t, g, simpleNode("a"))
	assertCode(t, g.Connect("a", "out", "ghost", "in"), schema.ErrCodeNotFound)
}

// --- nesting ---

func TestSubgraphFlattenQualifiesNames(t *testing.T) {
	inner := New()
	mustAdd(t, inner, simpleNode("x"), simpleNode("y"))
	if err := inner.Connect("x", "out", "y", "in"); err != nil {
		t.Fatalf("inner Connect: %v", err)
	}

	outer := New()
	mustAdd(t, outer, simpleNode("pre"))
	if err := outer.AddSubgraph(inner, "sub"); err != nil {
		t.Fatalf("AddSubgraph: %v", err)
	}
	if err := outer.Connect("pre", "out", "sub.x", "in"); err != nil {
		t.Fatalf("Connect into subgraph: %v", err)
	}

	flat := outer.Flatten()
	for _, want := range []string{"pre", "sub.x", "sub.y"} {
		if _, ok := flat.Node(want); !ok {
			t.Errorf("flattened graph missing %q", want)
		}
	}
	if flat.HasSubgraphs() {
		t.Error("flattened graph must have no subgraphs")
	}
	order, err := flat.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("expected 3 nodes in order, got %v", order)
	}
}

func TestCrossSubgraphCycleDetected(t *testing.T) {
	inner := New()
	mustAdd(t, inner, simpleNode("x"))

	outer := New()
	mustAdd(t, outer, simpleNode("a"))
	if err := outer.AddSubgraph(inner, "sub"); err != nil {
		t.Fatalf("AddSubgraph: %v", err)
	}
	if err := outer.Connect("a", "out", "sub.x", "in"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	assertCode(t, outer.Connect("sub.x", "out", "a", "in"), schema.ErrCodeCycleDetected)
}

// --- topological order ---

func TestTopoOrderInsertionTieBreak(t *testing.T) {
	g := New()
	mustAdd(t, g, simpleNode("c"), simpleNode("a"), simpleNode("b"))

	order, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("TopoOrder: %v", err)
	}
	// No edges: insertion order wins, not lexical order.
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// --- Validate ---

func TestValidateReportsAllViolations(t *testing.T) {
	g := New()
	a := NewNode("a", "noop")
	a.AddInput(schema.FieldSpec{Name: "ref", Type: schema.TypeFile, Mandatory: true})
	a.AddInput(schema.FieldSpec{Name: "threads", Type: schema.TypeInt, Mandatory: true})
	a.AddOutput(schema.FieldSpec{Name: "out", Type: schema.TypeString})
	mustAdd(t, g, a)

	violations := g.Validate()
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d: %v", len(violations), violations)
	}
	for _, v := range violations {
		assertCode(t, v, schema.ErrCodeUnresolvedInput)
	}
}

func TestValidateMandatorySatisfiedByDefaultAndLiteral(t *testing.T) {
	g := New()
	a := NewNode("a", "noop")
	a.AddInput(schema.FieldSpec{Name: "x", Type: schema.TypeInt, Mandatory: true, Default: 4})
	a.AddInput(schema.FieldSpec{Name: "y", Type: schema.TypeString, Mandatory: true})
	a.SetLiteral("y", "v")
	mustAdd(t, g, a)

	if violations := g.Validate(); len(violations) != 0 {
		t.Errorf("expected no violations, got %v", violations)
	}
}

func TestValidateEmptyIterable(t *testing.T) {
	g := New()
	a := simpleNode("a")
	a.AddIterable("in", nil)
	mustAdd(t, g, a)
	violations := g.Validate()
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %v", violations)
	}
	assertCode(t, violations[0], schema.ErrCodeValidation)
}

// --- FromDefinition ---

func TestFromDefinition(t *testing.T) {
	def := &schema.PipelineDefinition{
		Name: "demo",
		Nodes: []schema.NodeDefinition{
			{
				Name:    "fetch",
				Runner:  "fetch",
				Outputs: []schema.FieldSpec{{Name: "path", Type: schema.TypeFile}},
			},
			{
				Name:   "digest",
				Runner: "digest",
				Inputs: []schema.FieldSpec{{Name: "path", Type: schema.TypeFile, Mandatory: true}},
			},
		},
		Edges: []schema.EdgeDefinition{
			{Src: "fetch", SrcField: "path", Dst: "digest", DstField: "path"},
		},
	}
	g, err := FromDefinition(def)
	if err != nil {
		t.Fatalf("FromDefinition: %v", err)
	}
	if g.Len() != 2 || len(g.Edges()) != 1 {
		t.Errorf("unexpected graph shape: %d nodes, %d edges", g.Len(), len(g.Edges()))
	}
	if violations := g.Validate(); len(violations) != 0 {
		t.Errorf("expected valid graph, got %v", violations)
	}
}
