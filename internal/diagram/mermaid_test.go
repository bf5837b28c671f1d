package diagram

import (
	"strings"
	"testing"

	"github.com/quillworks/cascade/internal/graph"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()

	align := graph.NewNode("align", "bwa")
	align.AddOutput(schema.FieldSpec{Name: "bam", Type: schema.TypeFile})
	if err := g.AddNode(align); err != nil {
		t.Fatal(err)
	}

	call := graph.NewNode("call", "caller")
	call.AddInput(schema.FieldSpec{Name: "bam", Type: schema.TypeFile})
	call.When = "coverage > 10"
	if err := g.AddNode(call); err != nil {
		t.Fatal(err)
	}

	if err := g.Connect("align", "bam", "call", "bam"); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestRenderMermaidShapes(t *testing.T) {
	out := RenderMermaid("demo", buildGraph(t), nil)

	if !strings.HasPrefix(out, "graph TD\n") {
		t.Fatalf("missing header:\n%s", out)
	}
	if !strings.Contains(out, `align["align (bwa)"]`) {
		t.Errorf("plain node should render as rectangle:\n%s", out)
	}
	if !strings.Contains(out, `call{"call (caller)"}`) {
		t.Errorf("guarded node should render as diamond:\n%s", out)
	}
	if !strings.Contains(out, "align -->|bam| call") {
		t.Errorf("edge with matching fields should use the field as label:\n%s", out)
	}
}

func TestRenderMermaidStatusOverlay(t *testing.T) {
	states := map[string]*store.NodeStateView{
		"align": {NodeID: "align", Status: schema.NodeStateCached},
		"call":  {NodeID: "call", Status: schema.NodeStateFailed},
	}
	out := RenderMermaid("", buildGraph(t), states)

	if !strings.Contains(out, "class align cached") {
		t.Errorf("cached class missing:\n%s", out)
	}
	if !strings.Contains(out, "class call failed") {
		t.Errorf("failed class missing:\n%s", out)
	}
}

func TestSafeIDSanitizesExpandedNames(t *testing.T) {
	cases := map[string]string{
		"align#0.1":    "align_0_1",
		"mapper@2":     "mapper_2",
		"sub.inner":    "sub_inner",
		"plain_name9":  "plain_name9",
		"mapper.gather": "mapper_gather",
	}
	for in, want := range cases {
		if got := safeID(in); got != want {
			t.Errorf("safeID(%q) = %q, want %q", in, got, want)
		}
	}
}
