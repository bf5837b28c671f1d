package diagram

import (
	"fmt"
	"strings"

	"github.com/quillworks/cascade/internal/graph"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// RenderMermaid renders a graph as a Mermaid flowchart. The graph may be a
// template or an expanded concrete graph; clone names render as-is. When
// states is non-nil each known node gets a status class, so a run can be
// visualized from its replayed event log.
func RenderMermaid(title string, g *graph.Graph, states map[string]*store.NodeStateView) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", title))
	}

	for _, n := range g.Nodes() {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(n)))
	}

	for _, e := range g.Edges() {
		label := edgeLabel(e)
		if label != "" {
			b.WriteString(fmt.Sprintf("    %s -->|%s| %s\n", safeID(e.Src), label, safeID(e.Dst)))
		} else {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(e.Src), safeID(e.Dst)))
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef done fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef cached fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, n := range g.Nodes() {
		view, ok := states[n.Name]
		if !ok {
			continue
		}
		if cls := statusClass(view.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(n.Name), cls))
		}
	}

	return b.String()
}

// nodeDef returns a Mermaid node definition with a shape reflecting the
// node's role: gather nodes are double circles, guarded nodes diamonds,
// everything else a rectangle.
func nodeDef(n *graph.Node) string {
	id := safeID(n.Name)
	label := escapeLabel(nodeLabel(n))

	switch {
	case n.Gather:
		return fmt.Sprintf(`%s((("%s")))`, id, label)
	case n.When != "":
		return fmt.Sprintf(`%s{"%s"}`, id, label)
	default:
		return fmt.Sprintf(`%s["%s"]`, id, label)
	}
}

func nodeLabel(n *graph.Node) string {
	if n.Runner == "" || n.Runner == n.Name {
		return n.Name
	}
	return fmt.Sprintf("%s (%s)", n.Name, n.Runner)
}

func edgeLabel(e graph.Edge) string {
	if e.SrcField == e.DstField {
		return escapeLabel(e.SrcField)
	}
	return escapeLabel(e.SrcField + ":" + e.DstField)
}

func statusClass(s schema.NodeState) string {
	switch s {
	case schema.NodeStateDone:
		return "done"
	case schema.NodeStateCached:
		return "cached"
	case schema.NodeStateFailed:
		return "failed"
	case schema.NodeStateRunning:
		return "running"
	case schema.NodeStatePending:
		return "pending"
	case schema.NodeStateSkipped:
		return "skipped"
	default:
		return ""
	}
}

// safeID converts a node name (which may contain dots, '#' and '@' from
// expansion) into a valid Mermaid identifier.
func safeID(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
