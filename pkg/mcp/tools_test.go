package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/cascade/internal/engine"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	pipelines []*store.Pipeline
	runs      []*store.Run
	records   []*store.ExecutionRecord
	crashes   []*store.CrashRecord
	saved     []*store.Pipeline
}

func (m *mockStore) GetPipeline(_ context.Context, name string) (*store.Pipeline, error) {
	for _, p := range m.pipelines {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "pipeline not found")
}

func (m *mockStore) SavePipeline(_ context.Context, p *store.Pipeline) error {
	m.saved = append(m.saved, p)
	m.pipelines = append(m.pipelines, p)
	return nil
}

func (m *mockStore) ListPipelines(_ context.Context) ([]*store.Pipeline, error) {
	return m.pipelines, nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "run not found")
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.Pipeline != "" && r.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) ListRecords(_ context.Context, runID string) ([]*store.ExecutionRecord, error) {
	result := make([]*store.ExecutionRecord, 0)
	for _, r := range m.records {
		if r.RunID == runID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *mockStore) GetRecord(_ context.Context, nodeID string) (*store.ExecutionRecord, error) {
	for _, r := range m.records {
		if r.NodeID == nodeID {
			return r, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "record not found")
}

func (m *mockStore) ListCrashes(_ context.Context, runID string) ([]*store.CrashRecord, error) {
	result := make([]*store.CrashRecord, 0)
	for _, c := range m.crashes {
		if c.RunID == runID {
			result = append(result, c)
		}
	}
	return result, nil
}

// --- Mock runner and replayer ---

type mockRunner struct {
	executed []string
	result   *engine.RunResult
	err      error
}

func (m *mockRunner) ExecuteDefinition(_ context.Context, def *schema.PipelineDefinition) (*engine.RunResult, error) {
	m.executed = append(m.executed, def.Name)
	return m.result, m.err
}

type mockReplayer struct {
	states map[string]*store.NodeStateView
	err    error
}

func (m *mockReplayer) ReplayEvents(_ context.Context, _ string) (map[string]*store.NodeStateView, error) {
	return m.states, m.err
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func copyDefinition() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{
				"name":    "produce",
				"runner":  "emit",
				"outputs": []any{map[string]any{"name": "value", "type": "int"}},
			},
			map[string]any{
				"name":   "consume",
				"runner": "copy",
				"inputs": []any{map[string]any{"name": "value", "type": "int", "mandatory": true}},
			},
		},
		"edges": []any{
			map[string]any{"src": "produce", "src_field": "value", "dst": "consume", "dst_field": "value"},
		},
	}
}

func savedPipeline(name string) *store.Pipeline {
	return &store.Pipeline{
		Name: name,
		Definition: schema.PipelineDefinition{
			Name: name,
			Nodes: []schema.NodeDefinition{
				{Name: "produce", Runner: "emit", Outputs: []schema.FieldSpec{{Name: "value", Type: schema.TypeInt}}},
				{Name: "consume", Runner: "copy", Inputs: []schema.FieldSpec{{Name: "value", Type: schema.TypeInt, Mandatory: true}}},
			},
			Edges: []schema.EdgeDefinition{
				{Src: "produce", SrcField: "value", Dst: "consume", DstField: "value"},
			},
		},
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
}

// --- Tests ---

func TestRunToolExecutesRegisteredPipeline(t *testing.T) {
	ms := &mockStore{pipelines: []*store.Pipeline{savedPipeline("etl")}}
	runner := &mockRunner{
		result: &engine.RunResult{RunID: "run-1", Status: schema.RunStateDone},
	}

	s := NewServer(Deps{Runner: runner, Store: ms})

	req := buildRequest("cascade.run", map[string]any{"pipeline": "etl"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, runner.executed, 1)
	assert.Equal(t, "etl", runner.executed[0])

	text := extractText(t, result)
	assert.Contains(t, text, "run-1")
}

func TestRunToolUnknownPipeline(t *testing.T) {
	s := NewServer(Deps{Runner: &mockRunner{}, Store: &mockStore{}})

	req := buildRequest("cascade.run", map[string]any{"pipeline": "missing"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolMissingName(t *testing.T) {
	s := NewServer(Deps{})

	req := buildRequest("cascade.run", map[string]any{})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	ms := &mockStore{runs: []*store.Run{{ID: "run-9", Pipeline: "etl", Status: schema.RunStateActive}}}
	replayer := &mockReplayer{
		states: map[string]*store.NodeStateView{
			"produce": {RunID: "run-9", NodeID: "produce", Status: schema.NodeStateDone},
		},
	}

	s := NewServer(Deps{Store: ms, Events: replayer})

	req := buildRequest("cascade.status", map[string]any{"run_id": "run-9"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "run-9")
	assert.Contains(t, text, "produce")
}

func TestStatusToolNotFound(t *testing.T) {
	s := NewServer(Deps{Store: &mockStore{}, Events: &mockReplayer{}})

	req := buildRequest("cascade.status", map[string]any{"run_id": "missing"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineToolStoresValidatedPipeline(t *testing.T) {
	ms := &mockStore{}
	s := NewServer(Deps{Store: ms})

	req := buildRequest("cascade.define", map[string]any{
		"name":       "etl",
		"definition": copyDefinition(),
		"cron":       "0 6 * * *",
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.saved, 1)
	assert.Equal(t, "etl", ms.saved[0].Name)
	assert.Equal(t, "0 6 * * *", ms.saved[0].Cron)
	assert.True(t, ms.saved[0].Enabled)
	assert.Len(t, ms.saved[0].Definition.Nodes, 2)
}

func TestDefineToolRejectsCycle(t *testing.T) {
	ms := &mockStore{}
	s := NewServer(Deps{Store: ms})

	def := copyDefinition()
	def["edges"] = []any{
		map[string]any{"src": "produce", "src_field": "value", "dst": "consume", "dst_field": "value"},
		map[string]any{"src": "consume", "src_field": "value", "dst": "produce", "dst_field": "value"},
	}

	req := buildRequest("cascade.define", map[string]any{"name": "loop", "definition": def})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.saved)
}

func TestDefineToolRejectsBadCron(t *testing.T) {
	ms := &mockStore{}
	s := NewServer(Deps{Store: ms})

	req := buildRequest("cascade.define", map[string]any{
		"name":       "etl",
		"definition": copyDefinition(),
		"cron":       "every tuesday",
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.saved)
}

func TestQueryRunsFiltersByStatus(t *testing.T) {
	ms := &mockStore{runs: []*store.Run{
		{ID: "r1", Pipeline: "etl", Status: schema.RunStateDone},
		{ID: "r2", Pipeline: "etl", Status: schema.RunStateFailed},
	}}
	s := NewServer(Deps{Store: ms})

	req := buildRequest("cascade.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "failed"},
	})

	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "r2")
	assert.NotContains(t, text, "r1")
}

func TestQueryRecordsRequiresRunID(t *testing.T) {
	s := NewServer(Deps{Store: &mockStore{}})

	req := buildRequest("cascade.query", map[string]any{"resource": "records"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryOutputsAppliesExpression(t *testing.T) {
	ms := &mockStore{records: []*store.ExecutionRecord{{
		NodeID:  "count",
		RunID:   "r1",
		Outputs: json.RawMessage(`{"bytes": 5, "path": "out.txt"}`),
	}}}
	s := NewServer(Deps{Store: ms})

	req := buildRequest("cascade.query", map[string]any{
		"resource": "outputs",
		"filter":   map[string]any{"node": "count", "expression": ".bytes"},
	})

	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Node   string `json:"node"`
		Values []any  `json:"values"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), &payload))
	assert.Equal(t, "count", payload.Node)
	require.Len(t, payload.Values, 1)
	assert.EqualValues(t, 5, payload.Values[0])
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewServer(Deps{Store: &mockStore{}})

	req := buildRequest("cascade.query", map[string]any{"resource": "secrets"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGraphToolRendersMermaid(t *testing.T) {
	ms := &mockStore{pipelines: []*store.Pipeline{savedPipeline("etl")}}
	s := NewServer(Deps{Store: ms, Events: &mockReplayer{}})

	req := buildRequest("cascade.graph", map[string]any{"pipeline": "etl"})
	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "produce")
	assert.Contains(t, text, "consume")
}

func TestGraphToolStatusOverlay(t *testing.T) {
	ms := &mockStore{pipelines: []*store.Pipeline{savedPipeline("etl")}}
	replayer := &mockReplayer{states: map[string]*store.NodeStateView{
		"produce": {NodeID: "produce", Status: schema.NodeStateDone},
		"consume": {NodeID: "consume", Status: schema.NodeStateFailed},
	}}
	s := NewServer(Deps{Store: ms, Events: replayer})

	req := buildRequest("cascade.graph", map[string]any{"pipeline": "etl", "run_id": "r1"})
	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "class produce done")
	assert.Contains(t, text, "class consume failed")
}
