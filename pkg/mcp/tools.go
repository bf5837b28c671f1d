package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/robfig/cron/v3"

	"github.com/quillworks/cascade/internal/diagram"
	"github.com/quillworks/cascade/internal/expand"
	"github.com/quillworks/cascade/internal/graph"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// handleRun executes a registered pipeline.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}

	p, getErr := s.store.GetPipeline(ctx, name)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline lookup failed: %v", getErr)), nil
	}

	result, runErr := s.runner.ExecuteDefinition(ctx, &p.Definition)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline execution failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleStatus returns a run and its per-node states replayed from the event log.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", getErr)), nil
	}

	nodes, replayErr := s.events.ReplayEvents(ctx, runID)
	if replayErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event replay failed: %v", replayErr)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"nodes": nodes,
	})
}

// handleDefine validates and stores a pipeline definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal to get a proper PipelineDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.PipelineDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	def.Name = name

	// Reject definitions that would fail at run time: build, then expand, so
	// structural problems like fan-out length mismatches surface here.
	g, buildErr := graph.FromDefinition(&def)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", buildErr)), nil
	}
	if _, expandErr := expand.Expand(g); expandErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", expandErr)), nil
	}

	cronExpr := req.GetString("cron", "")
	if cronExpr != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, parseErr := parser.Parse(cronExpr); parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", parseErr)), nil
		}
	}

	now := time.Now().UTC()
	p := &store.Pipeline{
		Name:       name,
		Definition: def,
		Cron:       cronExpr,
		Enabled:    req.GetString("enabled", "true") != "false",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if saveErr := s.store.SavePipeline(ctx, p); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store pipeline: %v", saveErr)), nil
	}

	return marshalResult(map[string]any{
		"name":  name,
		"nodes": len(def.Nodes),
		"cron":  cronExpr,
	})
}

// handleQuery lists runs, records, crashes, or pipelines, or filters a node's
// cached outputs with a jq expression.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "records":
		return s.queryRecords(ctx, filter)
	case "crashes":
		return s.queryCrashes(ctx, filter)
	case "pipelines":
		return s.queryPipelines(ctx)
	case "outputs":
		return s.queryOutputs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleGraph renders a registered pipeline as a Mermaid flowchart.
func (s *Server) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("pipeline")
	if err != nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}

	p, getErr := s.store.GetPipeline(ctx, name)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline lookup failed: %v", getErr)), nil
	}

	g, buildErr := graph.FromDefinition(&p.Definition)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph build failed: %v", buildErr)), nil
	}

	runID := req.GetString("run_id", "")
	// A run executes the expanded graph, so the overlay needs expanded names.
	if req.GetString("expanded", "false") == "true" || runID != "" {
		g, buildErr = expand.Expand(g)
		if buildErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("expansion failed: %v", buildErr)), nil
		}
	}

	var states map[string]*store.NodeStateView
	if runID != "" {
		states, err = s.events.ReplayEvents(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event replay failed: %v", err)), nil
		}
	}

	return mcp.NewToolResultText(diagram.RenderMermaid(name, g, states)), nil
}

// --- Query helpers ---

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if pipeline, ok := filter["pipeline"].(string); ok {
		rf.Pipeline = pipeline
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunState(status)
		rf.Status = &rs
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryRecords(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, ok := filter["run_id"].(string)
	if !ok || runID == "" {
		return mcp.NewToolResultError("record query requires 'run_id' in filter"), nil
	}
	records, err := s.store.ListRecords(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"records": records})
}

func (s *Server) queryCrashes(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, ok := filter["run_id"].(string)
	if !ok || runID == "" {
		return mcp.NewToolResultError("crash query requires 'run_id' in filter"), nil
	}
	crashes, err := s.store.ListCrashes(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"crashes": crashes})
}

func (s *Server) queryPipelines(ctx context.Context) (*mcp.CallToolResult, error) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"pipelines": pipelines})
}

func (s *Server) queryOutputs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	node, ok := filter["node"].(string)
	if !ok || node == "" {
		return mcp.NewToolResultError("output query requires 'node' in filter"), nil
	}
	expression := "."
	if expr, ok := filter["expression"].(string); ok && expr != "" {
		expression = expr
	}

	rec, err := s.store.GetRecord(ctx, node)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("no record for node %q: %v", node, err)), nil
	}

	outputs := map[string]any{}
	if len(rec.Outputs) > 0 {
		if err := json.Unmarshal(rec.Outputs, &outputs); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stored outputs are not an object: %v", err)), nil
		}
	}

	values, evalErr := s.jq.EvaluateAll(ctx, expression, outputs)
	if evalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("jq evaluation failed: %v", evalErr)), nil
	}

	return marshalResult(map[string]any{
		"node":   node,
		"values": values,
	})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
