package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(Deps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(Deps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"cascade.run",
		"cascade.status",
		"cascade.define",
		"cascade.query",
		"cascade.graph",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "cascade.run", "Execute a registered pipeline"},
		{"status", "cascade.status", "Get run status with per-node states replayed from the event log"},
		{"define", "cascade.define", "Register or replace a pipeline definition, optionally with a cron trigger"},
		{"query", "cascade.query", "Query runs, records, crashes, or pipelines, or jq-filter a node's cached outputs"},
		{"graph", "cascade.graph", "Render a registered pipeline as a Mermaid flowchart, optionally expanded and with a run's status overlay"},
	}

	s := NewServer(Deps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
