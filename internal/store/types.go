package store

import (
	"encoding/json"
	"time"

	"github.com/quillworks/cascade/pkg/schema"
)

// Run is the persisted representation of a pipeline execution.
type Run struct {
	ID          string          `json:"id"`
	Pipeline    string          `json:"pipeline"`
	Status      schema.RunState `json:"status"`
	Strategy    string          `json:"strategy"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunUpdate carries the mutable fields of a run. Nil pointers are left untouched.
type RunUpdate struct {
	Status      *schema.RunState
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Pipeline string
	Status   *schema.RunState
	Limit    int
}

// ExecutionRecord captures one completed node execution. The latest record for a
// node id wins; earlier records for the same id are overwritten on upsert.
type ExecutionRecord struct {
	NodeID      string          `json:"node_id"`
	RunID       string          `json:"run_id"`
	Runner      string          `json:"runner"`
	Fingerprint string          `json:"fingerprint"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
	Success     bool            `json:"success"`
	Error       json.RawMessage `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CrashRecord captures an abnormal node termination with enough context to
// diagnose it after the run is gone.
type CrashRecord struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows event queries by type.
type EventFilter struct {
	RunID string
	Since time.Time
	Limit int
}

// NodeStateView is the state of a single node reconstructed from the event log.
type NodeStateView struct {
	RunID       string           `json:"run_id"`
	NodeID      string           `json:"node_id"`
	Status      schema.NodeState `json:"status"`
	Outputs     json.RawMessage  `json:"outputs,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Pipeline is a registered pipeline definition, optionally with a cron trigger.
type Pipeline struct {
	Name          string                    `json:"name"`
	Definition    schema.PipelineDefinition `json:"definition"`
	Cron          string                    `json:"cron,omitempty"`
	Enabled       bool                      `json:"enabled"`
	LastRunID     string                    `json:"last_run_id,omitempty"`
	LastRunStatus string                    `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time                `json:"next_run_at,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// PipelineUpdate carries the mutable fields of a registered pipeline.
type PipelineUpdate struct {
	Enabled       *bool
	Cron          *string
	LastRunID     string
	LastRunStatus string
	LastRunAt     *time.Time
	NextRunAt     *time.Time
}
