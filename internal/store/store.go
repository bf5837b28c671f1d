package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Execution records (latest record per node id wins)
	PutRecord(ctx context.Context, rec *ExecutionRecord) error
	GetRecord(ctx context.Context, nodeID string) (*ExecutionRecord, error)
	ListRecords(ctx context.Context, runID string) ([]*ExecutionRecord, error)
	DeleteRecord(ctx context.Context, nodeID string) error

	// Crash records (append-only)
	PutCrash(ctx context.Context, crash *CrashRecord) error
	ListCrashes(ctx context.Context, runID string) ([]*CrashRecord, error)

	// Event log reads. Appends go through EventLog, which owns the per-run
	// sequence allocation.
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Pipelines
	SavePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, name string) (*Pipeline, error)
	UpdatePipeline(ctx context.Context, name string, update PipelineUpdate) error
	ListPipelines(ctx context.Context) ([]*Pipeline, error)
	DeletePipeline(ctx context.Context, name string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
