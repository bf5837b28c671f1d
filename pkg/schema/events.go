package schema

// Event types for the run event log. Run-level events carry no node ID.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"

	EventNodeRunning = "node.running"
	EventNodeCached  = "node.cached"
	EventNodeDone    = "node.done"
	EventNodeFailed  = "node.failed"
	EventNodeSkipped = "node.skipped"

	EventJobSubmitted = "batch.submitted"
	EventJobEvicted   = "batch.evicted"
)
