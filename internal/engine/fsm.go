package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and executes a run state transition, emitting the
// corresponding event. The caller persists the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !schema.RunTransitionAllowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{RunID: runID, Type: eventType}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func runEventType(to schema.RunState) string {
	switch to {
	case schema.RunStateActive:
		return schema.EventRunStarted
	case schema.RunStateDone:
		return schema.EventRunCompleted
	case schema.RunStateFailed:
		return schema.EventRunFailed
	case schema.RunStateCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Node FSM ---

// NodeFSM manages node lifecycle state transitions.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

// Transition validates and executes a node state transition, emitting the
// corresponding event with the given payload.
func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeState, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !schema.NodeTransitionAllowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := nodeEventType(to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{RunID: runID, NodeID: nodeID, Type: eventType, Payload: payload}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func nodeEventType(to schema.NodeState) string {
	switch to {
	case schema.NodeStateRunning:
		return schema.EventNodeRunning
	case schema.NodeStateCached:
		return schema.EventNodeCached
	case schema.NodeStateDone:
		return schema.EventNodeDone
	case schema.NodeStateFailed:
		return schema.EventNodeFailed
	case schema.NodeStateSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}
