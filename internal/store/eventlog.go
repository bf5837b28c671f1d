package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillworks/cascade/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction. Force write lock
	// acquisition up front so concurrent appenders cannot interleave the
	// sequence read and the insert.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayEvents replays all events for a run and returns the reconstructed node states.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*NodeStateView, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*NodeStateView)
	if len(events) == 0 {
		return states, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		nv, ok := states[e.NodeID]
		if !ok {
			nv = &NodeStateView{
				RunID:  runID,
				NodeID: e.NodeID,
				Status: schema.NodeStatePending,
			}
			states[e.NodeID] = nv
		}

		switch e.Type {
		case schema.EventNodeRunning:
			nv.Status = schema.NodeStateRunning
			ts := e.Timestamp
			nv.StartedAt = &ts
		case schema.EventNodeCached:
			nv.Status = schema.NodeStateCached
			nv.Outputs = eventOutputs(e.Payload)
			ts := e.Timestamp
			nv.CompletedAt = &ts
		case schema.EventNodeDone:
			nv.Status = schema.NodeStateDone
			nv.Outputs = eventOutputs(e.Payload)
			ts := e.Timestamp
			nv.CompletedAt = &ts
		case schema.EventNodeFailed:
			nv.Status = schema.NodeStateFailed
			nv.Error = e.Payload
			ts := e.Timestamp
			nv.CompletedAt = &ts
		case schema.EventNodeSkipped:
			nv.Status = schema.NodeStateSkipped
			ts := e.Timestamp
			nv.CompletedAt = &ts
		}
	}
	return states, nil
}

// eventOutputs extracts the "outputs" field from an event payload, if present.
func eventOutputs(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var wrapper struct {
		Outputs json.RawMessage `json:"outputs"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil || len(wrapper.Outputs) == 0 {
		return nil
	}
	return wrapper.Outputs
}
