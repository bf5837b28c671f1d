package engine

import (
	"context"

	"github.com/quillworks/cascade/internal/graph"
)

// task is one ready node handed to an execution strategy.
type task struct {
	node        *graph.Node
	inputs      map[string]any
	fingerprint string
	seq         int
}

// taskResult reports a finished task back to the coordinator.
type taskResult struct {
	task       *task
	outputs    map[string]any
	err        error
	durationMs int64
}

// taskRunner executes one task to completion. Implemented by the engine.
type taskRunner func(ctx context.Context, t *task) (map[string]any, int64, error)

// dispatcher is the strategy seam: the coordinator feeds it ready tasks and
// blocks on wait until at least one outstanding unit of work changed state.
type dispatcher interface {
	// dispatch accepts a ready task. It may execute synchronously or queue
	// the task for asynchronous execution.
	dispatch(ctx context.Context, t *task) error

	// wait returns the next completed task. Calling wait with no outstanding
	// work is a coordinator bug.
	wait(ctx context.Context) (*taskResult, error)

	// outstanding reports how many dispatched tasks have not been returned
	// by wait yet.
	outstanding() int
}

// serialDispatcher executes each task synchronously in the coordinator,
// one at a time in topological order.
type serialDispatcher struct {
	run     taskRunner
	pending []*taskResult
}

func newSerialDispatcher(run taskRunner) *serialDispatcher {
	return &serialDispatcher{run: run}
}

func (d *serialDispatcher) dispatch(ctx context.Context, t *task) error {
	outputs, duration, err := d.run(ctx, t)
	d.pending = append(d.pending, &taskResult{task: t, outputs: outputs, err: err, durationMs: duration})
	return nil
}

func (d *serialDispatcher) wait(ctx context.Context) (*taskResult, error) {
	if len(d.pending) == 0 {
		return nil, ctx.Err()
	}
	res := d.pending[0]
	d.pending = d.pending[1:]
	return res, nil
}

func (d *serialDispatcher) outstanding() int {
	return len(d.pending)
}
