package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"github.com/quillworks/cascade/pkg/schema"
)

// Budget bounds the local-parallel strategy: the sum of resource hints of
// concurrently running nodes never exceeds it.
type Budget struct {
	Procs    int
	MemoryGB float64
}

// DefaultBudget is used when no budget is configured.
var DefaultBudget = Budget{Procs: 4, MemoryGB: 8}

// OverBudgetMode decides what happens when a single node's hint exceeds the
// whole budget, so it could never be dispatched.
type OverBudgetMode string

const (
	// OverBudgetFail rejects the run.
	OverBudgetFail OverBudgetMode = "fail"

	// OverBudgetWarn logs one warning and runs the node with the budget to
	// itself.
	OverBudgetWarn OverBudgetMode = "warn"
)

// taskQueue is a priority queue of ready tasks, ordered by descending memory
// hint, then descending threads hint, then dispatch order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	ri, rj := q[i].node.Resources, q[j].node.Resources
	if ri.MemoryGB != rj.MemoryGB {
		return ri.MemoryGB > rj.MemoryGB
	}
	if ri.Threads != rj.Threads {
		return ri.Threads > rj.Threads
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// localDispatcher runs tasks in parallel worker goroutines under a resource
// budget. Queue and budget accounting are guarded by one mutex; completions
// flow back over a channel so the coordinator blocks only on state changes.
type localDispatcher struct {
	run        taskRunner
	budget     Budget
	overBudget OverBudgetMode
	logger     *slog.Logger

	mu          sync.Mutex
	queue       taskQueue
	usedProcs   int
	usedMem     float64
	inFlight    int
	undelivered int

	results chan *taskResult
}

func newLocalDispatcher(run taskRunner, budget Budget, mode OverBudgetMode, logger *slog.Logger) *localDispatcher {
	if budget.Procs <= 0 {
		budget.Procs = DefaultBudget.Procs
	}
	if budget.MemoryGB <= 0 {
		budget.MemoryGB = DefaultBudget.MemoryGB
	}
	if mode == "" {
		mode = OverBudgetFail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &localDispatcher{
		run:        run,
		budget:     budget,
		overBudget: mode,
		logger:     logger,
		results:    make(chan *taskResult),
	}
}

func (d *localDispatcher) dispatch(ctx context.Context, t *task) error {
	r := t.node.Resources
	if r.Threads > d.budget.Procs || r.MemoryGB > d.budget.MemoryGB {
		if d.overBudget == OverBudgetFail {
			return schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"node %s needs (threads=%d, memory_gb=%g) but the budget is (procs=%d, memory_gb=%g)",
				t.node.Name, r.Threads, r.MemoryGB, d.budget.Procs, d.budget.MemoryGB).
				WithNode(t.node.Name)
		}
		d.logger.Warn("node exceeds total budget, running it alone",
			"node_id", t.node.Name, "threads", r.Threads, "memory_gb", r.MemoryGB)
	}

	d.mu.Lock()
	heap.Push(&d.queue, t)
	d.undelivered++
	d.pumpLocked(ctx)
	d.mu.Unlock()
	return nil
}

// pumpLocked launches queued tasks while the head fits the remaining budget.
// An over-budget node (warn mode) fits only an otherwise idle dispatcher.
func (d *localDispatcher) pumpLocked(ctx context.Context) {
	for d.queue.Len() > 0 {
		head := d.queue[0]
		r := head.node.Resources
		fits := d.usedProcs+r.Threads <= d.budget.Procs && d.usedMem+r.MemoryGB <= d.budget.MemoryGB
		if !fits {
			if d.inFlight == 0 && d.overBudget == OverBudgetWarn {
				fits = true
			} else {
				return
			}
		}

		t := heap.Pop(&d.queue).(*task)
		d.usedProcs += r.Threads
		d.usedMem += r.MemoryGB
		d.inFlight++

		go func(t *task) {
			outputs, duration, err := d.run(ctx, t)
			select {
			case d.results <- &taskResult{task: t, outputs: outputs, err: err, durationMs: duration}:
			case <-ctx.Done():
			}
		}(t)
	}
}

func (d *localDispatcher) wait(ctx context.Context) (*taskResult, error) {
	select {
	case res := <-d.results:
		d.mu.Lock()
		r := res.task.node.Resources
		d.usedProcs -= r.Threads
		d.usedMem -= r.MemoryGB
		d.inFlight--
		d.undelivered--
		d.pumpLocked(ctx)
		d.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *localDispatcher) outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.undelivered
}
