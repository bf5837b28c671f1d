package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/cascade/internal/expand"
	"github.com/quillworks/cascade/internal/expressions"
	"github.com/quillworks/cascade/internal/fingerprint"
	"github.com/quillworks/cascade/internal/graph"
	"github.com/quillworks/cascade/internal/logging"
	"github.com/quillworks/cascade/internal/runner"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// StrategyKind selects how ready nodes are executed.
type StrategyKind string

const (
	StrategySerial StrategyKind = "serial"
	StrategyLocal  StrategyKind = "local"
	StrategyBatch  StrategyKind = "batch"
)

// FailurePolicy is the run-wide reaction to a node failure.
type FailurePolicy string

const (
	// ContinueOnError marks only the failed node's downstream cone as
	// skipped; unrelated branches keep running.
	ContinueOnError FailurePolicy = "continue"

	// StopOnFirstFailure halts scheduling as soon as any node fails.
	StopOnFirstFailure FailurePolicy = "stop"
)

// Config holds engine-wide execution configuration. There is deliberately no
// process-global state; everything is threaded through here.
type Config struct {
	Strategy      StrategyKind
	FailurePolicy FailurePolicy

	// Local-parallel strategy.
	Budget     Budget
	OverBudget OverBudgetMode

	// Batch strategy.
	PollInterval     time.Duration
	GracePeriod      time.Duration
	SchedulingWindow time.Duration
}

// Engine is the run coordinator: it expands a template graph, walks the
// concrete graph in dependency order, consults the fingerprint manager for
// each node, and dispatches stale nodes to the configured strategy.
type Engine struct {
	cfg      Config
	store    store.Store
	events   EventAppender
	ws       *store.Workspace
	fp       *fingerprint.Manager
	registry *runner.Registry
	batch    BatchSystem
	runFSM   *RunFSM
	nodeFSM  *NodeFSM
	guards   *expressions.ExprEngine
	cel      *expressions.CELEngine
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an Engine. batch may be nil unless cfg.Strategy is StrategyBatch.
func New(cfg Config, st store.Store, events EventAppender, ws *store.Workspace, fp *fingerprint.Manager, reg *runner.Registry, batch BatchSystem, logger *slog.Logger) (*Engine, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySerial
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = ContinueOnError
	}
	if cfg.Strategy == StrategyBatch && batch == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "batch strategy requires a batch system")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		events:   events,
		ws:       ws,
		fp:       fp,
		registry: reg,
		batch:    batch,
		runFSM:   NewRunFSM(events),
		nodeFSM:  NewNodeFSM(events),
		guards:   expressions.NewExprEngine(),
		cel:      cel,
		logger:   logger,
	}, nil
}

// NodeResult summarizes the outcome of a single concrete node.
type NodeResult struct {
	NodeID     string           `json:"node_id"`
	State      schema.NodeState `json:"state"`
	Outputs    map[string]any   `json:"outputs,omitempty"`
	Error      *schema.Error    `json:"error,omitempty"`
	Cached     bool             `json:"cached,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

// RunResult is returned by Execute with the run outcome.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Status      schema.RunState        `json:"status"`
	Nodes       map[string]*NodeResult `json:"nodes"`
	Error       *schema.Error          `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Executed returns the ids of nodes that actually ran (neither cached nor
// skipped).
func (r *RunResult) Executed() []string {
	var ids []string
	for id, n := range r.Nodes {
		if n.State == schema.NodeStateDone || n.State == schema.NodeStateFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExecuteDefinition builds the graph from a pipeline definition and runs it.
func (e *Engine) ExecuteDefinition(ctx context.Context, def *schema.PipelineDefinition) (*RunResult, error) {
	g, err := graph.FromDefinition(def)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, def.Name, g)
}

// Execute expands the template graph and runs the resulting concrete graph.
// Structural and expansion errors abort before any node executes.
func (e *Engine) Execute(ctx context.Context, pipeline string, g *graph.Graph) (*RunResult, error) {
	concrete, err := expand.Expand(g)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.cancels == nil {
		e.cancels = make(map[string]context.CancelFunc)
	}
	e.cancels[runID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, runID)
		e.mu.Unlock()
	}()

	now := time.Now().UTC()
	run := &store.Run{ID: runID, Pipeline: pipeline, Status: schema.RunStatePending, Strategy: string(e.cfg.Strategy), CreatedAt: now}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := e.ws.SaveGraphSnapshot(runID, snapshotDefinition(pipeline, concrete)); err != nil {
		return nil, err
	}
	if err := e.runFSM.Transition(ctx, runID, schema.RunStatePending, schema.RunStateActive); err != nil {
		return nil, err
	}
	active := schema.RunStateActive
	_ = e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &active, StartedAt: &now})

	e.logger.InfoContext(ctx, "run started",
		"pipeline", pipeline, "strategy", string(e.cfg.Strategy), "nodes", concrete.Len())

	result := e.schedule(runCtx, runID, concrete)
	result.RunID = runID
	result.StartedAt = now
	result.CompletedAt = time.Now().UTC()

	if err := e.runFSM.Transition(ctx, runID, schema.RunStateActive, result.Status); err != nil {
		e.logger.WarnContext(ctx, "finalize run", "error", err)
	}
	update := store.RunUpdate{Status: &result.Status, CompletedAt: &result.CompletedAt}
	if result.Error != nil {
		if data, err := json.Marshal(result.Error); err == nil {
			update.Error = data
		}
	}
	_ = e.store.UpdateRun(ctx, runID, update)

	e.logger.InfoContext(ctx, "run finished", "status", string(result.Status))
	return result, nil
}

// Cancel aborts a running execution. Pending nodes become permanently skipped.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.cancels[runID]
	if ok {
		cancel()
	}
	return ok
}

// schedule walks the concrete graph. It owns all scheduling state; worker
// goroutines touch nothing but their own task.
func (e *Engine) schedule(ctx context.Context, runID string, concrete *graph.Graph) *RunResult {
	result := &RunResult{Nodes: make(map[string]*NodeResult)}

	order, err := concrete.TopoOrder()
	if err != nil {
		result.Status = schema.RunStateFailed
		result.Error = schema.Convert(err)
		return result
	}

	incoming := concrete.Incoming()
	outgoing := concrete.Outgoing()

	for _, id := range order {
		result.Nodes[id] = &NodeResult{NodeID: id, State: schema.NodeStatePending}
	}

	indeg := make(map[string]int, len(order))
	for _, id := range order {
		indeg[id] = len(incoming[id])
	}
	var ready []string
	for _, id := range order {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}

	outputs := make(map[string]map[string]any)
	disp := e.newDispatcher(runID)
	seq := 0
	stopped := false

	release := func(id string) {
		for _, edge := range outgoing[id] {
			indeg[edge.Dst]--
			if indeg[edge.Dst] == 0 && result.Nodes[edge.Dst].State == schema.NodeStatePending {
				ready = append(ready, edge.Dst)
			}
		}
	}

	fail := func(id string, err error, duration int64, inputs map[string]any) {
		nr := result.Nodes[id]
		nr.State = schema.NodeStateFailed
		nr.Error = schema.Convert(err).WithNode(id)
		nr.DurationMs = duration
		if result.Error == nil {
			result.Error = nr.Error
		}

		payload, _ := json.Marshal(nr.Error)
		if ferr := e.nodeFSM.Transition(ctx, runID, id, schema.NodeStateRunning, schema.NodeStateFailed, payload); ferr != nil {
			e.logger.WarnContext(ctx, "record node failure", "node_id", id, "error", ferr)
		}
		inputsRaw, _ := json.Marshal(inputs)
		e.writeCrash(ctx, runID, id, inputsRaw, payload)

		if e.cfg.FailurePolicy == StopOnFirstFailure {
			stopped = true
		} else {
			e.skipCone(ctx, runID, id, outgoing, result)
		}
	}

	for {
		for len(ready) > 0 && !stopped && ctx.Err() == nil {
			id := ready[0]
			ready = ready[1:]
			node, _ := concrete.Node(id)
			nr := result.Nodes[id]

			if node.Gather {
				e.runGather(ctx, runID, node, incoming[id], outputs, nr)
				if nr.State == schema.NodeStateDone {
					release(id)
				}
				continue
			}

			inputs, rerr := e.resolveInputs(node, incoming[id], outputs)
			if rerr != nil {
				// Running first so the failure transition is legal.
				_ = e.nodeFSM.Transition(ctx, runID, id, schema.NodeStatePending, schema.NodeStateRunning, nil)
				nr.State = schema.NodeStateRunning
				fail(id, rerr, 0, nil)
				continue
			}

			if node.When != "" {
				pass, gerr := e.guards.EvaluateBool(ctx, node.When, inputs)
				if gerr != nil {
					_ = e.nodeFSM.Transition(ctx, runID, id, schema.NodeStatePending, schema.NodeStateRunning, nil)
					nr.State = schema.NodeStateRunning
					fail(id, gerr, 0, inputs)
					continue
				}
				if !pass {
					e.skipNode(ctx, runID, id, result)
					e.skipCone(ctx, runID, id, outgoing, result)
					continue
				}
			}

			decision, rec, fp, ferr := e.fp.ShouldRun(ctx, id, inputs)
			if ferr != nil {
				e.logger.WarnContext(ctx, "cache lookup failed, treating node as stale",
					"node_id", id, "error", ferr)
			}
			if decision == fingerprint.DecisionCached {
				var cached map[string]any
				if len(rec.Outputs) > 0 {
					_ = json.Unmarshal(rec.Outputs, &cached)
				}
				nr.State = schema.NodeStateCached
				nr.Cached = true
				nr.Outputs = cached
				outputs[id] = cached
				_ = e.nodeFSM.Transition(ctx, runID, id, schema.NodeStatePending, schema.NodeStateCached, rec.Outputs)
				release(id)
				continue
			}

			if terr := e.nodeFSM.Transition(ctx, runID, id, schema.NodeStatePending, schema.NodeStateRunning, nil); terr != nil {
				fail(id, terr, 0, inputs)
				continue
			}
			nr.State = schema.NodeStateRunning

			seq++
			if derr := disp.dispatch(ctx, &task{node: node, inputs: inputs, fingerprint: fp, seq: seq}); derr != nil {
				fail(id, derr, 0, inputs)
			}
		}

		if disp.outstanding() == 0 || ctx.Err() != nil {
			break
		}

		res, werr := disp.wait(ctx)
		if werr != nil {
			break
		}
		id := res.task.node.Name
		nr := result.Nodes[id]
		if res.err != nil {
			fail(id, res.err, res.durationMs, res.task.inputs)
			continue
		}

		nr.State = schema.NodeStateDone
		nr.Outputs = res.outputs
		nr.DurationMs = res.durationMs
		outputs[id] = res.outputs
		payload := outputsJSON(res.outputs)
		_ = e.nodeFSM.Transition(ctx, runID, id, schema.NodeStateRunning, schema.NodeStateDone, payload)
		e.persistRecord(ctx, runID, res)
		release(id)
	}

	if ctx.Err() != nil {
		if bd, ok := disp.(*batchDispatcher); ok {
			cancelCtx, cancelDone := context.WithTimeout(context.Background(), 10*time.Second)
			bd.cancelAll(cancelCtx)
			cancelDone()
		}
		for _, id := range order {
			if result.Nodes[id].State == schema.NodeStatePending {
				e.skipNode(context.WithoutCancel(ctx), runID, id, result)
			}
		}
		result.Status = schema.RunStateCancelled
		if result.Error == nil {
			result.Error = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		}
		return result
	}

	if stopped {
		for _, id := range order {
			e.skipNode(ctx, runID, id, result)
		}
	}

	if result.Error != nil {
		result.Status = schema.RunStateFailed
	} else {
		result.Status = schema.RunStateDone
	}
	return result
}

func (e *Engine) newDispatcher(runID string) dispatcher {
	switch e.cfg.Strategy {
	case StrategyLocal:
		return newLocalDispatcher(e.runTask(runID), e.cfg.Budget, e.cfg.OverBudget, e.logger)
	case StrategyBatch:
		return newBatchDispatcher(e.batch, e.ws, runID, e.cfg.PollInterval, e.cfg.GracePeriod, e.cfg.SchedulingWindow, e.logger)
	default:
		return newSerialDispatcher(e.runTask(runID))
	}
}

// runTask returns the task body shared by the serial and local strategies:
// validate against the runner's schema, then execute in the node's exclusive
// working directory.
func (e *Engine) runTask(runID string) taskRunner {
	return func(ctx context.Context, t *task) (map[string]any, int64, error) {
		ctx = logging.WithNodeID(ctx, t.node.Name)

		rn, err := e.registry.Get(t.node.Runner)
		if err != nil {
			return nil, 0, err
		}
		workDir, err := e.ws.NodeDir(t.node.Name)
		if err != nil {
			return nil, 0, err
		}
		// Runners see absolute paths; everything persisted stays relative to
		// the workspace root so the result tree can be relocated.
		resolved := e.ws.AbsolutizeValues(t.inputs)
		if err := rn.Validate(resolved); err != nil {
			return nil, 0, err
		}

		e.logger.DebugContext(ctx, "node running", "runner", t.node.Runner)
		start := time.Now()
		outputs, err := rn.Execute(ctx, resolved, workDir)
		duration := time.Since(start).Milliseconds()
		if err != nil {
			return nil, duration, err
		}
		return e.ws.RelativizeValues(outputs), duration, nil
	}
}

// runGather collects the per-clone values arriving on a gather node's fan-in
// inputs into list outputs. Gather nodes run inline in the coordinator.
func (e *Engine) runGather(ctx context.Context, runID string, node *graph.Node, in []graph.Edge, outputs map[string]map[string]any, nr *NodeResult) {
	gathered := make(map[string]any, len(node.Outputs))
	for _, edge := range in {
		src, ok := outputs[edge.Src]
		if !ok {
			continue
		}
		list, _ := gathered[edge.DstField].([]any)
		gathered[edge.DstField] = append(list, src[edge.SrcField])
	}

	_ = e.nodeFSM.Transition(ctx, runID, node.Name, schema.NodeStatePending, schema.NodeStateRunning, nil)
	nr.State = schema.NodeStateDone
	nr.Outputs = gathered
	outputs[node.Name] = gathered
	_ = e.nodeFSM.Transition(ctx, runID, node.Name, schema.NodeStateRunning, schema.NodeStateDone, outputsJSON(gathered))
}

// resolveInputs assembles a node's full input mapping: declared defaults,
// literals, then values arriving over edges (connection wins). Fan-in fields
// collect every incoming value into a list in connection order. Edge
// transforms run through CEL with the carried value bound as "value".
func (e *Engine) resolveInputs(node *graph.Node, in []graph.Edge, outputs map[string]map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(node.Inputs))
	for _, spec := range node.Inputs {
		if spec.Default != nil {
			inputs[spec.Name] = spec.Default
		}
	}
	for field, value := range node.Literals {
		inputs[field] = value
	}

	for _, edge := range in {
		src, ok := outputs[edge.Src]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedInput,
				"input %q depends on %s which produced no outputs", edge.DstField, edge.Src).
				WithNode(node.Name)
		}
		value, ok := src[edge.SrcField]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvedInput,
				"upstream %s produced no output field %q", edge.Src, edge.SrcField).
				WithNode(node.Name)
		}

		if edge.Transform != "" {
			transformed, err := e.cel.Evaluate(context.Background(), edge.Transform, map[string]any{
				"value":  value,
				"inputs": inputs,
				"node":   map[string]any{"id": node.Name, "combo": node.Combo},
			})
			if err != nil {
				return nil, err
			}
			value = transformed
		}

		if spec, ok := node.Input(edge.DstField); ok && spec.FanIn {
			list, _ := inputs[edge.DstField].([]any)
			inputs[edge.DstField] = append(list, value)
		} else {
			inputs[edge.DstField] = value
		}
	}

	for _, spec := range node.Inputs {
		if spec.Mandatory {
			if _, ok := inputs[spec.Name]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeUnresolvedInput,
					"mandatory input %q is neither connected nor assigned", spec.Name).
					WithNode(node.Name)
			}
		}
	}
	return inputs, nil
}

// persistRecord writes the completed node's record to the workspace and the
// index. The record keeps the resolved inputs so fingerprints can be
// recomputed later without re-executing.
func (e *Engine) persistRecord(ctx context.Context, runID string, res *taskResult) {
	rec := &store.ExecutionRecord{
		NodeID:      res.task.node.Name,
		RunID:       runID,
		Runner:      res.task.node.Runner,
		Fingerprint: res.task.fingerprint,
		Success:     true,
		DurationMs:  res.durationMs,
		CreatedAt:   time.Now().UTC(),
	}
	if data, err := json.Marshal(res.task.inputs); err == nil {
		rec.Inputs = data
	}
	if data, err := json.Marshal(res.outputs); err == nil {
		rec.Outputs = data
	}

	if err := e.ws.WriteRecord(rec.NodeID, rec); err != nil {
		e.logger.WarnContext(ctx, "write record", "node_id", rec.NodeID, "error", err)
	}
	if err := e.ws.WriteFingerprint(rec.NodeID, rec.Fingerprint); err != nil {
		e.logger.WarnContext(ctx, "write fingerprint", "node_id", rec.NodeID, "error", err)
	}
	if err := e.store.PutRecord(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "index record", "node_id", rec.NodeID, "error", err)
	}
}

// writeCrash persists a crash record. Every non-cached transition to Failed
// produces one.
func (e *Engine) writeCrash(ctx context.Context, runID, nodeID string, inputs, detail json.RawMessage) {
	crash := &store.CrashRecord{
		RunID:     runID,
		NodeID:    nodeID,
		Inputs:    inputs,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.PutCrash(ctx, crash); err != nil {
		e.logger.WarnContext(ctx, "write crash record", "node_id", nodeID, "error", err)
	}
}

// skipNode marks one pending node skipped.
func (e *Engine) skipNode(ctx context.Context, runID, id string, result *RunResult) {
	nr := result.Nodes[id]
	if nr.State != schema.NodeStatePending {
		return
	}
	nr.State = schema.NodeStateSkipped
	_ = e.nodeFSM.Transition(ctx, runID, id, schema.NodeStatePending, schema.NodeStateSkipped, nil)
}

// skipCone marks the entire downstream cone of id as skipped.
func (e *Engine) skipCone(ctx context.Context, runID, id string, outgoing map[string][]graph.Edge, result *RunResult) {
	queue := []string{id}
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, edge := range outgoing[cur] {
			if seen[edge.Dst] {
				continue
			}
			seen[edge.Dst] = true
			e.skipNode(ctx, runID, edge.Dst, result)
			queue = append(queue, edge.Dst)
		}
	}
}

// snapshotDefinition serializes a concrete graph for the per-run snapshot.
func snapshotDefinition(pipeline string, g *graph.Graph) schema.PipelineDefinition {
	def := schema.PipelineDefinition{Name: pipeline}
	for _, n := range g.Nodes() {
		res := n.Resources
		def.Nodes = append(def.Nodes, schema.NodeDefinition{
			Name:      n.Name,
			Runner:    n.Runner,
			Inputs:    n.Inputs,
			Outputs:   n.Outputs,
			Resources: &res,
			Literals:  n.Literals,
			When:      n.When,
		})
	}
	for _, edge := range g.Edges() {
		def.Edges = append(def.Edges, schema.EdgeDefinition{
			Src: edge.Src, SrcField: edge.SrcField,
			Dst: edge.Dst, DstField: edge.DstField,
			Transform: edge.Transform,
		})
	}
	return def
}

func outputsJSON(outputs map[string]any) json.RawMessage {
	if outputs == nil {
		return nil
	}
	data, err := json.Marshal(map[string]any{"outputs": outputs})
	if err != nil {
		return nil
	}
	return data
}
