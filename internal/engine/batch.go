package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/quillworks/cascade/internal/runner"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// JobStatus is a batch system's view of a submitted job.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"

	// JobUnknown covers silently evicted jobs. The batch system forgetting a
	// job is not a failure verdict; only the result store artifact decides.
	JobUnknown JobStatus = "unknown"
)

// JobHandle identifies a submitted job for polling and cancellation.
type JobHandle string

// JobSpec describes one node execution for submission to a batch system.
type JobSpec struct {
	RunID     string              `json:"run_id"`
	NodeID    string              `json:"node_id"`
	Runner    string              `json:"runner"`
	Inputs    map[string]any      `json:"inputs"`
	WorkDir   string              `json:"work_dir"`
	Resources schema.ResourceHint `json:"resources"`
}

// BatchSystem is the external batch-queue collaborator.
type BatchSystem interface {
	Submit(ctx context.Context, spec JobSpec) (JobHandle, error)
	Poll(ctx context.Context, handle JobHandle) (JobStatus, error)
	Cancel(ctx context.Context, handle JobHandle) error
}

// batchJob tracks one outstanding submission.
type batchJob struct {
	task        *task
	handle      JobHandle
	submittedAt time.Time

	// finishedAt is set the first time a poll reports the job itself done;
	// the grace period counts from here.
	finishedAt time.Time
}

// batchDispatcher submits ready nodes to an external batch system and detects
// completion exclusively through the result store artifact. A poll verdict of
// finished (or unknown, covering silent eviction) only starts the grace
// period that absorbs shared-filesystem propagation delay.
type batchDispatcher struct {
	system       BatchSystem
	ws           *store.Workspace
	runID        string
	pollInterval time.Duration
	gracePeriod  time.Duration
	window       time.Duration
	logger       *slog.Logger

	jobs []*batchJob
}

func newBatchDispatcher(system BatchSystem, ws *store.Workspace, runID string, pollInterval, gracePeriod, window time.Duration, logger *slog.Logger) *batchDispatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	if window <= 0 {
		window = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &batchDispatcher{
		system:       system,
		ws:           ws,
		runID:        runID,
		pollInterval: pollInterval,
		gracePeriod:  gracePeriod,
		window:       window,
		logger:       logger,
	}
}

func (d *batchDispatcher) dispatch(ctx context.Context, t *task) error {
	workDir, err := d.ws.NodeDir(t.node.Name)
	if err != nil {
		return err
	}
	handle, err := d.system.Submit(ctx, JobSpec{
		RunID:     d.runID,
		NodeID:    t.node.Name,
		Runner:    t.node.Runner,
		Inputs:    t.inputs,
		WorkDir:   workDir,
		Resources: t.node.Resources,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "submit %s: %s", t.node.Name, err.Error()).
			WithNode(t.node.Name).WithCause(err)
	}
	d.jobs = append(d.jobs, &batchJob{task: t, handle: handle, submittedAt: time.Now()})
	return nil
}

func (d *batchDispatcher) wait(ctx context.Context) (*taskResult, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if res := d.sweep(ctx); res != nil {
			return res, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// sweep polls every outstanding job once and returns the first completion.
func (d *batchDispatcher) sweep(ctx context.Context) *taskResult {
	now := time.Now()
	for i, job := range d.jobs {
		// The artifact is the sole completion signal.
		if d.ws.RecordExists(job.task.node.Name) {
			d.remove(i)
			return d.collect(job)
		}

		status, err := d.system.Poll(ctx, job.handle)
		if err != nil {
			status = JobUnknown
		}
		switch status {
		case JobFinished, JobUnknown:
			if job.finishedAt.IsZero() {
				job.finishedAt = now
				if status == JobUnknown {
					d.logger.Warn("batch job vanished, starting grace period",
						"node_id", job.task.node.Name, "handle", string(job.handle))
				}
				break
			}
			if now.Sub(job.finishedAt) > d.gracePeriod {
				d.remove(i)
				return &taskResult{task: job.task, err: schema.NewErrorf(schema.ErrCodeSchedulingTimeout,
					"job for %s reported %s but no record appeared within the %s grace period",
					job.task.node.Name, status, d.gracePeriod).WithNode(job.task.node.Name)}
			}
		default:
			if now.Sub(job.submittedAt) > d.window {
				d.remove(i)
				_ = d.system.Cancel(ctx, job.handle)
				return &taskResult{task: job.task, err: schema.NewErrorf(schema.ErrCodeSchedulingTimeout,
					"job for %s did not complete within the %s scheduling window",
					job.task.node.Name, d.window).WithNode(job.task.node.Name)}
			}
		}
	}
	return nil
}

// collect reads the record the remote worker wrote and turns it into a result.
func (d *batchDispatcher) collect(job *batchJob) *taskResult {
	rec, err := d.ws.ReadRecord(job.task.node.Name)
	if err != nil {
		return &taskResult{task: job.task, err: err}
	}
	if !rec.Success {
		execErr := schema.NewErrorf(schema.ErrCodeExecution, "node %s failed remotely", job.task.node.Name).
			WithNode(job.task.node.Name)
		if len(rec.Error) > 0 {
			execErr = execErr.WithDetails(map[string]any{"remote_error": json.RawMessage(rec.Error)})
		}
		return &taskResult{task: job.task, err: execErr, durationMs: rec.DurationMs}
	}
	var outputs map[string]any
	if len(rec.Outputs) > 0 {
		if err := json.Unmarshal(rec.Outputs, &outputs); err != nil {
			return &taskResult{task: job.task, err: err}
		}
	}
	return &taskResult{task: job.task, outputs: outputs, durationMs: rec.DurationMs}
}

func (d *batchDispatcher) remove(i int) {
	d.jobs = append(d.jobs[:i], d.jobs[i+1:]...)
}

// cancelAll issues a cancel call for every outstanding submission.
func (d *batchDispatcher) cancelAll(ctx context.Context) {
	for _, job := range d.jobs {
		if err := d.system.Cancel(ctx, job.handle); err != nil {
			d.logger.Warn("cancel batch job", "node_id", job.task.node.Name, "error", err)
		}
	}
}

func (d *batchDispatcher) outstanding() int {
	return len(d.jobs)
}

// ExecuteJob is the worker-side counterpart of the batch strategy: it runs one
// submitted node and writes the record.json artifact the dispatcher watches
// for. Batch workers (or the exec-job CLI subcommand) call this.
func ExecuteJob(ctx context.Context, reg *runner.Registry, ws *store.Workspace, spec JobSpec) error {
	rn, err := reg.Get(spec.Runner)
	if err != nil {
		return err
	}

	rec := &store.ExecutionRecord{
		NodeID:    spec.NodeID,
		RunID:     spec.RunID,
		Runner:    spec.Runner,
		CreatedAt: time.Now().UTC(),
	}
	if data, err := json.Marshal(spec.Inputs); err == nil {
		rec.Inputs = data
	}

	start := time.Now()
	var outputs map[string]any
	resolved := ws.AbsolutizeValues(spec.Inputs)
	execErr := rn.Validate(resolved)
	if execErr == nil {
		outputs, execErr = rn.Execute(ctx, resolved, spec.WorkDir)
	}
	rec.DurationMs = time.Since(start).Milliseconds()

	if execErr != nil {
		rec.Success = false
		if data, err := json.Marshal(schema.Convert(execErr)); err == nil {
			rec.Error = data
		}
	} else {
		rec.Success = true
		if data, err := json.Marshal(ws.RelativizeValues(outputs)); err == nil {
			rec.Outputs = data
		}
	}

	if err := ws.WriteRecord(spec.NodeID, rec); err != nil {
		return err
	}
	return execErr
}
