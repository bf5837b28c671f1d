package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/quillworks/cascade/internal/engine"
)

// procBatch is a batch backend that runs each job as a child `cascade
// exec-job` process. It gives the batch strategy a self-contained backend:
// completion is still detected only through the record artifact, exactly as
// with a remote queue.
type procBatch struct {
	pipelinePath string
	logger       *slog.Logger

	mu   sync.Mutex
	seq  int
	jobs map[engine.JobHandle]*procJob
}

type procJob struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func newProcBatch(pipelinePath string, logger *slog.Logger) *procBatch {
	return &procBatch{
		pipelinePath: pipelinePath,
		logger:       logger,
		jobs:         make(map[engine.JobHandle]*procJob),
	}
}

func (p *procBatch) Submit(ctx context.Context, spec engine.JobSpec) (engine.JobHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	specPath := filepath.Join(spec.WorkDir, "job.json")
	if err := os.WriteFile(specPath, data, 0o644); err != nil {
		return "", err
	}

	cmd := exec.Command(self, "exec-job", "-pipeline", p.pipelinePath, "-spec", specPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.seq++
	handle := engine.JobHandle(fmt.Sprintf("proc-%d-%s", p.seq, spec.NodeID))
	job := &procJob{cmd: cmd, done: make(chan struct{})}
	p.jobs[handle] = job
	p.mu.Unlock()

	go func() {
		if err := cmd.Wait(); err != nil {
			p.logger.Debug("batch child exited nonzero",
				slog.String("node_id", spec.NodeID), slog.String("error", err.Error()))
		}
		close(job.done)
	}()

	return handle, nil
}

func (p *procBatch) Poll(ctx context.Context, handle engine.JobHandle) (engine.JobStatus, error) {
	p.mu.Lock()
	job, ok := p.jobs[handle]
	p.mu.Unlock()
	if !ok {
		return engine.JobUnknown, nil
	}
	select {
	case <-job.done:
		return engine.JobFinished, nil
	default:
		return engine.JobRunning, nil
	}
}

func (p *procBatch) Cancel(ctx context.Context, handle engine.JobHandle) error {
	p.mu.Lock()
	job, ok := p.jobs[handle]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-job.done:
		return nil
	default:
		return job.cmd.Process.Kill()
	}
}
