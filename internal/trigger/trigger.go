package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quillworks/cascade/internal/engine"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// PipelineRunner is the interface the trigger uses to start runs. Satisfied
// by the engine.
type PipelineRunner interface {
	ExecuteDefinition(ctx context.Context, def *schema.PipelineDefinition) (*engine.RunResult, error)
}

// Trigger polls the store for registered pipelines whose cron schedule is due
// and re-runs them. Because every run goes through the fingerprint cache, a
// scheduled re-run of an unchanged pipeline is cheap: all nodes come back
// cached.
type Trigger struct {
	store  store.Store
	runner PipelineRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // pipeline names currently executing (dedup)
}

// New creates a Trigger.
func New(s store.Store, runner PipelineRunner, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop with a 60s ticker.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return fmt.Errorf("trigger already started")
	}

	trigCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.loop(trigCtx)
	t.logger.Info("trigger started")
	return nil
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	t.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick checks every enabled pipeline and runs those that are due.
func (t *Trigger) Tick(ctx context.Context) {
	pipelines, err := t.store.ListPipelines(ctx)
	if err != nil {
		t.logger.Error("failed to list pipelines", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, p := range pipelines {
		if !p.Enabled || p.Cron == "" {
			continue
		}
		if p.NextRunAt == nil || !p.NextRunAt.After(now) {
			if !t.tryAcquire(p.Name) {
				continue // already running (dedup)
			}
			if err := t.runPipeline(ctx, p, now); err != nil {
				t.logger.Error("failed to run scheduled pipeline",
					slog.String("pipeline", p.Name),
					slog.String("error", err.Error()),
				)
			}
			t.release(p.Name)
		}
	}
}

// runPipeline starts one scheduled run and records the outcome.
func (t *Trigger) runPipeline(ctx context.Context, p *store.Pipeline, now time.Time) error {
	t.logger.Info("running scheduled pipeline", slog.String("pipeline", p.Name))

	res, err := t.runner.ExecuteDefinition(ctx, &p.Definition)
	update := store.PipelineUpdate{LastRunAt: &now}
	if err != nil {
		update.LastRunStatus = "error"
		t.logger.Error("scheduled pipeline run failed",
			slog.String("pipeline", p.Name),
			slog.String("error", err.Error()),
		)
	} else {
		update.LastRunID = res.RunID
		update.LastRunStatus = string(res.Status)
	}

	nextRun, nerr := t.CalculateNextRun(p.Cron, now)
	if nerr != nil {
		return fmt.Errorf("calculate next run for pipeline %q: %w", p.Name, nerr)
	}
	update.NextRunAt = &nextRun

	return t.store.UpdatePipeline(ctx, p.Name, update)
}

// tryAcquire returns true and marks the pipeline as in-flight if it is not
// already running.
func (t *Trigger) tryAcquire(name string) bool {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	if _, ok := t.inflight[name]; ok {
		return false
	}
	t.inflight[name] = struct{}{}
	return true
}

func (t *Trigger) release(name string) {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	delete(t.inflight, name)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (t *Trigger) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := t.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the trigger.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return nil
	}

	t.cancel()
	<-t.done
	t.cancel = nil
	t.done = nil

	t.logger.Info("trigger stopped")
	return nil
}

// RecoverMissed runs once, at startup, every enabled pipeline whose
// next_run_at already passed while the process was down.
func (t *Trigger) RecoverMissed(ctx context.Context) error {
	pipelines, err := t.store.ListPipelines(ctx)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, p := range pipelines {
		if !p.Enabled || p.Cron == "" {
			continue
		}
		if p.NextRunAt != nil && p.NextRunAt.Before(now) {
			if !t.tryAcquire(p.Name) {
				continue
			}
			if err := t.runPipeline(ctx, p, now); err != nil {
				t.logger.Error("failed to recover missed pipeline",
					slog.String("pipeline", p.Name),
					slog.String("error", err.Error()),
				)
				t.release(p.Name)
				continue
			}
			t.release(p.Name)
			recovered++
		}
	}

	if recovered > 0 {
		t.logger.Info("recovered missed pipelines", slog.Int("count", recovered))
	}
	return nil
}
