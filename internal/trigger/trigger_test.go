package trigger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/cascade/internal/engine"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	err     error
	status  schema.RunState
	started chan string
	release chan struct{}
}

func (f *fakeRunner) ExecuteDefinition(ctx context.Context, def *schema.PipelineDefinition) (*engine.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, def.Name)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- def.Name
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = schema.RunStateDone
	}
	return &engine.RunResult{RunID: "run-" + def.Name, Status: status}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func savePipeline(t *testing.T, s *store.LibSQLStore, name, cronExpr string, enabled bool, next *time.Time) {
	t.Helper()
	require.NoError(t, s.SavePipeline(context.Background(), &store.Pipeline{
		Name:       name,
		Definition: schema.PipelineDefinition{Name: name},
		Cron:       cronExpr,
		Enabled:    enabled,
		NextRunAt:  next,
	}))
}

func past(t *testing.T) *time.Time {
	t.Helper()
	ts := time.Now().UTC().Add(-time.Minute)
	return &ts
}

func future(t *testing.T) *time.Time {
	t.Helper()
	ts := time.Now().UTC().Add(time.Hour)
	return &ts
}

func TestTickRunsDuePipeline(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	tr := New(s, runner, nil)

	savePipeline(t, s, "due", "*/5 * * * *", true, past(t))

	tr.Tick(context.Background())

	assert.Equal(t, 1, runner.callCount())

	p, err := s.GetPipeline(context.Background(), "due")
	require.NoError(t, err)
	assert.Equal(t, "run-due", p.LastRunID)
	assert.Equal(t, string(schema.RunStateDone), p.LastRunStatus)
	require.NotNil(t, p.LastRunAt)
	require.NotNil(t, p.NextRunAt)
	assert.True(t, p.NextRunAt.After(time.Now().UTC()), "next run must be rescheduled into the future")
}

func TestTickRunsPipelineWithNoNextRunYet(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	tr := New(s, runner, nil)

	// Freshly registered pipelines have no next_run_at; they fire on the
	// first tick and get one assigned.
	savePipeline(t, s, "fresh", "0 3 * * *", true, nil)

	tr.Tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
	p, err := s.GetPipeline(context.Background(), "fresh")
	require.NoError(t, err)
	require.NotNil(t, p.NextRunAt)
}

func TestTickSkipsDisabledAndNotDue(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	tr := New(s, runner, nil)

	savePipeline(t, s, "disabled", "* * * * *", false, past(t))
	savePipeline(t, s, "not-due", "* * * * *", true, future(t))
	savePipeline(t, s, "no-cron", "", true, past(t))

	tr.Tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
}

func TestTickRecordsRunnerError(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{err: errors.New("engine unavailable")}
	tr := New(s, runner, nil)

	savePipeline(t, s, "flaky", "* * * * *", true, past(t))

	tr.Tick(context.Background())

	p, err := s.GetPipeline(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, "error", p.LastRunStatus)
	require.NotNil(t, p.NextRunAt, "a failed run still reschedules")
}

func TestInFlightPipelineIsNotDoubleStarted(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{started: make(chan string, 1), release: make(chan struct{})}
	tr := New(s, runner, nil)

	savePipeline(t, s, "slow", "* * * * *", true, past(t))

	go tr.Tick(context.Background())
	<-runner.started

	// Second tick while the first run is still executing.
	tr.Tick(context.Background())
	close(runner.release)

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount())
}

func TestRecoverMissedRunsOverduePipelines(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	tr := New(s, runner, nil)

	savePipeline(t, s, "missed", "* * * * *", true, past(t))
	savePipeline(t, s, "upcoming", "* * * * *", true, future(t))

	require.NoError(t, tr.RecoverMissed(context.Background()))

	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, []string{"missed"}, runner.calls)
}

func TestCalculateNextRun(t *testing.T) {
	tr := New(newTestStore(t), &fakeRunner{}, nil)

	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := tr.CalculateNextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next)

	_, err = tr.CalculateNextRun("not a cron", from)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	s := newTestStore(t)
	tr := New(s, &fakeRunner{}, nil)

	require.NoError(t, tr.Start(context.Background()))
	require.Error(t, tr.Start(context.Background()), "second start must be rejected")
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop(), "stop is idempotent")
}
