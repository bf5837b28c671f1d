package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillworks/cascade/internal/diagram"
	"github.com/quillworks/cascade/internal/engine"
	"github.com/quillworks/cascade/internal/expand"
	"github.com/quillworks/cascade/internal/expressions"
	"github.com/quillworks/cascade/internal/fingerprint"
	"github.com/quillworks/cascade/internal/graph"
	"github.com/quillworks/cascade/internal/logging"
	"github.com/quillworks/cascade/internal/runner"
	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/internal/trigger"
	"github.com/quillworks/cascade/pkg/mcp"
	"github.com/quillworks/cascade/pkg/schema"
)

const usage = `cascade - cached workflow execution engine

Usage:
  cascade run <pipeline.json> [flags]    execute a pipeline
  cascade exec-job [flags]               run one batch job (worker side)
  cascade rehash                         recompute stored fingerprints
  cascade status [-run <id>]             show runs or one run's node states
  cascade query <node> <jq-expr>         query a node's stored outputs
  cascade graph <pipeline.json> [flags]  render a pipeline as a Mermaid flowchart
  cascade schedule <pipeline.json> [flags]  register a pipeline (optionally with cron)
  cascade serve                          run the cron trigger loop
  cascade mcp                            serve pipeline tools over MCP stdio
  cascade version                        print version
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	var err error
	switch args[0] {
	case "run":
		err = cmdRun(cfg, logger, args[1:])
	case "exec-job":
		err = cmdExecJob(cfg, logger, args[1:])
	case "rehash":
		err = cmdRehash(cfg, logger)
	case "status":
		err = cmdStatus(cfg, logger, args[1:])
	case "query":
		err = cmdQuery(cfg, logger, args[1:])
	case "graph":
		err = cmdGraph(cfg, logger, args[1:])
	case "schedule":
		err = cmdSchedule(cfg, logger, args[1:])
	case "serve":
		err = cmdServe(cfg, logger)
	case "mcp":
		err = cmdMCP(cfg, logger)
	case "version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// stack bundles the persistent collaborators every command needs.
type stack struct {
	ws       *store.Workspace
	store    *store.LibSQLStore
	events   *store.EventLog
	fp       *fingerprint.Manager
	registry *runner.Registry
}

func openStack(cfg Config, logger *slog.Logger) (*stack, error) {
	ws, err := store.NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	st, err := store.NewLibSQLStore(ws.DBPath())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	policy := fingerprint.Policy(cfg.FilePolicy)
	if !fingerprint.ValidPolicy(policy) {
		policy = fingerprint.PolicyContent
	}
	registry := runner.NewRegistry()
	if err := registry.Register(runner.NewHTTPRunner(runner.HTTPConfig{})); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &stack{
		ws:       ws,
		store:    st,
		events:   store.NewEventLog(st),
		fp:       fingerprint.NewManager(policy, st, ws, logger),
		registry: registry,
	}, nil
}

func (s *stack) close() { _ = s.store.Close() }

func engineConfig(cfg Config) engine.Config {
	return engine.Config{
		Strategy:         engine.StrategyKind(cfg.Strategy),
		FailurePolicy:    engine.FailurePolicy(cfg.FailurePolicy),
		Budget:           engine.Budget{Procs: cfg.Procs, MemoryGB: cfg.MemoryGB},
		OverBudget:       engine.OverBudgetMode(cfg.OverBudget),
		PollInterval:     time.Duration(cfg.PollIntervalSec) * time.Second,
		GracePeriod:      time.Duration(cfg.GracePeriodSec) * time.Second,
		SchedulingWindow: time.Duration(cfg.SchedulingWindowSec) * time.Second,
	}
}

func loadPipeline(path string) (*schema.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.PipelineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	return &def, nil
}

// execSpec is the wire form of an exec runner declared inline in a node's
// config block.
type execSpec struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	InputSchema json.RawMessage   `json:"input_schema"`
	OutputFiles map[string]string `json:"output_files"`
	TimeoutSec  int               `json:"timeout_sec"`
}

// registerRunners walks the definition (including subgraphs) and registers an
// exec runner for every node carrying an inline config block.
func registerRunners(reg *runner.Registry, def *schema.PipelineDefinition) error {
	for _, nd := range def.Nodes {
		if len(nd.Config) == 0 {
			continue
		}
		if _, err := reg.Get(nd.Runner); err == nil {
			continue
		}
		var spec execSpec
		if err := json.Unmarshal(nd.Config, &spec); err != nil {
			return fmt.Errorf("node %s: parse runner config: %w", nd.Name, err)
		}
		rn := runner.NewExecRunner(runner.ExecConfig{
			Name:        nd.Runner,
			Command:     spec.Command,
			Args:        spec.Args,
			Env:         spec.Env,
			InputSchema: spec.InputSchema,
			OutputFiles: spec.OutputFiles,
			Timeout:     time.Duration(spec.TimeoutSec) * time.Second,
		})
		if err := reg.Register(rn); err != nil {
			return err
		}
	}
	for _, sd := range def.Subgraphs {
		if err := registerRunners(reg, &sd.Pipeline); err != nil {
			return err
		}
	}
	return nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	strategy := fs.String("strategy", cfg.Strategy, "execution strategy: serial, local or batch")
	stopOnFailure := fs.Bool("stop-on-failure", cfg.FailurePolicy == "stop", "halt the run on the first node failure")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run: expected exactly one pipeline file")
	}
	path := fs.Arg(0)

	def, err := loadPipeline(path)
	if err != nil {
		return err
	}

	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	if err := registerRunners(s.registry, def); err != nil {
		return err
	}

	cfg.Strategy = *strategy
	if *stopOnFailure {
		cfg.FailurePolicy = "stop"
	}
	ecfg := engineConfig(cfg)

	var batch engine.BatchSystem
	if ecfg.Strategy == engine.StrategyBatch {
		batch = newProcBatch(path, logger)
	}

	eng, err := engine.New(ecfg, s.store, s.events, s.ws, s.fp, s.registry, batch, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := graph.FromDefinition(def)
	if err != nil {
		return err
	}
	res, err := eng.Execute(ctx, def.Name, g)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	if res.Status != schema.RunStateDone {
		return fmt.Errorf("run %s finished with status %s", res.RunID, res.Status)
	}
	return nil
}

func cmdExecJob(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("exec-job", flag.ExitOnError)
	pipelinePath := fs.String("pipeline", "", "pipeline file declaring the runners")
	specPath := fs.String("spec", "", "job spec file written by the submitter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pipelinePath == "" || *specPath == "" {
		return fmt.Errorf("exec-job: -pipeline and -spec are required")
	}

	def, err := loadPipeline(*pipelinePath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*specPath)
	if err != nil {
		return err
	}
	var spec engine.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parse job spec: %w", err)
	}

	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()
	if err := registerRunners(s.registry, def); err != nil {
		return err
	}

	return engine.ExecuteJob(context.Background(), s.registry, s.ws, spec)
}

func cmdRehash(cfg Config, logger *slog.Logger) error {
	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	changed, err := s.fp.Rehash(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("rehash complete: %d fingerprint(s) updated\n", changed)
	return nil
}

func cmdStatus(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run", "", "show node states for one run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()

	if *runID != "" {
		states, err := s.events.ReplayEvents(ctx, *runID)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(states, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	runs, err := s.store.ListRuns(ctx, store.RunFilter{Limit: 50})
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  %-12s  %-10s  %s\n", r.ID, r.Pipeline, r.Status, r.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func cmdQuery(cfg Config, logger *slog.Logger, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("query: expected <node> <jq-expr>")
	}
	nodeID, expr := args[0], args[1]

	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	rec, err := s.store.GetRecord(context.Background(), nodeID)
	if err != nil {
		return err
	}
	var outputs map[string]any
	if len(rec.Outputs) > 0 {
		if err := json.Unmarshal(rec.Outputs, &outputs); err != nil {
			return err
		}
	}

	jq := expressions.NewGoJQEngine()
	results, err := jq.EvaluateAll(context.Background(), expr, outputs)
	if err != nil {
		return err
	}
	for _, r := range results {
		out, _ := json.Marshal(r)
		fmt.Println(string(out))
	}
	return nil
}

func cmdGraph(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	expanded := fs.Bool("expanded", false, "render the expanded concrete graph")
	runID := fs.String("run", "", "overlay node states from a past run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("graph: expected exactly one pipeline file")
	}

	def, err := loadPipeline(fs.Arg(0))
	if err != nil {
		return err
	}
	g, err := graph.FromDefinition(def)
	if err != nil {
		return err
	}
	if *expanded || *runID != "" {
		if g, err = expand.Expand(g); err != nil {
			return err
		}
	}

	var states map[string]*store.NodeStateView
	if *runID != "" {
		s, err := openStack(cfg, logger)
		if err != nil {
			return err
		}
		defer s.close()
		if states, err = s.events.ReplayEvents(context.Background(), *runID); err != nil {
			return err
		}
	}

	fmt.Print(diagram.RenderMermaid(def.Name, g, states))
	return nil
}

func cmdSchedule(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	cronExpr := fs.String("cron", "", "cron expression (empty registers without a trigger)")
	disabled := fs.Bool("disabled", false, "register the pipeline disabled")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("schedule: expected exactly one pipeline file")
	}

	def, err := loadPipeline(fs.Arg(0))
	if err != nil {
		return err
	}
	if def.Name == "" {
		return fmt.Errorf("schedule: pipeline has no name")
	}

	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	p := &store.Pipeline{
		Name:       def.Name,
		Definition: *def,
		Cron:       *cronExpr,
		Enabled:    !*disabled,
	}
	if err := s.store.SavePipeline(context.Background(), p); err != nil {
		return err
	}
	fmt.Printf("pipeline %q registered\n", def.Name)
	return nil
}

func cmdServe(cfg Config, logger *slog.Logger) error {
	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	// Scheduled runs execute with the configured defaults; runners come from
	// the stored definitions' config blocks at run time.
	eng, err := engine.New(engineConfig(cfg), s.store, s.events, s.ws, s.fp, s.registry, nil, logger)
	if err != nil {
		return err
	}

	tr := trigger.New(s.store, &registeringRunner{engine: eng, registry: s.registry}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tr.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed pipelines", slog.String("error", err.Error()))
	}
	if err := tr.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return tr.Stop()
}

func cmdMCP(cfg Config, logger *slog.Logger) error {
	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	eng, err := engine.New(engineConfig(cfg), s.store, s.events, s.ws, s.fp, s.registry, nil, logger)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.Deps{
		Runner: &registeringRunner{engine: eng, registry: s.registry},
		Store:  s.store,
		Events: s.events,
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stdout carries the MCP transport; all logging goes to stderr.
	return srv.Serve(ctx)
}

// registeringRunner registers a pipeline's inline runners before handing the
// definition to the engine.
type registeringRunner struct {
	engine   *engine.Engine
	registry *runner.Registry
}

func (r *registeringRunner) ExecuteDefinition(ctx context.Context, def *schema.PipelineDefinition) (*engine.RunResult, error) {
	if err := registerRunners(r.registry, def); err != nil {
		return nil, err
	}
	return r.engine.ExecuteDefinition(ctx, def)
}
