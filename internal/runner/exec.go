package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/quillworks/cascade/pkg/schema"
)

const (
	defaultExecTimeout   = 30 * time.Minute
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
	stderrTailSize       = 4 * 1024
)

// ExecConfig describes a command-line runner.
type ExecConfig struct {
	Name        string
	Description string

	// Command and Args build the invocation. Occurrences of "{field}" in Args
	// are substituted with the resolved input field's value.
	Command string
	Args    []string
	Env     map[string]string

	InputSchema json.RawMessage

	// OutputFiles maps a declared output field to a path, relative to the
	// node's working directory, that the command is expected to produce.
	OutputFiles map[string]string

	Timeout       time.Duration
	MaxOutputSize int64
}

// ExecRunner runs an external command inside the node's working directory.
// Stdout and stderr are captured to log files next to the node's artifacts.
type ExecRunner struct {
	cfg ExecConfig
}

// NewExecRunner builds a command-line runner from cfg.
func NewExecRunner(cfg ExecConfig) *ExecRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &ExecRunner{cfg: cfg}
}

func (e *ExecRunner) Name() string { return e.cfg.Name }

func (e *ExecRunner) Schema() Schema {
	return Schema{InputSchema: e.cfg.InputSchema, Description: e.cfg.Description}
}

func (e *ExecRunner) Validate(inputs map[string]any) error {
	return ValidateInputs(e.cfg.InputSchema, inputs)
}

func (e *ExecRunner) Execute(ctx context.Context, inputs map[string]any, workDir string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := make([]string, len(e.cfg.Args))
	for i, a := range e.cfg.Args {
		args[i] = substitute(a, inputs)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range e.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr limitedBuffer
	stdout.limit = e.cfg.MaxOutputSize
	stderr.limit = e.cfg.MaxOutputSize
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Keep the captured streams with the node's artifacts regardless of outcome.
	_ = os.WriteFile(filepath.Join(workDir, "stdout.log"), stdout.buf.Bytes(), 0o644)
	_ = os.WriteFile(filepath.Join(workDir, "stderr.log"), stderr.buf.Bytes(), 0o644)

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"%s timed out after %s", e.cfg.Name, e.cfg.Timeout).
				WithDetails(map[string]any{"command": e.cfg.Command, "timeout": e.cfg.Timeout.String()})
		}
		exitCode := -1
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"%s failed with exit code %d", e.cfg.Name, exitCode).
			WithCause(runErr).
			WithDetails(map[string]any{
				"command":   e.cfg.Command,
				"exit_code": exitCode,
				"stderr":    tail(stderr.buf.Bytes(), stderrTailSize),
			})
	}

	outputs := map[string]any{
		"stdout":      strings.TrimRight(stdout.buf.String(), "\n"),
		"duration_ms": duration.Milliseconds(),
	}
	for field, rel := range e.cfg.OutputFiles {
		path := filepath.Join(workDir, rel)
		if _, err := os.Stat(path); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"%s completed but declared output %q is missing at %s", e.cfg.Name, field, rel).
				WithCause(err)
		}
		outputs[field] = schema.FileRef{Path: path}
	}
	return outputs, nil
}

// substitute replaces "{field}" placeholders in an argument template.
func substitute(arg string, inputs map[string]any) string {
	if !strings.Contains(arg, "{") {
		return arg
	}
	for field, value := range inputs {
		arg = strings.ReplaceAll(arg, "{"+field+"}", formatValue(value))
	}
	return arg
}

// formatValue renders an input value as a command-line argument.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case schema.FileRef:
		return x.Path
	case *schema.FileRef:
		return x.Path
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = formatValue(el)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// limitedBuffer keeps at most limit bytes, discarding the excess silently.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.limit - int64(l.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

var _ Runner = (*ExecRunner)(nil)
