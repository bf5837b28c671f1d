package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quillworks/cascade/pkg/schema"
)

// HTTPConfig configures the HTTP runner.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": true},
    "save_to": {"type": "string"}
  },
  "required": ["url"]
}`

// HTTPRunner performs an HTTP request as a workflow node. When "save_to" is
// set the response body is written to that path inside the node's working
// directory and the output carries a file reference instead of the raw body,
// so downstream file-policy fingerprinting applies.
type HTTPRunner struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPRunner creates the builtin "http" runner.
func NewHTTPRunner(cfg HTTPConfig) *HTTPRunner {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRunner{config: cfg, client: &http.Client{}}
}

func (h *HTTPRunner) Name() string { return "http" }

func (h *HTTPRunner) Schema() Schema {
	return Schema{
		Description: "Perform an HTTP request; optionally save the response body as a file artifact.",
		InputSchema: json.RawMessage(httpInputSchema),
	}
}

func (h *HTTPRunner) Validate(inputs map[string]any) error {
	rawURL := stringParam(inputs, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http: missing required input 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}
	return nil
}

func (h *HTTPRunner) Execute(ctx context.Context, inputs map[string]any, workDir string) (map[string]any, error) {
	if err := h.Validate(inputs); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(inputs, "method", "GET"))
	rawURL := stringParam(inputs, "url", "")
	failOnErrorStatus := boolParam(inputs, "fail_on_error_status", true)

	timeout := h.config.DefaultTimeout
	if ts := stringParam(inputs, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if rawBody, ok := inputs["body"]; ok && rawBody != nil {
		data, err := json.Marshal(rawBody)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "http: failed to marshal body as JSON").WithCause(err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: build request: %s", err.Error()).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: %s %s: %s", method, rawURL, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, h.config.MaxResponseBody)

	outputs := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"content_type": resp.Header.Get("Content-Type"),
	}

	if saveTo := stringParam(inputs, "save_to", ""); saveTo != "" {
		path := filepath.Join(workDir, filepath.Clean(saveTo))
		f, err := os.Create(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: create %s: %s", saveTo, err.Error()).WithCause(err)
		}
		if _, err := io.Copy(f, limited); err != nil {
			_ = f.Close()
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: write %s: %s", saveTo, err.Error()).WithCause(err)
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		outputs["file"] = schema.FileRef{Path: path}
	} else {
		data, err := io.ReadAll(limited)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: read response: %s", err.Error()).WithCause(err)
		}
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			var parsed any
			if jerr := json.Unmarshal(data, &parsed); jerr == nil {
				outputs["body"] = parsed
			} else {
				outputs["body"] = string(data)
			}
		} else {
			outputs["body"] = string(data)
		}
	}

	outputs["duration_ms"] = time.Since(start).Milliseconds()

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: %s %s returned %s", method, rawURL, resp.Status).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return outputs, nil
}

var _ Runner = (*HTTPRunner)(nil)

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}
