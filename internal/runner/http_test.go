package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/cascade/pkg/schema"
)

func TestHTTPRunnerValidate(t *testing.T) {
	h := NewHTTPRunner(HTTPConfig{})

	assert.Error(t, h.Validate(map[string]any{}))
	assert.Error(t, h.Validate(map[string]any{"url": "ftp://example.com"}))
	assert.NoError(t, h.Validate(map[string]any{"url": "https://example.com/data"}))
}

func TestHTTPRunnerJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "count": 3}`))
	}))
	defer srv.Close()

	h := NewHTTPRunner(HTTPConfig{})
	outputs, err := h.Execute(context.Background(), map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"q": "x"},
	}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 200, outputs["status_code"])
	body, ok := outputs["body"].(map[string]any)
	require.True(t, ok, "json responses decode into a map")
	assert.Equal(t, true, body["ok"])
}

func TestHTTPRunnerSaveToProducesFileRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("reference genome data"))
	}))
	defer srv.Close()

	workDir := t.TempDir()
	h := NewHTTPRunner(HTTPConfig{})
	outputs, err := h.Execute(context.Background(), map[string]any{
		"url":     srv.URL,
		"save_to": "genome.fa",
	}, workDir)
	require.NoError(t, err)

	ref, ok := outputs["file"].(schema.FileRef)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(workDir, "genome.fa"), ref.Path)

	data, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "reference genome data", string(data))
	_, hasBody := outputs["body"]
	assert.False(t, hasBody, "saved responses do not duplicate the body inline")
}

func TestHTTPRunnerFailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTPRunner(HTTPConfig{})

	_, err := h.Execute(context.Background(), map[string]any{"url": srv.URL}, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))

	outputs, err := h.Execute(context.Background(), map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": false,
	}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, outputs["status_code"])
}
