package fingerprint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

// Policy selects how file references enter the fingerprint.
type Policy string

const (
	// PolicyContent hashes the file's content. Detects every change, reads
	// every input file.
	PolicyContent Policy = "content"

	// PolicySizeMtime substitutes the (size, mtime) pair. Fast, but blind to
	// edits that preserve both.
	PolicySizeMtime Policy = "size-mtime"
)

// ValidPolicy reports whether p is a recognized file policy.
func ValidPolicy(p Policy) bool {
	return p == PolicyContent || p == PolicySizeMtime
}

// Decision is the outcome of a cache lookup for one node.
type Decision string

const (
	// DecisionCached means the stored record's fingerprint matches and the
	// node's outputs can be reused without running it.
	DecisionCached Decision = "cached"

	// DecisionStale means no usable record exists; the node must run.
	DecisionStale Decision = "stale"
)

// Manager computes input fingerprints and decides cache reuse against the
// result store.
type Manager struct {
	policy Policy
	store  store.Store
	ws     *store.Workspace
	logger *slog.Logger
}

// NewManager builds a Manager. Relative file reference paths are resolved
// against the workspace root, which keeps fingerprints valid after the whole
// result tree is moved.
func NewManager(policy Policy, st store.Store, ws *store.Workspace, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{policy: policy, store: st, ws: ws, logger: logger}
}

// Policy returns the configured file policy.
func (m *Manager) Policy() Policy { return m.policy }

// Fingerprint canonicalizes the node's fully resolved inputs, sorted by field
// name with nested containers serialized recursively, and returns the sha256
// hex digest.
func (m *Manager) Fingerprint(inputs map[string]any) (string, error) {
	var buf bytes.Buffer
	fields := make([]string, 0, len(inputs))
	for name := range inputs {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	for _, name := range fields {
		buf.WriteString(name)
		buf.WriteByte('=')
		if err := canonicalize(&buf, inputs[name], m.fileToken); err != nil {
			return "", err
		}
		buf.WriteByte('\n')
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// fileToken resolves a file reference to its policy token. The path itself is
// deliberately absent from the token.
func (m *Manager) fileToken(path string) (string, error) {
	resolved := path
	if !filepath.IsAbs(resolved) && m.ws != nil {
		resolved = filepath.Join(m.ws.Root(), resolved)
	}

	switch m.policy {
	case PolicySizeMtime:
		info, err := os.Stat(resolved)
		if err != nil {
			return "", err
		}
		return "stat:" + strconv.FormatInt(info.Size(), 10) + ":" +
			strconv.FormatInt(info.ModTime().UnixNano(), 10), nil
	default:
		f, err := os.Open(resolved)
		if err != nil {
			return "", err
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
	}
}

// ShouldRun decides whether a node's prior result can be reused. It returns
// the decision, the matching record when cached, and the freshly computed
// fingerprint for the caller to persist after execution.
func (m *Manager) ShouldRun(ctx context.Context, nodeID string, inputs map[string]any) (Decision, *store.ExecutionRecord, string, error) {
	fp, err := m.Fingerprint(inputs)
	if err != nil {
		return DecisionStale, nil, "", fmt.Errorf("fingerprint %s: %w", nodeID, err)
	}

	rec, err := m.store.GetRecord(ctx, nodeID)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			return DecisionStale, nil, fp, nil
		}
		return DecisionStale, nil, fp, err
	}

	if rec.Success && rec.Fingerprint == fp {
		m.logger.DebugContext(ctx, "cache hit", "node_id", nodeID, "fingerprint", fp)
		return DecisionCached, rec, fp, nil
	}
	return DecisionStale, nil, fp, nil
}

// Rehash recomputes the fingerprint of every node in the workspace from the
// resolved inputs stored in its execution record, without re-executing
// anything. It refreshes both the on-disk fingerprint file and the index
// record, and returns the number of nodes whose fingerprint changed.
func (m *Manager) Rehash(ctx context.Context) (int, error) {
	ids, err := m.ws.ListNodes()
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	sort.Strings(ids)

	changed := 0
	for _, id := range ids {
		rec, err := m.ws.ReadRecord(id)
		if err != nil {
			if schema.CodeOf(err) == schema.ErrCodeNotFound {
				continue
			}
			return changed, err
		}

		var inputs map[string]any
		if len(rec.Inputs) > 0 {
			if err := json.Unmarshal(rec.Inputs, &inputs); err != nil {
				return changed, fmt.Errorf("decode inputs for %s: %w", id, err)
			}
		}

		fp, err := m.Fingerprint(inputs)
		if err != nil {
			return changed, fmt.Errorf("rehash %s: %w", id, err)
		}
		if fp == rec.Fingerprint {
			continue
		}

		m.logger.InfoContext(ctx, "fingerprint changed",
			"node_id", id, "old", rec.Fingerprint, "new", fp)
		rec.Fingerprint = fp
		if err := m.ws.WriteRecord(id, rec); err != nil {
			return changed, err
		}
		if err := m.ws.WriteFingerprint(id, fp); err != nil {
			return changed, err
		}
		if err := m.store.PutRecord(ctx, rec); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
