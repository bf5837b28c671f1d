package fingerprint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/cascade/internal/store"
	"github.com/quillworks/cascade/pkg/schema"
)

func newTestManager(t *testing.T, policy Policy) (*Manager, *store.LibSQLStore, *store.Workspace) {
	t.Helper()
	ws, err := store.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	s, err := store.NewLibSQLStore(ws.DBPath())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(policy, s, ws, nil), s, ws
}

func TestFingerprintDeterministic(t *testing.T) {
	m, _, _ := newTestManager(t, PolicyContent)

	inputs := map[string]any{
		"reads":   "r1.fq",
		"threads": 4,
		"opts":    map[string]any{"b": true, "a": []any{1, 2, 3}},
	}

	fp1, err := m.Fingerprint(inputs)
	require.NoError(t, err)
	fp2, err := m.Fingerprint(inputs)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}

func TestFingerprintStableAcrossJSONRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t, PolicyContent)

	inputs := map[string]any{
		"threads": 4,
		"ratio":   0.5,
		"tags":    []any{"a", "b"},
		"nested":  map[string]any{"depth": 2},
	}
	fp1, err := m.Fingerprint(inputs)
	require.NoError(t, err)

	data, err := json.Marshal(inputs)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	fp2, err := m.Fingerprint(decoded)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintSensitivity(t *testing.T) {
	m, _, _ := newTestManager(t, PolicyContent)

	base := map[string]any{"a": 1, "b": "x"}
	fp1, err := m.Fingerprint(base)
	require.NoError(t, err)

	changedValue := map[string]any{"a": 2, "b": "x"}
	fp2, err := m.Fingerprint(changedValue)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)

	extraField := map[string]any{"a": 1, "b": "x", "c": nil}
	fp3, err := m.Fingerprint(extraField)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestFingerprintDistinguishesTypes(t *testing.T) {
	m, _, _ := newTestManager(t, PolicyContent)

	asString, err := m.Fingerprint(map[string]any{"v": "1"})
	require.NoError(t, err)
	asNumber, err := m.Fingerprint(map[string]any{"v": 1})
	require.NoError(t, err)
	asBool, err := m.Fingerprint(map[string]any{"v": true})
	require.NoError(t, err)

	assert.NotEqual(t, asString, asNumber)
	assert.NotEqual(t, asNumber, asBool)
}

func TestFingerprintRejectsUnsupportedKind(t *testing.T) {
	m, _, _ := newTestManager(t, PolicyContent)

	_, err := m.Fingerprint(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestFileContentPolicyIgnoresPath(t *testing.T) {
	m, _, ws := newTestManager(t, PolicyContent)

	p1 := filepath.Join(ws.Root(), "one.txt")
	p2 := filepath.Join(ws.Root(), "two.txt")
	require.NoError(t, os.WriteFile(p1, []byte("ACGT"), 0o644))
	require.NoError(t, os.WriteFile(p2, []byte("ACGT"), 0o644))

	fp1, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: p1}})
	require.NoError(t, err)
	fp2, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: p2}})
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "same content under different paths must hash the same")

	require.NoError(t, os.WriteFile(p2, []byte("ACGA"), 0o644))
	fp3, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: p2}})
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestFileRefSurvivesJSONRoundTrip(t *testing.T) {
	m, _, ws := newTestManager(t, PolicyContent)

	p := filepath.Join(ws.Root(), "ref.txt")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))

	direct, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: p}})
	require.NoError(t, err)

	data, err := json.Marshal(map[string]any{"in": schema.FileRef{Path: p}})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	roundTripped, err := m.Fingerprint(decoded)
	require.NoError(t, err)
	assert.Equal(t, direct, roundTripped)
}

func TestSizeMtimePolicy(t *testing.T) {
	m, _, ws := newTestManager(t, PolicySizeMtime)

	p := filepath.Join(ws.Root(), "big.bin")
	require.NoError(t, os.WriteFile(p, []byte("12345"), 0o644))

	fp1, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: p}})
	require.NoError(t, err)

	// Same size, same mtime: the policy cannot tell the difference.
	info, err := os.Stat(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, []byte("54321"), 0o644))
	require.NoError(t, os.Chtimes(p, info.ModTime(), info.ModTime()))
	fp2, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: p}})
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	// A size change is always visible.
	require.NoError(t, os.WriteFile(p, []byte("123456"), 0o644))
	fp3, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: p}})
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestRelativePathsResolveAgainstWorkspaceRoot(t *testing.T) {
	m, _, ws := newTestManager(t, PolicyContent)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Root(), "rel.txt"), []byte("x"), 0o644))

	fp, err := m.Fingerprint(map[string]any{"in": schema.FileRef{Path: "rel.txt"}})
	require.NoError(t, err)
	assert.NotEmpty(t, fp)
}

func TestShouldRunStaleWithoutRecord(t *testing.T) {
	m, _, _ := newTestManager(t, PolicyContent)

	decision, rec, fp, err := m.ShouldRun(context.Background(), "align", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, DecisionStale, decision)
	assert.Nil(t, rec)
	assert.NotEmpty(t, fp)
}

func TestShouldRunCachedOnMatch(t *testing.T) {
	m, s, _ := newTestManager(t, PolicyContent)
	ctx := context.Background()

	inputs := map[string]any{"reads": "r1.fq", "threads": 4}
	fp, err := m.Fingerprint(inputs)
	require.NoError(t, err)

	require.NoError(t, s.PutRecord(ctx, &store.ExecutionRecord{
		NodeID:      "align",
		RunID:       "run-1",
		Runner:      "bwa",
		Fingerprint: fp,
		Outputs:     json.RawMessage(`{"bam":"out.bam"}`),
		Success:     true,
	}))

	decision, rec, gotFP, err := m.ShouldRun(ctx, "align", inputs)
	require.NoError(t, err)
	assert.Equal(t, DecisionCached, decision)
	require.NotNil(t, rec)
	assert.Equal(t, fp, gotFP)
	assert.JSONEq(t, `{"bam":"out.bam"}`, string(rec.Outputs))
}

func TestShouldRunStaleOnMismatchOrFailure(t *testing.T) {
	m, s, _ := newTestManager(t, PolicyContent)
	ctx := context.Background()

	inputs := map[string]any{"a": 1}
	fp, err := m.Fingerprint(inputs)
	require.NoError(t, err)

	// A failed record never serves as a cache hit, even with a matching hash.
	require.NoError(t, s.PutRecord(ctx, &store.ExecutionRecord{
		NodeID: "n", RunID: "r", Runner: "noop", Fingerprint: fp, Success: false,
	}))
	decision, _, _, err := m.ShouldRun(ctx, "n", inputs)
	require.NoError(t, err)
	assert.Equal(t, DecisionStale, decision)

	// A successful record with a different hash is stale.
	require.NoError(t, s.PutRecord(ctx, &store.ExecutionRecord{
		NodeID: "n", RunID: "r", Runner: "noop", Fingerprint: "other", Success: true,
	}))
	decision, _, _, err = m.ShouldRun(ctx, "n", inputs)
	require.NoError(t, err)
	assert.Equal(t, DecisionStale, decision)
}

func TestRehashAfterRelocation(t *testing.T) {
	ctx := context.Background()

	base := t.TempDir()
	oldRoot := filepath.Join(base, "old")
	ws, err := store.NewWorkspace(oldRoot)
	require.NoError(t, err)
	s, err := store.NewLibSQLStore(ws.DBPath())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	m := NewManager(PolicySizeMtime, s, ws, nil)

	// One node with a workspace-relative file input.
	require.NoError(t, os.WriteFile(filepath.Join(oldRoot, "input.txt"), []byte("v1"), 0o644))
	inputs := map[string]any{"in": schema.FileRef{Path: "input.txt"}}
	fp, err := m.Fingerprint(inputs)
	require.NoError(t, err)
	inputsJSON, err := json.Marshal(inputs)
	require.NoError(t, err)
	rec := &store.ExecutionRecord{
		NodeID: "align", RunID: "run-1", Runner: "bwa",
		Fingerprint: fp, Inputs: inputsJSON, Success: true,
	}
	require.NoError(t, ws.WriteRecord("align", rec))
	require.NoError(t, ws.WriteFingerprint("align", fp))
	require.NoError(t, s.PutRecord(ctx, rec))
	require.NoError(t, s.Close())

	// Move the whole tree, then touch the input so its stat token changes.
	newRoot := filepath.Join(base, "new")
	require.NoError(t, os.Rename(oldRoot, newRoot))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(newRoot, "input.txt"), future, future))

	ws2, err := store.NewWorkspace(newRoot)
	require.NoError(t, err)
	s2, err := store.NewLibSQLStore(ws2.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	m2 := NewManager(PolicySizeMtime, s2, ws2, nil)

	changed, err := m2.Rehash(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	// Stored fingerprint now matches a fresh computation at the new root.
	fresh, err := m2.Fingerprint(inputs)
	require.NoError(t, err)
	stored, err := ws2.ReadFingerprint("align")
	require.NoError(t, err)
	assert.Equal(t, fresh, stored)

	got, err := s2.GetRecord(ctx, "align")
	require.NoError(t, err)
	assert.Equal(t, fresh, got.Fingerprint)

	// Second rehash is a no-op.
	changed, err = m2.Rehash(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}
