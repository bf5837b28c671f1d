package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quillworks/cascade/pkg/schema"
)

const (
	dbFileName          = "cascade.db"
	nodesDirName        = "nodes"
	runsDirName         = "runs"
	fingerprintFileName = "fingerprint"
	recordFileName      = "record.json"
	graphFileName       = "graph.json"
)

// Workspace manages the on-disk layout of a result store root:
//
//	<root>/cascade.db           index database
//	<root>/nodes/<nodeID>/      one exclusive directory per concrete node
//	<root>/runs/<runID>/        per-run snapshots
//
// Each node directory holds the fingerprint file, the record.json written on
// completion, and whatever artifacts the runner produced. The workspace never
// stores absolute paths inside node directories, so a root can be relocated
// as a whole.
type Workspace struct {
	root string
}

// NewWorkspace creates (if needed) and opens a store root.
func NewWorkspace(root string) (*Workspace, error) {
	for _, dir := range []string{root, filepath.Join(root, nodesDirName), filepath.Join(root, runsDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return &Workspace{root: root}, nil
}

// Root returns the workspace root path.
func (w *Workspace) Root() string { return w.root }

// DBPath returns the file URI for the index database inside this root.
func (w *Workspace) DBPath() string {
	return "file:" + filepath.Join(w.root, dbFileName)
}

// NodeDir returns the exclusive directory for a node, creating it if absent.
func (w *Workspace) NodeDir(nodeID string) (string, error) {
	if err := validNodeID(nodeID); err != nil {
		return "", err
	}
	dir := filepath.Join(w.root, nodesDirName, nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create node dir %s: %w", nodeID, err)
	}
	return dir, nil
}

// WriteFingerprint stores the node's input fingerprint alongside its artifacts.
func (w *Workspace) WriteFingerprint(nodeID, fingerprint string) error {
	dir, err := w.NodeDir(nodeID)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, fingerprintFileName), []byte(fingerprint+"\n"))
}

// ReadFingerprint returns the stored fingerprint, or NOT_FOUND if the node has none.
func (w *Workspace) ReadFingerprint(nodeID string) (string, error) {
	if err := validNodeID(nodeID); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(w.root, nodesDirName, nodeID, fingerprintFileName))
	if os.IsNotExist(err) {
		return "", storeNotFound("fingerprint", nodeID)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteRecord persists record.json in the node directory. The file is written
// atomically because its existence alone marks the node as finished.
func (w *Workspace) WriteRecord(nodeID string, rec *ExecutionRecord) error {
	dir, err := w.NodeDir(nodeID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return atomicWrite(filepath.Join(dir, recordFileName), data)
}

// ReadRecord loads record.json for a node.
func (w *Workspace) ReadRecord(nodeID string) (*ExecutionRecord, error) {
	if err := validNodeID(nodeID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(w.root, nodesDirName, nodeID, recordFileName))
	if os.IsNotExist(err) {
		return nil, storeNotFound("record", nodeID)
	}
	if err != nil {
		return nil, err
	}
	rec := &ExecutionRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", nodeID, err)
	}
	return rec, nil
}

// RecordExists reports whether record.json has been written for a node.
func (w *Workspace) RecordExists(nodeID string) bool {
	if validNodeID(nodeID) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(w.root, nodesDirName, nodeID, recordFileName))
	return err == nil
}

// RemoveNode deletes a node directory and everything in it.
func (w *Workspace) RemoveNode(nodeID string) error {
	if err := validNodeID(nodeID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(w.root, nodesDirName, nodeID))
}

// ListNodes returns the ids of all node directories in the workspace.
func (w *Workspace) ListNodes() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.root, nodesDirName))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// SaveGraphSnapshot writes the expanded graph definition for a run.
func (w *Workspace) SaveGraphSnapshot(runID string, snapshot any) error {
	dir := filepath.Join(w.root, runsDirName, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir %s: %w", runID, err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph snapshot: %w", err)
	}
	return atomicWrite(filepath.Join(dir, graphFileName), data)
}

// LoadGraphSnapshot reads the stored graph definition for a run into out.
func (w *Workspace) LoadGraphSnapshot(runID string, out any) error {
	data, err := os.ReadFile(filepath.Join(w.root, runsDirName, runID, graphFileName))
	if os.IsNotExist(err) {
		return storeNotFound("graph snapshot", runID)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// RelativizeFiles returns a copy of v with every file reference under the
// workspace root rewritten to a root-relative path. Persisted values must
// not carry absolute paths or the root stops being relocatable.
func (w *Workspace) RelativizeFiles(v any) any {
	return rewriteFileRefs(v, func(path string) string {
		if !filepath.IsAbs(path) {
			return path
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return path
		}
		return rel
	})
}

// AbsolutizeFiles returns a copy of v with every root-relative file reference
// resolved against the workspace root, for handing to code that opens files.
func (w *Workspace) AbsolutizeFiles(v any) any {
	return rewriteFileRefs(v, func(path string) string {
		if filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(w.root, path)
	})
}

// rewriteFileRefs walks v and applies fn to every file reference path,
// descending into lists and maps. Non-file values are returned unchanged;
// containers are copied, never mutated in place.
func rewriteFileRefs(v any, fn func(string) string) any {
	switch x := v.(type) {
	case schema.FileRef:
		return schema.FileRef{Path: fn(x.Path)}
	case *schema.FileRef:
		if x == nil {
			return x
		}
		return &schema.FileRef{Path: fn(x.Path)}
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = rewriteFileRefs(item, fn)
		}
		return out
	case map[string]any:
		if len(x) == 1 {
			if path, ok := x["$file"].(string); ok {
				return map[string]any{"$file": fn(path)}
			}
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = rewriteFileRefs(item, fn)
		}
		return out
	default:
		return v
	}
}

func rewriteInputs(inputs map[string]any, fn func(any) any) map[string]any {
	if inputs == nil {
		return nil
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = fn(v)
	}
	return out
}

// RelativizeValues applies RelativizeFiles to every value of a field map.
func (w *Workspace) RelativizeValues(m map[string]any) map[string]any {
	return rewriteInputs(m, w.RelativizeFiles)
}

// AbsolutizeValues applies AbsolutizeFiles to every value of a field map.
func (w *Workspace) AbsolutizeValues(m map[string]any) map[string]any {
	return rewriteInputs(m, w.AbsolutizeFiles)
}

// validNodeID rejects ids that would escape the nodes directory.
func validNodeID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid node id %q", id)
	}
	return nil
}

// atomicWrite writes data to path via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
