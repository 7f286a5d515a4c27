// Package snapshot captures filesystem state before destructive
// commands run and restores it on rollback. Snapshots live under a
// per-agent directory: one metadata JSON per snapshot next to a
// directory holding the backed-up bytes.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// Snapshots older than this are eligible for garbage collection.
	MaxAge = 24 * time.Hour
	// How often the GC loop wakes up.
	gcInterval = time.Hour
)

// FileState records one path as it was at capture time.
type FileState struct {
	Path       string      `json:"path"`
	Existed    bool        `json:"existed"`
	IsDir      bool        `json:"is_dir,omitempty"`
	Mode       fs.FileMode `json:"mode,omitempty"`
	SHA256     string      `json:"sha256,omitempty"`
	BackupName string      `json:"backup_name,omitempty"` // file name under <id>/files/
}

// Snapshot is the metadata record for one capture. Environment holds
// the subset of the process environment recorded at capture time so a
// later operator can see the context the command ran in.
type Snapshot struct {
	ID           string            `json:"snapshot_id"`
	Command      string            `json:"command"`
	BatchID      string            `json:"batch_id,omitempty"`
	CommandIndex int               `json:"command_index,omitempty"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Files        []FileState       `json:"files"`
}

// CaptureRequest describes one capture: the command about to run, its
// place in a batch when it has one, and the paths to back up.
type CaptureRequest struct {
	Command      string
	BatchID      string
	CommandIndex int
	WorkingDir   string
	Paths        []string
	Metadata     map[string]string
}

// Engine owns one snapshot directory.
type Engine struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(dir string, logger *slog.Logger) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	return &Engine{dir: dir, logger: logger.With("component", "snapshot"), now: time.Now}, nil
}

// ------------------------------------------------------------------
// Capture
// ------------------------------------------------------------------

// Capture backs up the requested paths before a destructive command
// runs and returns the snapshot id. Backup bytes are written before the
// metadata file, so a metadata file on disk always describes complete
// backups; a crash between the two leaves an orphan directory that
// Recover sweeps away.
func (e *Engine) Capture(req CaptureRequest) (string, error) {
	createdAt := e.now().UTC()
	id := snapshotID(createdAt, req.Command, req.BatchID)

	filesDir := filepath.Join(e.dir, id, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", id, err)
	}

	snap := Snapshot{
		ID:           id,
		Command:      req.Command,
		BatchID:      req.BatchID,
		CommandIndex: req.CommandIndex,
		WorkingDir:   req.WorkingDir,
		Environment:  captureEnv(req.WorkingDir),
		Metadata:     req.Metadata,
		CreatedAt:    createdAt,
	}

	used := make(map[string]int) // backup basename collision counters
	for _, p := range dedupe(req.Paths) {
		states, err := e.captureOne(p, filesDir, used)
		if err != nil {
			os.RemoveAll(filepath.Join(e.dir, id))
			return "", fmt.Errorf("capture %s: %w", p, err)
		}
		snap.Files = append(snap.Files, states...)
	}

	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		os.RemoveAll(filepath.Join(e.dir, id))
		return "", fmt.Errorf("snapshot %s: %w", id, err)
	}
	if err := os.WriteFile(e.metaPath(id), meta, 0o644); err != nil {
		os.RemoveAll(filepath.Join(e.dir, id))
		return "", fmt.Errorf("snapshot %s: %w", id, err)
	}

	e.logger.Info("snapshot captured", "snapshot", id, "files", len(snap.Files), "batch", req.BatchID)
	return id, nil
}

// captureEnv records the environment subset that gives a snapshot its
// execution context. PWD reflects the command's working directory, not
// whatever the agent process inherited.
func captureEnv(workingDir string) map[string]string {
	env := make(map[string]string, 4)
	for _, key := range []string{"PATH", "HOME", "USER"} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	if workingDir != "" {
		env["PWD"] = workingDir
	} else if v := os.Getenv("PWD"); v != "" {
		env["PWD"] = v
	}
	return env
}

// captureOne records one monitored path. Files are copied recursively
// for directories; a missing path is recorded so rollback knows to
// delete whatever the command created there.
func (e *Engine) captureOne(path, filesDir string, used map[string]int) ([]FileState, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return []FileState{{Path: path, Existed: false}}, nil
	}
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		st, err := e.backupFile(path, info, filesDir, used)
		if err != nil {
			return nil, err
		}
		return []FileState{st}, nil
	}

	states := []FileState{{Path: path, Existed: true, IsDir: true, Mode: info.Mode().Perm()}}
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if p == path {
			return nil
		}
		if d.IsDir() {
			di, err := d.Info()
			if err != nil {
				return nil
			}
			states = append(states, FileState{Path: p, Existed: true, IsDir: true, Mode: di.Mode().Perm()})
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		st, err := e.backupFile(p, fi, filesDir, used)
		if err != nil {
			return err
		}
		states = append(states, st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// backupFile copies one regular file into the snapshot's files dir,
// hashing it on the way. Basename collisions get a numeric suffix.
func (e *Engine) backupFile(path string, info fs.FileInfo, filesDir string, used map[string]int) (FileState, error) {
	name := filepath.Base(path)
	if n := used[name]; n > 0 {
		name = fmt.Sprintf("%s.%d", name, n)
	}
	used[filepath.Base(path)]++

	src, err := os.Open(path)
	if err != nil {
		return FileState{}, err
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(filesDir, name))
	if err != nil {
		return FileState{}, err
	}
	defer dst.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		return FileState{}, err
	}

	return FileState{
		Path:       path,
		Existed:    true,
		Mode:       info.Mode().Perm(),
		SHA256:     hex.EncodeToString(h.Sum(nil)),
		BackupName: name,
	}, nil
}

// ------------------------------------------------------------------
// Rollback
// ------------------------------------------------------------------

// Rollback restores the filesystem to the snapshot's captured state:
// backed-up files come back byte-identical, and paths that did not
// exist at capture time are removed. Before touching anything the
// current bytes are staged aside so a mid-rollback failure can be
// unwound best-effort.
func (e *Engine) Rollback(id string) error {
	snap, err := e.Get(id)
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp(e.dir, "rollback-"+id+"-*")
	if err != nil {
		return fmt.Errorf("rollback %s: %w", id, err)
	}
	defer os.RemoveAll(staging)

	stage := e.stageCurrent(snap, staging)

	if err := e.applySnapshot(snap); err != nil {
		e.unstage(stage)
		return fmt.Errorf("rollback %s: %w", id, err)
	}

	e.logger.Info("snapshot rolled back", "snapshot", id, "files", len(snap.Files))
	return nil
}

func (e *Engine) applySnapshot(snap *Snapshot) error {
	filesDir := filepath.Join(e.dir, snap.ID, "files")

	// Directories first so file restores find their parents.
	for _, st := range snap.Files {
		if st.Existed && st.IsDir {
			if err := os.MkdirAll(st.Path, dirMode(st.Mode)); err != nil {
				return err
			}
		}
	}
	for _, st := range snap.Files {
		switch {
		case st.Existed && !st.IsDir:
			if err := restoreFile(filepath.Join(filesDir, st.BackupName), st.Path, st.Mode); err != nil {
				return err
			}
		case !st.Existed:
			if err := os.RemoveAll(st.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// RollbackBatch rolls back every snapshot in the batch, newest first,
// so later commands are undone before the commands they depended on.
func (e *Engine) RollbackBatch(batchID string) error {
	snaps, err := e.List()
	if err != nil {
		return err
	}
	var batch []Snapshot
	for _, s := range snaps {
		if s.BatchID == batchID {
			batch = append(batch, s)
		}
	}
	if len(batch) == 0 {
		return fmt.Errorf("no snapshots for batch %s", batchID)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt.After(batch[j].CreatedAt) })

	var firstErr error
	for _, s := range batch {
		if err := e.Rollback(s.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// stageCurrent copies the current bytes of every file the rollback will
// overwrite or delete. Best effort: unreadable files are skipped.
func (e *Engine) stageCurrent(snap *Snapshot, staging string) map[string]string {
	stage := make(map[string]string)
	i := 0
	for _, st := range snap.Files {
		if st.IsDir {
			continue
		}
		if _, err := os.Lstat(st.Path); err != nil {
			continue
		}
		dst := filepath.Join(staging, fmt.Sprintf("%d", i))
		i++
		if err := copyFile(st.Path, dst, 0o600); err == nil {
			stage[st.Path] = dst
		}
	}
	return stage
}

func (e *Engine) unstage(stage map[string]string) {
	for path, backup := range stage {
		if err := copyFile(backup, path, 0o644); err != nil {
			e.logger.Warn("rollback unwind failed", "path", path, "error", err)
		}
	}
}

// ------------------------------------------------------------------
// Lookup, delete, recovery, GC
// ------------------------------------------------------------------

// Get loads one snapshot's metadata.
func (e *Engine) Get(id string) (*Snapshot, error) {
	data, err := os.ReadFile(e.metaPath(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// List returns every snapshot's metadata, oldest first.
func (e *Engine) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	var snaps []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		snap, err := e.Get(id)
		if err != nil {
			e.logger.Warn("unreadable snapshot metadata", "snapshot", id, "error", err)
			continue
		}
		snaps = append(snaps, *snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	return snaps, nil
}

// Delete removes a snapshot, metadata first so a crash mid-delete
// leaves an orphan data directory rather than metadata pointing at
// missing bytes.
func (e *Engine) Delete(id string) error {
	if err := os.Remove(e.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot %s: %w", id, err)
	}
	if err := os.RemoveAll(filepath.Join(e.dir, id)); err != nil {
		return fmt.Errorf("snapshot %s: %w", id, err)
	}
	return nil
}

// Recover sweeps the snapshot directory on startup: data directories
// without a metadata file are leftovers from interrupted captures or
// deletes and are removed, as are stale rollback staging dirs.
func (e *Engine) Recover() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "rollback-") {
			os.RemoveAll(filepath.Join(e.dir, name))
			continue
		}
		if _, err := os.Stat(e.metaPath(name)); os.IsNotExist(err) {
			e.logger.Warn("removing orphan snapshot data", "snapshot", name)
			os.RemoveAll(filepath.Join(e.dir, name))
		}
	}
	return nil
}

// GC deletes snapshots past MaxAge. Returns how many were removed.
func (e *Engine) GC() (int, error) {
	snaps, err := e.List()
	if err != nil {
		return 0, err
	}
	cutoff := e.now().UTC().Add(-MaxAge)
	removed := 0
	for _, s := range snaps {
		if s.CreatedAt.Before(cutoff) {
			if err := e.Delete(s.ID); err != nil {
				e.logger.Warn("snapshot gc", "snapshot", s.ID, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info("snapshot gc", "removed", removed)
	}
	return removed, nil
}

// RunGC runs the GC loop until stop is closed.
func (e *Engine) RunGC(stop <-chan struct{}) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.GC(); err != nil {
				e.logger.Error("snapshot gc", "error", err)
			}
		}
	}
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

func (e *Engine) metaPath(id string) string {
	return filepath.Join(e.dir, id+".json")
}

// snapshotID derives a stable id from the capture time, command and
// batch: the first 16 hex characters of their SHA-256.
func snapshotID(createdAt time.Time, command, batchID string) string {
	h := sha256.Sum256([]byte(createdAt.Format(time.RFC3339Nano) + command + batchID))
	return hex.EncodeToString(h[:])[:16]
}

func restoreFile(backup, path string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return copyFile(backup, path, fileMode(mode))
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileMode(m fs.FileMode) fs.FileMode {
	if m == 0 {
		return 0o644
	}
	return m
}

func dirMode(m fs.FileMode) fs.FileMode {
	if m == 0 {
		return 0o755
	}
	return m
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		clean := filepath.Clean(p)
		if clean == "" || seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out
}
