package agent

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deployx/deployx/pkg/hub"
	"github.com/deployx/deployx/pkg/snapshot"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []collected
}

type collected struct {
	event   string
	payload any
}

func (c *frameCollector) emit(event string, payload any) {
	c.mu.Lock()
	c.frames = append(c.frames, collected{event, payload})
	c.mu.Unlock()
}

func (c *frameCollector) completion(t *testing.T) hub.DeploymentCommandCompleted {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.event == hub.EventDeploymentCommandCompleted {
			return f.payload.(hub.DeploymentCommandCompleted)
		}
	}
	t.Fatal("no completion frame emitted")
	return hub.DeploymentCommandCompleted{}
}

func (c *frameCollector) outputText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, f := range c.frames {
		if f.event == hub.EventDeploymentCommandOutput {
			b.WriteString(f.payload.(hub.DeploymentCommandOutput).Output)
		}
	}
	return b.String()
}

func newTestExecutor(t *testing.T) (*Executor, *frameCollector) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	snaps, err := snapshot.NewEngine(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	sink := &frameCollector{}
	x := NewExecutor(logger, snaps, sink.emit)
	x.quiescence = 0
	x.workDir = t.TempDir()
	return x, sink
}

func TestExecuteSuccess(t *testing.T) {
	x, sink := newTestExecutor(t)
	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID: "c1", Command: "echo done", Shell: "sh",
	})

	done := sink.completion(t)
	if !done.Success {
		t.Fatalf("expected success, got error %q", done.Error)
	}
	if !strings.Contains(sink.outputText(), "done") {
		t.Errorf("output chunks missing command output: %q", sink.outputText())
	}
	if done.SnapshotID != "" {
		t.Errorf("echo should not snapshot, got %q", done.SnapshotID)
	}
}

func TestExecuteNonZeroExitFails(t *testing.T) {
	x, sink := newTestExecutor(t)
	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID: "c1", Command: "exit 7", Shell: "sh",
	})
	done := sink.completion(t)
	if done.Success {
		t.Fatal("nonzero exit must fail")
	}
}

func TestExecuteErrorMarkerFails(t *testing.T) {
	x, sink := newTestExecutor(t)
	// Exit code 0, but the output says otherwise.
	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID: "c1", Command: "echo 'Error: disk on fire'; true", Shell: "sh",
	})
	done := sink.completion(t)
	if done.Success {
		t.Fatal("failure marker in output must fail the command")
	}
	if !strings.Contains(done.Error, "error:") {
		t.Errorf("error should name the marker, got %q", done.Error)
	}
}

func TestExecuteMarkerScanCaseInsensitive(t *testing.T) {
	x, sink := newTestExecutor(t)
	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID: "c1", Command: "echo 'PERMISSION DENIED'", Shell: "sh",
	})
	if sink.completion(t).Success {
		t.Fatal("marker scan must be case-insensitive")
	}
}

func TestExecuteSnapshotsDestructiveCommand(t *testing.T) {
	x, sink := newTestExecutor(t)

	dir := t.TempDir()
	target := filepath.Join(dir, "victim.txt")
	if err := os.WriteFile(target, []byte("precious"), 0o644); err != nil {
		t.Fatal(err)
	}

	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID: "c1", Command: "rm " + target, Shell: "sh", ExecutionID: "exec-1",
	})

	done := sink.completion(t)
	if !done.Success {
		t.Fatalf("rm failed: %q", done.Error)
	}
	if done.SnapshotID == "" {
		t.Fatal("destructive command should carry a snapshot id")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("rm did not run")
	}

	snap, err := x.snaps.Get(done.SnapshotID)
	if err != nil {
		t.Fatalf("snapshot lookup: %v", err)
	}
	if snap.Metadata["command_id"] != "c1" {
		t.Errorf("snapshot metadata = %v", snap.Metadata)
	}
	if snap.Environment["PWD"] != x.workDir {
		t.Errorf("snapshot PWD = %q, want %q", snap.Environment["PWD"], x.workDir)
	}
	if err := x.snaps.Rollback(done.SnapshotID); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "precious" {
		t.Fatalf("rollback did not restore file: %v %q", err, data)
	}
}

func TestExecuteBatchStepSnapshotsGroupByBatch(t *testing.T) {
	x, sink := newTestExecutor(t)

	dir := t.TempDir()
	target := filepath.Join(dir, "victim.txt")
	if err := os.WriteFile(target, []byte("precious"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A batch step arrives with both the step's execution id and the
	// batch id; the snapshot must group under the batch.
	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID:   "c1",
		Command:     "rm " + target,
		Shell:       "sh",
		ExecutionID: "step-exec-1",
		BatchID:     "batch-9",
		BatchIndex:  2,
	})

	done := sink.completion(t)
	if !done.Success {
		t.Fatalf("rm failed: %q", done.Error)
	}
	snap, err := x.snaps.Get(done.SnapshotID)
	if err != nil {
		t.Fatalf("snapshot lookup: %v", err)
	}
	if snap.BatchID != "batch-9" {
		t.Errorf("snapshot batch = %q, want batch-9", snap.BatchID)
	}
	if snap.CommandIndex != 2 {
		t.Errorf("snapshot command index = %d, want 2", snap.CommandIndex)
	}

	if err := x.snaps.RollbackBatch("batch-9"); err != nil {
		t.Fatalf("batch rollback: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "precious" {
		t.Fatalf("batch rollback did not restore file: %v %q", err, data)
	}
}

func TestExecuteTimeout(t *testing.T) {
	x, sink := newTestExecutor(t)
	x.timeout = 300 * time.Millisecond
	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID: "c1", Command: "sleep 30", Shell: "sh",
	})
	done := sink.completion(t)
	if done.Success {
		t.Fatal("timed-out command must fail")
	}
	if !strings.Contains(done.Error, "timed out") {
		t.Errorf("error = %q, want timeout", done.Error)
	}
}

func TestCancelRunningCommand(t *testing.T) {
	x, sink := newTestExecutor(t)
	go func() {
		time.Sleep(200 * time.Millisecond)
		x.Cancel("c1")
	}()
	start := time.Now()
	x.Execute(context.Background(), hub.ExecuteDeploymentCommand{
		CommandID: "c1", Command: "sleep 30", Shell: "sh",
	})
	if time.Since(start) > 10*time.Second {
		t.Fatal("cancel did not stop the command")
	}
	if sink.completion(t).Success {
		t.Fatal("canceled command must fail")
	}
}
