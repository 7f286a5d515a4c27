package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/deployx/deployx/pkg/classify"
	"github.com/deployx/deployx/pkg/hub"
	"github.com/deployx/deployx/pkg/snapshot"
)

// errorMarkers are scanned case-insensitively in a command's output.
// Shells often exit 0 after printing a failure (pipelines, cmd.exe
// built-ins), so the output scan is the primary failure signal.
var errorMarkers = []string{
	"access is denied",
	"no such file or directory",
	"is not recognized as an internal or external command",
	"permission denied",
	"cannot remove",
	"failed to",
	"error:",
	"fatal:",
	"syntax error",
}

// outputTail caps how much command output travels in the completion
// frame; the full stream already went out chunk by chunk.
const outputTail = 8192

// Executor runs tracked one-shot commands on the agent, snapshotting
// beforehand when the classifier says the command is worth backing up.
type Executor struct {
	logger *slog.Logger
	snaps  *snapshot.Engine
	emit   func(event string, payload any)

	// quiescence is how long to wait after the process exits before
	// completing, letting stragglers forked by the command flush their
	// output through the shared pipe.
	quiescence time.Duration
	timeout    time.Duration

	// workDir overrides the process working directory for snapshot
	// scoping; empty means os.Getwd.
	workDir string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewExecutor(logger *slog.Logger, snaps *snapshot.Engine, emit func(event string, payload any)) *Executor {
	return &Executor{
		logger:     logger.With("component", "executor"),
		snaps:      snaps,
		emit:       emit,
		quiescence: 2 * time.Second,
		timeout:    10 * time.Minute,
		running:    make(map[string]context.CancelFunc),
	}
}

// Execute runs one tracked command to completion, emitting output
// chunks along the way and exactly one completion frame at the end.
func (x *Executor) Execute(ctx context.Context, req hub.ExecuteDeploymentCommand) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	x.mu.Lock()
	x.running[req.CommandID] = cancel
	x.mu.Unlock()
	defer func() {
		cancel()
		x.mu.Lock()
		delete(x.running, req.CommandID)
		x.mu.Unlock()
	}()

	snapshotID := x.maybeSnapshot(req)

	output, runErr := x.run(ctx, req)

	scanned := scanForErrors(output)
	success := runErr == nil && scanned == ""
	errMsg := ""
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
	case scanned != "":
		errMsg = fmt.Sprintf("output contains failure marker %q", scanned)
	}

	x.logger.Info("command finished",
		"command_id", req.CommandID, "success", success, "snapshot", snapshotID)

	x.emit(hub.EventDeploymentCommandCompleted, hub.DeploymentCommandCompleted{
		CommandID:  req.CommandID,
		Success:    success,
		Output:     tail(output),
		Error:      errMsg,
		SnapshotID: snapshotID,
	})
}

// Cancel aborts a running command, if present.
func (x *Executor) Cancel(commandID string) {
	x.mu.Lock()
	cancel := x.running[commandID]
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// maybeSnapshot captures the paths a destructive command will touch.
// Capture failure does not block execution; the operator asked for the
// command, not for the backup.
func (x *Executor) maybeSnapshot(req hub.ExecuteDeploymentCommand) string {
	analysis := classify.Analyze(req.Command)
	if !analysis.RequiresBackup {
		return ""
	}
	workDir := x.workDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	// Deletion targets need their parent directory captured too, or a
	// rollback has nowhere to restore the removed entry from.
	paths := snapshot.MonitoredPaths(workDir, analysis.AffectedPaths, analysis.Category == classify.CategoryDelete)
	if len(paths) == 0 {
		return ""
	}
	id, err := x.snaps.Capture(snapshot.CaptureRequest{
		Command:      req.Command,
		BatchID:      req.BatchID,
		CommandIndex: req.BatchIndex,
		WorkingDir:   workDir,
		Paths:        paths,
		Metadata:     map[string]string{"command_id": req.CommandID},
	})
	if err != nil {
		x.logger.Warn("pre-command snapshot failed",
			"command_id", req.CommandID, "error", err)
		return ""
	}
	return id
}

// run executes the command under the requested shell, streaming
// combined output as it arrives. The returned string is everything the
// command printed.
func (x *Executor) run(ctx context.Context, req hub.ExecuteDeploymentCommand) (string, error) {
	name, args := oneShotArgs(req.Shell, req.Command)
	cmd := exec.CommandContext(ctx, name, args...)
	setProcAttrs(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", name, err)
	}

	var full strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			full.WriteString(chunk)
			x.emit(hub.EventDeploymentCommandOutput, hub.DeploymentCommandOutput{
				CommandID: req.CommandID,
				Output:    chunk,
			})
		}
		if readErr != nil {
			if readErr != io.EOF {
				x.logger.Debug("output read", "command_id", req.CommandID, "error", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()

	// Children that outlived the shell may still be writing; give the
	// pipe a moment to drain before declaring the outcome.
	if x.quiescence > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(x.quiescence):
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return full.String(), fmt.Errorf("command timed out")
	}
	if waitErr != nil {
		return full.String(), fmt.Errorf("command exited: %w", waitErr)
	}
	return full.String(), nil
}

func scanForErrors(output string) string {
	lower := strings.ToLower(output)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

func tail(s string) string {
	if len(s) <= outputTail {
		return s
	}
	return s[len(s)-outputTail:]
}

// oneShotArgs maps a shell name onto its single-command invocation.
func oneShotArgs(shell, command string) (string, []string) {
	switch strings.ToLower(shell) {
	case "cmd":
		return "cmd", []string{"/C", command}
	case "powershell":
		return "powershell", []string{"-NoLogo", "-NoProfile", "-Command", command}
	case "pwsh":
		return "pwsh", []string{"-NoLogo", "-NoProfile", "-Command", command}
	case "bash":
		return "bash", []string{"-c", command}
	case "zsh":
		return "zsh", []string{"-c", command}
	case "sh", "":
		if runtime.GOOS == "windows" {
			return "cmd", []string{"/C", command}
		}
		return "sh", []string{"-c", command}
	}
	return shell, []string{"-c", command}
}
