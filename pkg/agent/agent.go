// Package agent implements the deployx endpoint daemon: it keeps one
// WebSocket session to the controller, heartbeats on it, and executes
// whatever the controller asks for on this machine.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/deployx/deployx/pkg/hub"
	"github.com/deployx/deployx/pkg/shell"
	"github.com/deployx/deployx/pkg/snapshot"
)

const (
	heartbeatInterval = 30 * time.Second

	reconnectInitial = 2 * time.Second
	reconnectFactor  = 1.2
	reconnectMax     = 10 * time.Second

	writeTimeout = 10 * time.Second
)

// Config carries everything the agent needs to come up.
type Config struct {
	ServerURL string // ws://controller:8080
	AgentID   string // optional override; derived from the machine id when empty
	DataDir   string // defaults to ~/.deployx
	Version   string
	Logger    *slog.Logger
}

// Agent is the endpoint daemon.
type Agent struct {
	cfg        Config
	logger     *slog.Logger
	agentID    string
	machineID  string
	activation *Activation

	shells   *shell.Supervisor
	snaps    *snapshot.Engine
	executor *Executor

	connMu sync.Mutex
	conn   *websocket.Conn

	registered chan struct{} // signaled once per session on the registered ack
}

func New(cfg Config) (*Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".deployx")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	machineID := MachineID()
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = DeriveAgentID(machineID)
	}
	logger := cfg.Logger.With("agent_id", agentID)

	activation, err := LoadActivation(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	snaps, err := snapshot.NewEngine(filepath.Join(cfg.DataDir, "snapshots"), logger)
	if err != nil {
		return nil, err
	}
	if err := snaps.Recover(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		agentID:    agentID,
		machineID:  machineID,
		activation: activation,
		snaps:      snaps,
	}
	a.shells = shell.NewSupervisor(logger, func(sessionID, output string) {
		a.send(hub.EventCommandOutput, hub.CommandOutput{SessionID: sessionID, Output: output})
	})
	a.executor = NewExecutor(logger, snaps, a.send)
	return a, nil
}

// AgentID returns the fleet-visible identity of this agent.
func (a *Agent) AgentID() string { return a.agentID }

// Run connects to the controller and serves until ctx is canceled,
// reconnecting with backoff whenever the link drops. The backoff resets
// after any session that got as far as a registration ack.
func (a *Agent) Run(ctx context.Context) error {
	stopGC := make(chan struct{})
	go a.snaps.RunGC(stopGC)
	defer close(stopGC)
	defer a.shells.StopAll()

	backoff := reconnectInitial
	for {
		a.registered = make(chan struct{})
		err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-a.registered:
			backoff = reconnectInitial
		default:
		}

		a.logger.Warn("controller connection lost", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * reconnectFactor)
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// session runs one connection: dial, register, heartbeat, read loop.
func (a *Agent) session(ctx context.Context) error {
	url := strings.TrimRight(a.cfg.ServerURL, "/") + "/ws/agent"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(16 << 20) // file deployments ride the same socket

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		a.conn = nil
		a.connMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	hostname, _ := os.Hostname()
	a.send(hub.EventAgentRegister, hub.AgentRegister{
		AgentID:    a.agentID,
		MachineID:  a.machineID,
		DeviceName: hostname,
		IPAddress:  LocalIP(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Hostname:   hostname,
		Shells:     shell.DetectShells(),
		SystemInfo: CollectSystemInfo(),
		Version:    a.cfg.Version,
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(sessionCtx)

	for {
		var frame hub.Frame
		if err := wsjson.Read(sessionCtx, conn, &frame); err != nil {
			return err
		}
		a.dispatch(sessionCtx, frame)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.send(hub.EventAgentHeartbeat, hub.Heartbeat{AgentID: a.agentID})
		}
	}
}

// ------------------------------------------------------------------
// Frame dispatch
// ------------------------------------------------------------------

func (a *Agent) dispatch(ctx context.Context, frame hub.Frame) {
	switch frame.Event {
	case hub.EventRegistered:
		a.logger.Info("registered with controller")
		select {
		case <-a.registered:
		default:
			close(a.registered)
		}

	case hub.EventStartShellRequest:
		var p hub.StartShellRequest
		if !a.decode(frame, &p) {
			return
		}
		if !a.requireActivation("start_shell") {
			return
		}
		if p.Shell == "" {
			p.Shell = shell.DefaultShell()
		}
		if err := a.shells.Start(p.SessionID, p.Shell); err != nil {
			a.send(hub.EventError, hub.ErrorEvent{Message: err.Error()})
			return
		}
		a.send(hub.EventShellStarted, hub.ShellStarted{Shell: p.Shell, SessionID: p.SessionID})

	case hub.EventStopShellRequest:
		var p hub.StopShellRequest
		if !a.decode(frame, &p) {
			return
		}
		if err := a.shells.Stop(p.SessionID); err != nil {
			a.send(hub.EventError, hub.ErrorEvent{Message: err.Error()})
			return
		}
		a.send(hub.EventShellStopped, hub.ShellStopped{SessionID: p.SessionID})

	case hub.EventCommandInput:
		var p hub.CommandInput
		if !a.decode(frame, &p) {
			return
		}
		if err := a.shells.Input(p.SessionID, p.Command); err != nil {
			a.send(hub.EventError, hub.ErrorEvent{Message: err.Error()})
		}

	case hub.EventExecuteDeploymentCommand:
		var p hub.ExecuteDeploymentCommand
		if !a.decode(frame, &p) {
			return
		}
		if !a.activation.Activated() {
			a.send(hub.EventDeploymentCommandCompleted, hub.DeploymentCommandCompleted{
				CommandID: p.CommandID,
				Success:   false,
				Error:     "agent not activated",
			})
			return
		}
		go a.executor.Execute(ctx, p)

	case hub.EventRollbackCommand:
		var p hub.RollbackCommand
		if !a.decode(frame, &p) {
			return
		}
		go func() {
			err := a.snaps.Rollback(p.SnapshotID)
			result := hub.RollbackResult{SnapshotID: p.SnapshotID, Success: err == nil}
			if err != nil {
				result.Message = err.Error()
			}
			a.send(hub.EventRollbackResult, result)
		}()

	case hub.EventRollbackBatch:
		var p hub.RollbackBatch
		if !a.decode(frame, &p) {
			return
		}
		go func() {
			err := a.snaps.RollbackBatch(p.BatchID)
			if err != nil {
				a.logger.Error("batch rollback", "batch", p.BatchID, "error", err)
			}
			a.send(hub.EventBatchRollbackResult, hub.BatchRollbackResult{
				BatchID: p.BatchID,
				Success: err == nil,
			})
		}()

	case hub.EventInstallSoftware:
		var p hub.InstallSoftware
		if !a.decode(frame, &p) {
			return
		}
		if !a.activation.Activated() {
			a.send(hub.EventSoftwareInstallationStatus, hub.SoftwareInstallationStatus{
				DeploymentID: p.DeploymentID, DeviceID: p.DeviceID,
				Status: "failed", Error: "agent not activated",
			})
			return
		}
		go a.installSoftware(ctx, p)

	case hub.EventReceiveFile:
		var p hub.ReceiveFile
		if !a.decode(frame, &p) {
			return
		}
		go a.receiveFile(p)

	case hub.EventError:
		var p hub.ErrorEvent
		if a.decode(frame, &p) {
			a.logger.Warn("controller error", "message", p.Message)
		}

	default:
		a.logger.Debug("unhandled event", "event", frame.Event)
	}
}

// requireActivation rejects interactive features on unactivated agents.
func (a *Agent) requireActivation(what string) bool {
	if a.activation.Activated() {
		return true
	}
	a.logger.Warn("refused: agent not activated", "request", what)
	a.send(hub.EventError, hub.ErrorEvent{Message: "agent not activated"})
	return false
}

// receiveFile writes a file deployment to disk.
func (a *Agent) receiveFile(p hub.ReceiveFile) {
	result := hub.FileTransferResult{DeploymentID: p.DeploymentID, FileID: p.FileID}
	defer func() { a.send(hub.EventFileTransferResult, result) }()

	data, err := base64.StdEncoding.DecodeString(p.FileDataB64)
	if err != nil {
		result.Error = fmt.Sprintf("decode file data: %v", err)
		return
	}

	dir := p.TargetPath
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if !p.CreatePathIfMissing {
			result.Error = fmt.Sprintf("target path %s does not exist", dir)
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			result.Error = fmt.Sprintf("create target path: %v", err)
			return
		}
		result.PathCreated = true
	}

	path := filepath.Join(dir, p.Filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		result.Error = fmt.Sprintf("write file: %v", err)
		return
	}
	result.Success = true
	result.FilePath = path
	result.Message = fmt.Sprintf("wrote %d bytes", len(data))
}

func (a *Agent) decode(frame hub.Frame, into any) bool {
	if err := json.Unmarshal(frame.Payload, into); err != nil {
		a.logger.Error("bad payload", "event", frame.Event, "error", err)
		return false
	}
	return true
}

// send writes one frame on the current connection; a nil connection
// (mid-reconnect) drops the frame, which is fine for telemetry and
// means in-flight work completes into the void like any other crash.
func (a *Agent) send(event string, payload any) {
	frame, err := hub.NewFrame(event, payload)
	if err != nil {
		a.logger.Error("frame", "event", event, "error", err)
		return
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, a.conn, frame); err != nil {
		a.logger.Debug("send failed", "event", event, "error", err)
	}
}
