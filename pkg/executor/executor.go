// Package executor fans commands out across the fleet: single tracked
// commands, group executions, and sequential batches. In-flight state
// lives in memory; only terminal records and the per-command queue
// entries hit the store, so a controller restart abandons whatever was
// mid-flight.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deployx/deployx/pkg/fleet"
	"github.com/deployx/deployx/pkg/hub"
)

const (
	// ErrAgentNotConnected marks devices skipped during fan-out.
	ErrAgentNotConnected = "agent_not_connected"

	deviceOutputCap = 64 << 10
)

// Transport is the slice of the session hub the executor needs.
type Transport interface {
	Emit(ctx context.Context, agentID fleet.AgentID, event string, payload any) error
	Live(agentID fleet.AgentID) bool
}

// Executor coordinates command fan-out and tracks results as agents
// report back.
type Executor struct {
	logger    *slog.Logger
	store     fleet.Store
	transport Transport

	// Batch pacing; tests shrink these.
	pollInterval time.Duration
	stepTimeout  time.Duration

	mu         sync.Mutex
	executions map[string]*fleet.GroupExecution
	batches    map[string]*fleet.BatchExecution
	commands   map[string]commandRoute // command_id → where its result lands
}

type commandRoute struct {
	executionID string
	deviceID    string
}

func New(store fleet.Store, transport Transport, logger *slog.Logger) *Executor {
	return &Executor{
		logger:       logger.With("component", "executor"),
		store:        store,
		transport:    transport,
		pollInterval: time.Second,
		stepTimeout:  300 * time.Second,
		executions:   make(map[string]*fleet.GroupExecution),
		batches:      make(map[string]*fleet.BatchExecution),
		commands:     make(map[string]commandRoute),
	}
}

// Register wires the executor into the hub's inbound event stream.
func (x *Executor) Register(h *hub.Hub) {
	h.Handle(hub.EventDeploymentCommandOutput, x.HandleOutput)
	h.Handle(hub.EventDeploymentCommandCompleted, x.HandleCompleted)
}

// ------------------------------------------------------------------
// Single-agent execution
// ------------------------------------------------------------------

// ExecuteOnAgent dispatches one tracked command to one agent. The queue
// record is durable either way; a dead agent fails the command
// immediately with agent_not_connected.
func (x *Executor) ExecuteOnAgent(ctx context.Context, agentID fleet.AgentID, command, shell string) (*fleet.CommandInvocation, error) {
	cmd := &fleet.CommandInvocation{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Shell:     shell,
		Command:   command,
		Status:    fleet.CommandPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := x.store.SaveCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("queue command: %w", err)
	}

	if !x.transport.Live(agentID) {
		x.failCommand(ctx, cmd, ErrAgentNotConnected)
		return cmd, nil
	}

	if err := x.transport.Emit(ctx, agentID, hub.EventExecuteDeploymentCommand, hub.ExecuteDeploymentCommand{
		CommandID: cmd.ID,
		Command:   command,
		Shell:     shell,
	}); err != nil {
		x.failCommand(ctx, cmd, err.Error())
		return cmd, nil
	}

	cmd.Status = fleet.CommandRunning
	cmd.StartedAt = time.Now().UTC()
	if err := x.store.UpdateCommand(ctx, cmd); err != nil {
		x.logger.Error("mark command running", "command_id", cmd.ID, "error", err)
	}

	x.mu.Lock()
	x.commands[cmd.ID] = commandRoute{}
	x.mu.Unlock()
	return cmd, nil
}

// ------------------------------------------------------------------
// Group execution (fan-out)
// ------------------------------------------------------------------

// ExecuteOnGroup fans one command out to every device in the group and
// returns immediately with the running execution. Devices whose agent
// is not live fail up front with agent_not_connected; their queue
// records exist all the same so the audit trail is complete.
func (x *Executor) ExecuteOnGroup(ctx context.Context, groupID fleet.GroupID, groupName string, devices []fleet.Device, command, shell, batchID string) (*fleet.GroupExecution, error) {
	return x.executeGroup(ctx, groupID, groupName, devices, command, shell, batchID, 0)
}

func (x *Executor) executeGroup(ctx context.Context, groupID fleet.GroupID, groupName string, devices []fleet.Device, command, shell, batchID string, batchIndex int) (*fleet.GroupExecution, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("group %s has no devices", groupID)
	}

	exec := &fleet.GroupExecution{
		ID:         uuid.NewString(),
		GroupID:    groupID,
		GroupName:  groupName,
		Command:    command,
		Shell:      shell,
		Status:     fleet.ExecutionRunning,
		Total:      len(devices),
		Devices:    make(map[string]*fleet.DeviceResult, len(devices)),
		BatchID:    batchID,
		BatchIndex: batchIndex,
		StartedAt:  time.Now().UTC(),
	}

	x.mu.Lock()
	x.executions[exec.ID] = exec
	x.mu.Unlock()

	for _, device := range devices {
		x.dispatchDevice(ctx, exec, device)
	}

	x.mu.Lock()
	finalized := x.maybeFinalizeLocked(exec)
	snapshot := exec.Clone()
	x.mu.Unlock()

	if finalized {
		if err := x.store.RecordExecution(ctx, snapshot); err != nil {
			x.logger.Error("record execution", "execution_id", exec.ID, "error", err)
		}
	}

	x.logger.Info("group execution started",
		"execution_id", exec.ID, "group", groupName, "devices", exec.Total)
	return snapshot, nil
}

func (x *Executor) dispatchDevice(ctx context.Context, exec *fleet.GroupExecution, device fleet.Device) {
	cmd := &fleet.CommandInvocation{
		ID:          uuid.NewString(),
		AgentID:     device.AgentID,
		Shell:       exec.Shell,
		Command:     exec.Command,
		Status:      fleet.CommandPending,
		CreatedAt:   time.Now().UTC(),
		ExecutionID: exec.ID,
	}
	if err := x.store.SaveCommand(ctx, cmd); err != nil {
		x.logger.Error("queue command", "command_id", cmd.ID, "error", err)
	}

	result := &fleet.DeviceResult{
		DeviceID:   device.ID,
		AgentID:    device.AgentID,
		DeviceName: device.Name,
		Status:     fleet.DevicePending,
		CommandID:  cmd.ID,
	}

	x.mu.Lock()
	exec.Devices[device.ID] = result
	x.mu.Unlock()

	if !x.transport.Live(device.AgentID) {
		x.failCommand(ctx, cmd, ErrAgentNotConnected)
		x.settleDevice(ctx, exec.ID, device.ID, false, "", ErrAgentNotConnected)
		return
	}

	err := x.transport.Emit(ctx, device.AgentID, hub.EventExecuteDeploymentCommand, hub.ExecuteDeploymentCommand{
		CommandID:      cmd.ID,
		Command:        exec.Command,
		Shell:          exec.Shell,
		ExecutionID:    exec.ID,
		GroupExecution: true,
		BatchID:        exec.BatchID,
		BatchIndex:     exec.BatchIndex,
	})
	if err != nil {
		x.failCommand(ctx, cmd, err.Error())
		x.settleDevice(ctx, exec.ID, device.ID, false, "", err.Error())
		return
	}

	cmd.Status = fleet.CommandRunning
	cmd.StartedAt = time.Now().UTC()
	if err := x.store.UpdateCommand(ctx, cmd); err != nil {
		x.logger.Error("mark command running", "command_id", cmd.ID, "error", err)
	}

	x.mu.Lock()
	result.Status = fleet.DeviceRunning
	result.StartedAt = time.Now().UTC()
	x.commands[cmd.ID] = commandRoute{executionID: exec.ID, deviceID: device.ID}
	x.mu.Unlock()
}

// settleDevice applies a terminal per-device outcome and finalizes the
// execution once every device has settled. Counter updates and the
// terminal transition happen under one lock so readers never observe a
// half-updated aggregate.
func (x *Executor) settleDevice(ctx context.Context, executionID, deviceID string, success bool, output, errMsg string) {
	x.mu.Lock()
	exec, ok := x.executions[executionID]
	if !ok {
		x.mu.Unlock()
		return
	}
	result, ok := exec.Devices[deviceID]
	if !ok || result.Status == fleet.DeviceCompleted || result.Status == fleet.DeviceFailed {
		x.mu.Unlock()
		return
	}

	result.EndedAt = time.Now().UTC()
	if output != "" {
		result.Output = capTail(result.Output+output, deviceOutputCap)
	}
	if success {
		result.Status = fleet.DeviceCompleted
		exec.Successful++
	} else {
		result.Status = fleet.DeviceFailed
		result.Error = errMsg
		exec.Failed++
	}
	finalized := x.maybeFinalizeLocked(exec)
	var record *fleet.GroupExecution
	if finalized {
		record = exec.Clone()
	}
	x.mu.Unlock()

	if record != nil {
		if err := x.store.RecordExecution(ctx, record); err != nil {
			x.logger.Error("record execution", "execution_id", executionID, "error", err)
		}
		x.logger.Info("group execution finished",
			"execution_id", executionID, "status", record.Status,
			"successful", record.Successful, "failed", record.Failed)
	}
}

// maybeFinalizeLocked applies the terminal rule once all devices have
// settled. Caller holds x.mu.
func (x *Executor) maybeFinalizeLocked(exec *fleet.GroupExecution) bool {
	if exec.Status.Terminal() || exec.Successful+exec.Failed < exec.Total {
		return false
	}
	exec.Status = exec.AggregateStatus()
	exec.EndedAt = time.Now().UTC()
	return true
}

// GetExecution returns a copy of an execution, consulting live memory
// first and falling back to persisted terminal records.
func (x *Executor) GetExecution(ctx context.Context, id string) (*fleet.GroupExecution, error) {
	x.mu.Lock()
	exec, ok := x.executions[id]
	var clone *fleet.GroupExecution
	if ok {
		clone = exec.Clone()
	}
	x.mu.Unlock()
	if clone != nil {
		return clone, nil
	}
	return x.store.GetExecutionRecord(ctx, id)
}

// ListExecutions returns copies of all in-memory executions.
func (x *Executor) ListExecutions() []*fleet.GroupExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]*fleet.GroupExecution, 0, len(x.executions))
	for _, exec := range x.executions {
		out = append(out, exec.Clone())
	}
	return out
}

// ------------------------------------------------------------------
// Agent event handlers
// ------------------------------------------------------------------

func (x *Executor) HandleOutput(_ context.Context, agentID fleet.AgentID, payload json.RawMessage) {
	var out hub.DeploymentCommandOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		x.logger.Error("bad output payload", "agent_id", agentID, "error", err)
		return
	}

	x.mu.Lock()
	route, ok := x.commands[out.CommandID]
	if ok && route.executionID != "" {
		if exec, ok := x.executions[route.executionID]; ok {
			if result, ok := exec.Devices[route.deviceID]; ok {
				result.Output = capTail(result.Output+out.Output, deviceOutputCap)
			}
		}
	}
	x.mu.Unlock()
}

func (x *Executor) HandleCompleted(ctx context.Context, agentID fleet.AgentID, payload json.RawMessage) {
	var done hub.DeploymentCommandCompleted
	if err := json.Unmarshal(payload, &done); err != nil {
		x.logger.Error("bad completion payload", "agent_id", agentID, "error", err)
		return
	}

	x.mu.Lock()
	route, routed := x.commands[done.CommandID]
	delete(x.commands, done.CommandID)
	x.mu.Unlock()

	// Queue record first: the durable trail must not depend on the
	// in-memory execution still existing.
	cmd, err := x.store.GetCommand(ctx, done.CommandID)
	if err == nil {
		now := time.Now().UTC()
		cmd.CompletedAt = &now
		cmd.Output = capTail(done.Output, deviceOutputCap)
		cmd.Error = done.Error
		cmd.SnapshotID = done.SnapshotID
		if done.Success {
			cmd.Status = fleet.CommandCompleted
		} else {
			cmd.Status = fleet.CommandFailed
		}
		if err := x.store.UpdateCommand(ctx, cmd); err != nil {
			x.logger.Error("update command", "command_id", done.CommandID, "error", err)
		}
	} else if !fleet.IsNotFound(err) {
		x.logger.Error("load command", "command_id", done.CommandID, "error", err)
	}

	if routed && route.executionID != "" {
		x.settleDevice(ctx, route.executionID, route.deviceID, done.Success, done.Output, done.Error)
	}
}

func (x *Executor) failCommand(ctx context.Context, cmd *fleet.CommandInvocation, reason string) {
	now := time.Now().UTC()
	cmd.Status = fleet.CommandFailed
	cmd.Error = reason
	cmd.CompletedAt = &now
	if err := x.store.UpdateCommand(ctx, cmd); err != nil {
		x.logger.Error("fail command", "command_id", cmd.ID, "error", err)
	}
}

func capTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
