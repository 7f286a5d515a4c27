// Package fleet defines the data model and persistence contract for the
// deployx control plane.
//
// It covers:
//   - Agent registration and liveness tracking
//   - Command invocations and their durable queue records
//   - Group executions (one command fanned out across N devices)
//   - Sequential batch executions
//   - Scheduled tasks and their execution history
package fleet

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentID is a stable, machine-derived identifier for an endpoint agent.
type AgentID string

// GroupID identifies a named collection of devices.
type GroupID string

// AgentStatus is the liveness state of an agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// LivenessWindow is how long after the last heartbeat an agent is still
// considered online while a transport session is bound.
const LivenessWindow = 30 * time.Second

// Agent is a registered endpoint.
type Agent struct {
	ID           AgentID        `json:"agent_id"`
	MachineID    string         `json:"machine_id"`
	DeviceName   string         `json:"device_name"`
	Hostname     string         `json:"hostname"`
	IPAddress    string         `json:"ip_address"`
	OS           string         `json:"os"`
	Arch         string         `json:"arch"`
	Shells       []string       `json:"shells"`
	Status       AgentStatus    `json:"status"`
	LastSeen     time.Time      `json:"last_seen"`
	SessionID    string         `json:"session_id,omitempty"` // bound transport session
	SystemInfo   map[string]any `json:"system_info,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
	Version      string         `json:"version"`
}

// Live reports whether the agent counts as online: a transport session is
// bound and the last heartbeat is within the liveness window.
func (a *Agent) Live(now time.Time) bool {
	return a.SessionID != "" && now.Sub(a.LastSeen) <= LivenessWindow
}

// ------------------------------------------------------------------
// Command invocations
// ------------------------------------------------------------------

// CommandStatus is the lifecycle state of a single command invocation.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandPaused    CommandStatus = "paused"
)

// Terminal reports whether no further transitions may occur.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// CommandInvocation is one command text dispatched to one agent.
// completed_at is non-nil exactly when the status is terminal.
type CommandInvocation struct {
	ID          string        `json:"command_id"`
	AgentID     AgentID       `json:"agent_id"`
	Shell       string        `json:"shell"`
	Command     string        `json:"command"`
	Strategy    string        `json:"strategy,omitempty"`
	Status      CommandStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	SnapshotID  string        `json:"snapshot_id,omitempty"`
	ExecutionID string        `json:"group_execution_id,omitempty"`
}

// ------------------------------------------------------------------
// Group executions
// ------------------------------------------------------------------

// ExecutionStatus is the aggregate state of a group execution.
type ExecutionStatus string

const (
	ExecutionPending        ExecutionStatus = "pending"
	ExecutionRunning        ExecutionStatus = "running"
	ExecutionCompleted      ExecutionStatus = "completed"
	ExecutionPartialSuccess ExecutionStatus = "partial_success"
	ExecutionFailed         ExecutionStatus = "failed"
)

// Terminal reports whether the execution has reached a final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionPartialSuccess || s == ExecutionFailed
}

// DeviceStatus is the per-device state inside a group execution.
type DeviceStatus string

const (
	DevicePending   DeviceStatus = "pending"
	DeviceRunning   DeviceStatus = "running"
	DeviceCompleted DeviceStatus = "completed"
	DeviceFailed    DeviceStatus = "failed"
)

// Device is a fan-out target: the stable device record plus the agent
// currently serving it.
type Device struct {
	ID      string  `json:"device_id"`
	AgentID AgentID `json:"agent_id"`
	Name    string  `json:"name"`
}

// DeviceResult is the outcome of a group command on one device.
type DeviceResult struct {
	DeviceID   string       `json:"device_id"`
	AgentID    AgentID      `json:"agent_id"`
	DeviceName string       `json:"device_name"`
	Status     DeviceStatus `json:"status"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	CommandID  string       `json:"command_id,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	EndedAt    time.Time    `json:"ended_at,omitempty"`
}

// GroupExecution is the fan-out of a single command across a device group.
type GroupExecution struct {
	ID         string                   `json:"execution_id"`
	GroupID    GroupID                  `json:"group_id"`
	GroupName  string                   `json:"group_name"`
	Command    string                   `json:"command"`
	Shell      string                   `json:"shell"`
	Strategy   string                   `json:"strategy,omitempty"`
	Status     ExecutionStatus          `json:"status"`
	Total      int                      `json:"total"`
	Successful int                      `json:"successful"`
	Failed     int                      `json:"failed"`
	Devices    map[string]*DeviceResult `json:"devices"` // keyed by device_id
	BatchID    string                   `json:"batch_id,omitempty"`
	BatchIndex int                      `json:"batch_index,omitempty"` // step position within the batch
	StartedAt  time.Time                `json:"started_at,omitempty"`
	EndedAt    time.Time                `json:"ended_at,omitempty"`
}

// AggregateStatus applies the terminal rule: all succeeded → completed,
// all failed → failed, mixed → partial_success.
func (e *GroupExecution) AggregateStatus() ExecutionStatus {
	switch {
	case e.Successful == e.Total:
		return ExecutionCompleted
	case e.Failed == e.Total:
		return ExecutionFailed
	default:
		return ExecutionPartialSuccess
	}
}

// Clone returns a deep copy safe for reader access while the executor
// keeps mutating the original.
func (e *GroupExecution) Clone() *GroupExecution {
	cp := *e
	cp.Devices = make(map[string]*DeviceResult, len(e.Devices))
	for id, dr := range e.Devices {
		d := *dr
		cp.Devices[id] = &d
	}
	return &cp
}

// ------------------------------------------------------------------
// Batch executions
// ------------------------------------------------------------------

// BatchExecution is an ordered list of commands run step-by-step across
// one group. Step i+1 is not dispatched until step i reaches a terminal
// aggregate state.
type BatchExecution struct {
	ID            string          `json:"batch_id"`
	GroupID       GroupID         `json:"group_id"`
	GroupName     string          `json:"group_name"`
	Commands      []string        `json:"commands"`
	Shell         string          `json:"shell"`
	StopOnFailure bool            `json:"stop_on_failure"`
	CurrentIndex  int             `json:"current_index"`
	ExecutionIDs  []string        `json:"execution_ids"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	EndedAt       time.Time       `json:"ended_at,omitempty"`
	Cancelled     bool            `json:"cancelled,omitempty"`
}

// ------------------------------------------------------------------
// Scheduled tasks
// ------------------------------------------------------------------

// TaskType selects what a scheduled task triggers when it fires.
type TaskType string

const (
	TaskCommand        TaskType = "command"
	TaskSoftwareDeploy TaskType = "software_deploy"
	TaskFileDeploy     TaskType = "file_deploy"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskPaused    TaskStatus = "paused"
)

// Recurrence describes when a task fires.
type Recurrence struct {
	Kind       string `json:"kind"`               // "once", "daily", "weekly", "monthly", "cron"
	Time       string `json:"time,omitempty"`     // "HH:MM" for daily/weekly/monthly
	Weekdays   []int  `json:"weekdays,omitempty"` // 0=Sunday, for weekly
	DayOfMonth int    `json:"day_of_month,omitempty"`
	CronExpr   string `json:"cron_expr,omitempty"`
}

// ScheduledTask is a future or recurring invocation of a command, software
// deployment, or file deployment.
type ScheduledTask struct {
	ID             string          `json:"task_id"`
	Name           string          `json:"name"`
	Type           TaskType        `json:"type"`
	Status         TaskStatus      `json:"status"`
	ScheduledTime  time.Time       `json:"scheduled_time"`
	Recurrence     Recurrence      `json:"recurrence"`
	Payload        json.RawMessage `json:"payload"`
	DeviceIDs      []string        `json:"device_ids,omitempty"`
	GroupIDs       []GroupID       `json:"group_ids,omitempty"`
	LastExecution  *time.Time      `json:"last_execution,omitempty"`
	NextExecution  *time.Time      `json:"next_execution,omitempty"`
	ExecutionCount int             `json:"execution_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TaskExecution is one historical fire of a scheduled task.
type TaskExecution struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedTime *time.Time `json:"completed_time,omitempty"`
	Status        TaskStatus `json:"status"`
	ExecutionID   string     `json:"execution_id,omitempty"` // downstream group execution
	BatchID       string     `json:"batch_id,omitempty"`
	DeploymentID  string     `json:"deployment_id,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// CommandTaskPayload is the payload shape for TaskCommand tasks. Exactly
// one of Command or Commands is set.
type CommandTaskPayload struct {
	Command       string   `json:"command,omitempty"`
	Commands      []string `json:"commands,omitempty"`
	Shell         string   `json:"shell,omitempty"`
	StopOnFailure bool     `json:"stop_on_failure,omitempty"`
}

// NotFoundError is returned by stores for missing records.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err is a store NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
