package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the wire format for every controller↔agent message: an event
// name plus a JSON payload.
type Frame struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewFrame marshals payload and wraps it in a Frame.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// Controller → agent events.
const (
	EventStartShellRequest        = "start_shell_request"
	EventStopShellRequest         = "stop_shell_request"
	EventCommandInput             = "command_input"
	EventExecuteDeploymentCommand = "execute_deployment_command"
	EventRollbackCommand          = "rollback_command"
	EventRollbackBatch            = "rollback_batch"
	EventInstallSoftware          = "install_software"
	EventReceiveFile              = "receive_file"
	EventRegistered               = "registered"
	EventError                    = "error"
)

// Agent → controller events.
const (
	EventAgentRegister              = "agent_register"
	EventAgentHeartbeat             = "agent_heartbeat"
	EventCommandOutput              = "command_output"
	EventShellStarted               = "shell_started"
	EventShellStopped               = "shell_stopped"
	EventDeploymentCommandOutput    = "deployment_command_output"
	EventDeploymentCommandCompleted = "deployment_command_completed"
	EventRollbackResult             = "rollback_result"
	EventBatchRollbackResult        = "batch_rollback_result"
	EventSoftwareInstallationStatus = "software_installation_status"
	EventFileTransferResult         = "file_transfer_result"
)

// Controller → operator events.
const (
	EventDeviceStatusChanged = "device_status_changed"
)

// ------------------------------------------------------------------
// Payload types
// ------------------------------------------------------------------

// AgentRegister is the first frame an agent sends after connecting.
type AgentRegister struct {
	AgentID    string         `json:"agent_id"`
	MachineID  string         `json:"machine_id"`
	DeviceName string         `json:"device_name"`
	IPAddress  string         `json:"ip_address"`
	OS         string         `json:"os"`
	Arch       string         `json:"arch"`
	Hostname   string         `json:"hostname"`
	Shells     []string       `json:"shells"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
	Version    string         `json:"version,omitempty"`
}

// Heartbeat keeps the agent's liveness window open.
type Heartbeat struct {
	AgentID string `json:"agent_id"`
}

// StartShellRequest opens an interactive shell session on the agent.
type StartShellRequest struct {
	Shell     string `json:"shell"`
	SessionID string `json:"session_id"`
}

// StopShellRequest tears down a shell session.
type StopShellRequest struct {
	SessionID string `json:"session_id"`
}

// CommandInput feeds a line (or a control character) into an open shell.
type CommandInput struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// ExecuteDeploymentCommand runs one tracked command on the agent. For
// batch steps BatchID and BatchIndex identify the enclosing batch so the
// agent can group its pre-command snapshots for a later batch rollback.
type ExecuteDeploymentCommand struct {
	CommandID      string `json:"command_id"`
	Command        string `json:"command"`
	Shell          string `json:"shell"`
	ExecutionID    string `json:"execution_id,omitempty"`
	GroupExecution bool   `json:"group_execution,omitempty"`
	BatchID        string `json:"batch_id,omitempty"`
	BatchIndex     int    `json:"batch_index,omitempty"`
}

// RollbackCommand reverses one snapshot on the agent.
type RollbackCommand struct {
	SnapshotID string `json:"snapshot_id"`
}

// RollbackBatch reverses a whole batch, newest snapshot first.
type RollbackBatch struct {
	BatchID string `json:"batch_id"`
}

// InstallSoftware is a passthrough to the deployment subsystem.
type InstallSoftware struct {
	DeploymentID string   `json:"deployment_id"`
	DeviceID     string   `json:"device_id"`
	SoftwareList []string `json:"software_list"`
}

// ReceiveFile is a passthrough file-deployment request.
type ReceiveFile struct {
	DeploymentID        string `json:"deployment_id"`
	FileID              string `json:"file_id"`
	Filename            string `json:"filename"`
	FileDataB64         string `json:"file_data_b64"`
	TargetPath          string `json:"target_path"`
	CreatePathIfMissing bool   `json:"create_path_if_not_exists"`
}

// CommandOutput streams interactive shell output back to the operator.
type CommandOutput struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
}

// ShellStarted acknowledges a successful shell start.
type ShellStarted struct {
	Shell     string `json:"shell"`
	SessionID string `json:"session_id"`
}

// ShellStopped acknowledges a shell teardown.
type ShellStopped struct {
	SessionID string `json:"session_id"`
}

// DeploymentCommandOutput streams partial output of a tracked command.
type DeploymentCommandOutput struct {
	CommandID string `json:"command_id"`
	Output    string `json:"output"`
}

// DeploymentCommandCompleted is the single terminal event for a tracked
// command.
type DeploymentCommandCompleted struct {
	CommandID  string `json:"command_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// RollbackResult is the terminal event for a single-snapshot rollback.
type RollbackResult struct {
	SnapshotID string `json:"snapshot_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// BatchRollbackResult is the terminal event for a batch rollback.
type BatchRollbackResult struct {
	BatchID string `json:"batch_id"`
	Success bool   `json:"success"`
}

// SoftwareInstallationStatus reports deployment-subsystem progress.
type SoftwareInstallationStatus struct {
	DeploymentID string `json:"deployment_id"`
	DeviceID     string `json:"device_id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}

// FileTransferResult reports the outcome of a file deployment.
type FileTransferResult struct {
	DeploymentID string `json:"deployment_id"`
	FileID       string `json:"file_id"`
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	PathCreated  bool   `json:"path_created,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
}

// DeviceStatusChanged notifies operators of an agent liveness flip.
type DeviceStatusChanged struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// ErrorEvent surfaces a validation failure on the offending session.
type ErrorEvent struct {
	Message string `json:"message"`
}
