package fleet

import (
	"context"
	"time"
)

// Store is the persistence contract for the control plane.
// Implementations: MemoryStore (tests), SQLiteStore (single-node prod),
// PostgresStore (selected when DB_URL points at postgres).
//
// Group execution and batch tables are deliberately NOT kept here while
// running: they live in the executor's memory and only terminal records
// are persisted for the audit trail. Controller restart loses in-flight
// execution state.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	RemoveAgent(ctx context.Context, id AgentID) error
	UpdateAgentStatus(ctx context.Context, id AgentID, status AgentStatus, sessionID string) error
	TouchAgent(ctx context.Context, id AgentID, at time.Time) error
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Command queue (durable, keyed by command_id)
	SaveCommand(ctx context.Context, cmd *CommandInvocation) error
	UpdateCommand(ctx context.Context, cmd *CommandInvocation) error
	GetCommand(ctx context.Context, id string) (*CommandInvocation, error)
	ListCommands(ctx context.Context, opts ListCommandOptions) ([]*CommandInvocation, error)

	// Terminal execution records
	RecordExecution(ctx context.Context, exec *GroupExecution) error
	GetExecutionRecord(ctx context.Context, id string) (*GroupExecution, error)
	ListExecutionRecords(ctx context.Context, limit int) ([]*GroupExecution, error)

	// Scheduled tasks
	SaveTask(ctx context.Context, task *ScheduledTask) error
	UpdateTask(ctx context.Context, task *ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListTasks(ctx context.Context) ([]*ScheduledTask, error)
	DeleteTask(ctx context.Context, id string) error
	AppendTaskExecution(ctx context.Context, exec *TaskExecution) error
	ListTaskExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error)

	Close() error
}

// ListCommandOptions filters command queue queries.
type ListCommandOptions struct {
	AgentID     AgentID
	ExecutionID string
	Status      CommandStatus
	Since       time.Time
	Limit       int
}

// RepairCommand fixes obvious inconsistencies in a loaded queue record:
// a command with completed_at set but a non-terminal status is forced to
// completed. Returns true if the record was changed.
func RepairCommand(cmd *CommandInvocation) bool {
	if cmd.CompletedAt != nil && !cmd.Status.Terminal() {
		cmd.Status = CommandCompleted
		return true
	}
	return false
}
