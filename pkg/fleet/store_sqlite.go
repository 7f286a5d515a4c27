package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// SQLiteStore implements Store with SQLite persistence. It is the default
// backend for single-node controller deployments; PostgresStore serves
// multi-node setups.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath.
// Use ":memory:" for an in-memory database (testing).
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL DEFAULT '',
			device_name TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			arch TEXT NOT NULL DEFAULT '',
			shells TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			session_id TEXT NOT NULL DEFAULT '',
			system_info TEXT NOT NULL DEFAULT '{}',
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			version TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			shell TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			snapshot_id TEXT NOT NULL DEFAULT '',
			execution_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_execution ON commands(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			started_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			record TEXT NOT NULL,
			started_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_task ON task_executions(task_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ------------------------------------------------------------------
// Agents
// ------------------------------------------------------------------

func (s *SQLiteStore) UpsertAgent(_ context.Context, agent *Agent) error {
	shellsJSON, _ := json.Marshal(agent.Shells)
	infoJSON, _ := json.Marshal(agent.SystemInfo)

	_, err := s.db.Exec(`
		INSERT INTO agents (id, machine_id, device_name, hostname, ip_address, os, arch, shells, status, last_seen, session_id, system_info, registered_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			machine_id=excluded.machine_id, device_name=excluded.device_name,
			hostname=excluded.hostname, ip_address=excluded.ip_address,
			os=excluded.os, arch=excluded.arch, shells=excluded.shells,
			status=excluded.status, last_seen=excluded.last_seen,
			session_id=excluded.session_id, system_info=excluded.system_info,
			version=excluded.version
	`, string(agent.ID), agent.MachineID, agent.DeviceName, agent.Hostname, agent.IPAddress,
		agent.OS, agent.Arch, string(shellsJSON), string(agent.Status),
		agent.LastSeen.UTC(), agent.SessionID, string(infoJSON), agent.RegisteredAt.UTC(), agent.Version)
	return err
}

func (s *SQLiteStore) RemoveAgent(_ context.Context, id AgentID) error {
	res, err := s.db.Exec("DELETE FROM agents WHERE id = ?", string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "agent", ID: string(id)}
	}
	return nil
}

func (s *SQLiteStore) UpdateAgentStatus(_ context.Context, id AgentID, status AgentStatus, sessionID string) error {
	res, err := s.db.Exec("UPDATE agents SET status = ?, session_id = ? WHERE id = ?",
		string(status), sessionID, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "agent", ID: string(id)}
	}
	return nil
}

func (s *SQLiteStore) TouchAgent(_ context.Context, id AgentID, at time.Time) error {
	res, err := s.db.Exec("UPDATE agents SET last_seen = ? WHERE id = ?", at.UTC(), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "agent", ID: string(id)}
	}
	return nil
}

const agentColumns = `id, machine_id, device_name, hostname, ip_address, os, arch, shells, status, last_seen, session_id, system_info, registered_at, version`

func (s *SQLiteStore) GetAgent(_ context.Context, id AgentID) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, string(id))
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "agent", ID: string(id)}
	}
	return a, err
}

func (s *SQLiteStore) ListAgents(_ context.Context) ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ------------------------------------------------------------------
// Command queue
// ------------------------------------------------------------------

func (s *SQLiteStore) SaveCommand(_ context.Context, cmd *CommandInvocation) error {
	_, err := s.db.Exec(`
		INSERT INTO commands (id, agent_id, shell, command, strategy, status, created_at, started_at, completed_at, output, error, snapshot_id, execution_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, string(cmd.AgentID), cmd.Shell, cmd.Command, cmd.Strategy, string(cmd.Status),
		cmd.CreatedAt.UTC(), nullTime(cmd.StartedAt), nullTimePtr(cmd.CompletedAt),
		cmd.Output, cmd.Error, cmd.SnapshotID, cmd.ExecutionID)
	return err
}

func (s *SQLiteStore) UpdateCommand(_ context.Context, cmd *CommandInvocation) error {
	res, err := s.db.Exec(`
		UPDATE commands SET status = ?, started_at = ?, completed_at = ?, output = ?, error = ?, snapshot_id = ?
		WHERE id = ?
	`, string(cmd.Status), nullTime(cmd.StartedAt), nullTimePtr(cmd.CompletedAt),
		cmd.Output, cmd.Error, cmd.SnapshotID, cmd.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "command", ID: cmd.ID}
	}
	return nil
}

const commandColumns = `id, agent_id, shell, command, strategy, status, created_at, started_at, completed_at, output, error, snapshot_id, execution_id`

func (s *SQLiteStore) GetCommand(_ context.Context, id string) (*CommandInvocation, error) {
	row := s.db.QueryRow(`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "command", ID: id}
	}
	return c, err
}

func (s *SQLiteStore) ListCommands(_ context.Context, opts ListCommandOptions) ([]*CommandInvocation, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE 1=1`
	var args []any

	if opts.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, string(opts.AgentID))
	}
	if opts.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, opts.ExecutionID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CommandInvocation
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ------------------------------------------------------------------
// Execution records
// ------------------------------------------------------------------

func (s *SQLiteStore) RecordExecution(_ context.Context, exec *GroupExecution) error {
	recJSON, _ := json.Marshal(exec)
	_, err := s.db.Exec(`INSERT INTO executions (id, record, started_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record=excluded.record`,
		exec.ID, string(recJSON), exec.StartedAt.UTC())
	return err
}

func (s *SQLiteStore) GetExecutionRecord(_ context.Context, id string) (*GroupExecution, error) {
	var recJSON string
	err := s.db.QueryRow("SELECT record FROM executions WHERE id = ?", id).Scan(&recJSON)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "execution", ID: id}
	}
	if err != nil {
		return nil, err
	}
	var exec GroupExecution
	if err := json.Unmarshal([]byte(recJSON), &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *SQLiteStore) ListExecutionRecords(_ context.Context, limit int) ([]*GroupExecution, error) {
	query := "SELECT record FROM executions ORDER BY started_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GroupExecution
	for rows.Next() {
		var recJSON string
		if err := rows.Scan(&recJSON); err != nil {
			return nil, err
		}
		var exec GroupExecution
		if err := json.Unmarshal([]byte(recJSON), &exec); err != nil {
			return nil, err
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// ------------------------------------------------------------------
// Scheduled tasks
// ------------------------------------------------------------------

func (s *SQLiteStore) SaveTask(_ context.Context, task *ScheduledTask) error {
	recJSON, _ := json.Marshal(task)
	_, err := s.db.Exec(`INSERT INTO tasks (id, record, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record=excluded.record`,
		task.ID, string(recJSON), task.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) UpdateTask(_ context.Context, task *ScheduledTask) error {
	recJSON, _ := json.Marshal(task)
	res, err := s.db.Exec("UPDATE tasks SET record = ? WHERE id = ?", string(recJSON), task.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "task", ID: task.ID}
	}
	return nil
}

func (s *SQLiteStore) GetTask(_ context.Context, id string) (*ScheduledTask, error) {
	var recJSON string
	err := s.db.QueryRow("SELECT record FROM tasks WHERE id = ?", id).Scan(&recJSON)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, err
	}
	var task ScheduledTask
	if err := json.Unmarshal([]byte(recJSON), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

func (s *SQLiteStore) ListTasks(_ context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.Query("SELECT record FROM tasks ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledTask
	for rows.Next() {
		var recJSON string
		if err := rows.Scan(&recJSON); err != nil {
			return nil, err
		}
		var task ScheduledTask
		if err := json.Unmarshal([]byte(recJSON), &task); err != nil {
			return nil, err
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTask(_ context.Context, id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "task", ID: id}
	}
	s.db.Exec("DELETE FROM task_executions WHERE task_id = ?", id)
	return nil
}

func (s *SQLiteStore) AppendTaskExecution(_ context.Context, exec *TaskExecution) error {
	recJSON, _ := json.Marshal(exec)
	_, err := s.db.Exec(`INSERT INTO task_executions (id, task_id, record, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record=excluded.record`,
		exec.ID, exec.TaskID, string(recJSON), exec.StartedAt.UTC())
	return err
}

func (s *SQLiteStore) ListTaskExecutions(_ context.Context, taskID string) ([]*TaskExecution, error) {
	rows, err := s.db.Query("SELECT record FROM task_executions WHERE task_id = ? ORDER BY started_at", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskExecution
	for rows.Next() {
		var recJSON string
		if err := rows.Scan(&recJSON); err != nil {
			return nil, err
		}
		var exec TaskExecution
		if err := json.Unmarshal([]byte(recJSON), &exec); err != nil {
			return nil, err
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// ------------------------------------------------------------------
// Scan helpers
// ------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var shellsJSON, infoJSON, statusStr string
	var lastSeen, registeredAt time.Time

	err := row.Scan(&a.ID, &a.MachineID, &a.DeviceName, &a.Hostname, &a.IPAddress,
		&a.OS, &a.Arch, &shellsJSON, &statusStr, &lastSeen, &a.SessionID,
		&infoJSON, &registeredAt, &a.Version)
	if err != nil {
		return nil, err
	}

	a.Status = AgentStatus(statusStr)
	a.LastSeen = lastSeen
	a.RegisteredAt = registeredAt
	json.Unmarshal([]byte(shellsJSON), &a.Shells)
	json.Unmarshal([]byte(infoJSON), &a.SystemInfo)
	return &a, nil
}

func scanCommand(row scanner) (*CommandInvocation, error) {
	var c CommandInvocation
	var statusStr string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&c.ID, &c.AgentID, &c.Shell, &c.Command, &c.Strategy, &statusStr,
		&c.CreatedAt, &startedAt, &completedAt, &c.Output, &c.Error, &c.SnapshotID, &c.ExecutionID)
	if err != nil {
		return nil, err
	}

	c.Status = CommandStatus(statusStr)
	if startedAt.Valid {
		c.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	RepairCommand(&c)
	return &c, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
