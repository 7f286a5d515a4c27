package fleet

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Agents(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	agent := &Agent{
		ID:           "sqlite-agent-1",
		MachineID:    "abc123",
		DeviceName:   "web-01",
		Hostname:     "web-01.example.com",
		IPAddress:    "10.0.0.5",
		OS:           "linux",
		Arch:         "amd64",
		Shells:       []string{"bash", "sh"},
		Status:       AgentOnline,
		SessionID:    "sess-1",
		SystemInfo:   map[string]any{"platform": "ubuntu"},
		LastSeen:     time.Now().UTC().Truncate(time.Second),
		RegisteredAt: time.Now().UTC().Truncate(time.Second),
		Version:      "1.2.0",
	}
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent: %v", err)
	}

	got, err := store.GetAgent(ctx, "sqlite-agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Hostname != "web-01.example.com" {
		t.Errorf("hostname = %q", got.Hostname)
	}
	if len(got.Shells) != 2 || got.Shells[0] != "bash" {
		t.Errorf("shells = %v, want [bash sh]", got.Shells)
	}
	if got.SystemInfo["platform"] != "ubuntu" {
		t.Errorf("system_info = %v", got.SystemInfo)
	}

	// Upsert with the same ID updates in place.
	agent.DeviceName = "web-01-renamed"
	if err := store.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("second UpsertAgent: %v", err)
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}
	if agents[0].DeviceName != "web-01-renamed" {
		t.Errorf("device name after upsert = %q", agents[0].DeviceName)
	}

	if err := store.UpdateAgentStatus(ctx, "sqlite-agent-1", AgentOffline, ""); err != nil {
		t.Fatalf("UpdateAgentStatus: %v", err)
	}
	got, _ = store.GetAgent(ctx, "sqlite-agent-1")
	if got.Status != AgentOffline || got.SessionID != "" {
		t.Errorf("after offline: status=%q session=%q", got.Status, got.SessionID)
	}

	if err := store.RemoveAgent(ctx, "sqlite-agent-1"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if _, err := store.GetAgent(ctx, "sqlite-agent-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if err := store.RemoveAgent(ctx, "sqlite-agent-1"); !IsNotFound(err) {
		t.Errorf("double remove: got %v", err)
	}
}

func TestSQLiteStore_CommandQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	cmd := &CommandInvocation{
		ID:        "cmd-1",
		AgentID:   "a1",
		Shell:     "bash",
		Command:   "apt-get update",
		Status:    CommandPending,
		CreatedAt: base,
	}
	if err := store.SaveCommand(ctx, cmd); err != nil {
		t.Fatalf("SaveCommand: %v", err)
	}

	done := base.Add(3 * time.Second)
	cmd.Status = CommandCompleted
	cmd.StartedAt = base.Add(time.Second)
	cmd.CompletedAt = &done
	cmd.Output = "Reading package lists...\n"
	if err := store.UpdateCommand(ctx, cmd); err != nil {
		t.Fatalf("UpdateCommand: %v", err)
	}

	got, err := store.GetCommand(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != CommandCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, done)
	}
	if got.Output != "Reading package lists...\n" {
		t.Errorf("output = %q", got.Output)
	}

	// Filters.
	if err := store.SaveCommand(ctx, &CommandInvocation{
		ID: "cmd-2", AgentID: "a2", Command: "uptime", Status: CommandPending,
		CreatedAt: base.Add(time.Minute), ExecutionID: "exec-9",
	}); err != nil {
		t.Fatal(err)
	}

	byAgent, _ := store.ListCommands(ctx, ListCommandOptions{AgentID: "a1"})
	if len(byAgent) != 1 || byAgent[0].ID != "cmd-1" {
		t.Errorf("agent filter: %d results", len(byAgent))
	}
	byExec, _ := store.ListCommands(ctx, ListCommandOptions{ExecutionID: "exec-9"})
	if len(byExec) != 1 || byExec[0].ID != "cmd-2" {
		t.Errorf("execution filter: %d results", len(byExec))
	}
	since, _ := store.ListCommands(ctx, ListCommandOptions{Since: base.Add(30 * time.Second)})
	if len(since) != 1 || since[0].ID != "cmd-2" {
		t.Errorf("since filter: %d results", len(since))
	}
	all, _ := store.ListCommands(ctx, ListCommandOptions{})
	if len(all) != 2 || all[0].ID != "cmd-2" {
		t.Errorf("expected newest-first order, got %v", all)
	}

	if err := store.UpdateCommand(ctx, &CommandInvocation{ID: "missing"}); !IsNotFound(err) {
		t.Errorf("update missing: got %v", err)
	}
}

func TestSQLiteStore_RepairsOnLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	done := time.Now().UTC()
	if err := store.SaveCommand(ctx, &CommandInvocation{
		ID:          "wedged",
		AgentID:     "a1",
		Command:     "true",
		Status:      CommandRunning,
		CreatedAt:   time.Now().UTC(),
		CompletedAt: &done,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetCommand(ctx, "wedged")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != CommandCompleted {
		t.Errorf("loaded status = %q, want completed", got.Status)
	}
}

func TestSQLiteStore_Tasks(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	next := time.Date(2026, 9, 1, 3, 0, 0, 0, time.UTC)
	task := &ScheduledTask{
		ID:            "task-1",
		Name:          "weekly restart",
		Type:          TaskCommand,
		Status:        TaskPending,
		Recurrence:    Recurrence{Kind: "weekly", Time: "03:00", Weekdays: []int{1}},
		NextExecution: &next,
		DeviceIDs:     []string{"a1", "a2"},
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Recurrence.Kind != "weekly" || len(got.Recurrence.Weekdays) != 1 {
		t.Errorf("recurrence = %+v", got.Recurrence)
	}
	if got.NextExecution == nil || !got.NextExecution.Equal(next) {
		t.Errorf("next_execution = %v, want %v", got.NextExecution, next)
	}

	task.ExecutionCount = 1
	task.Status = TaskCompleted
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, _ = store.GetTask(ctx, "task-1")
	if got.ExecutionCount != 1 || got.Status != TaskCompleted {
		t.Errorf("after update: count=%d status=%q", got.ExecutionCount, got.Status)
	}

	if err := store.AppendTaskExecution(ctx, &TaskExecution{
		ID: "run-1", TaskID: "task-1", Status: TaskCompleted,
		StartedAt: time.Now().UTC(), ExecutionID: "exec-5",
	}); err != nil {
		t.Fatalf("AppendTaskExecution: %v", err)
	}
	hist, err := store.ListTaskExecutions(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ExecutionID != "exec-5" {
		t.Errorf("history = %+v", hist)
	}

	if err := store.DeleteTask(ctx, "task-1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := store.GetTask(ctx, "task-1"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	hist, _ = store.ListTaskExecutions(ctx, "task-1")
	if len(hist) != 0 {
		t.Errorf("history survived delete: %d entries", len(hist))
	}
}

func TestSQLiteStore_ExecutionRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)
	base := time.Now().UTC()

	for i, id := range []string{"exec-old", "exec-new"} {
		exec := &GroupExecution{
			ID:         id,
			Command:    "uname -a",
			Status:     ExecutionCompleted,
			Total:      1,
			Successful: 1,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			Devices: map[string]*DeviceResult{
				"d1": {DeviceID: "d1", Status: DeviceCompleted, Output: "Linux"},
			},
		}
		if err := store.RecordExecution(ctx, exec); err != nil {
			t.Fatalf("RecordExecution(%s): %v", id, err)
		}
	}

	got, err := store.GetExecutionRecord(ctx, "exec-old")
	if err != nil {
		t.Fatalf("GetExecutionRecord: %v", err)
	}
	if got.Devices["d1"].Output != "Linux" {
		t.Errorf("device output = %q", got.Devices["d1"].Output)
	}

	list, err := store.ListExecutionRecords(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "exec-new" {
		t.Errorf("expected newest record first with limit 1, got %v", list)
	}

	// Re-recording the same ID overwrites the stored record.
	if err := store.RecordExecution(ctx, &GroupExecution{
		ID: "exec-old", Status: ExecutionFailed, StartedAt: base,
		Devices: map[string]*DeviceResult{},
	}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetExecutionRecord(ctx, "exec-old")
	if got.Status != ExecutionFailed {
		t.Errorf("status after overwrite = %q", got.Status)
	}
}
