package sched

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deployx/deployx/pkg/executor"
	"github.com/deployx/deployx/pkg/fleet"
	"github.com/deployx/deployx/pkg/hub"
)

// stubTransport answers every dispatched command successfully through
// the executor's own completion handler.
type stubTransport struct {
	x *executor.Executor

	mu       sync.Mutex
	liveAll  bool
	deployed []string // events emitted for deploy frames
}

func (s *stubTransport) Live(fleet.AgentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveAll
}

func (s *stubTransport) Emit(ctx context.Context, agentID fleet.AgentID, event string, payload any) error {
	if event != hub.EventExecuteDeploymentCommand {
		s.mu.Lock()
		s.deployed = append(s.deployed, event)
		s.mu.Unlock()
		return nil
	}
	cmd := payload.(hub.ExecuteDeploymentCommand)
	go func() {
		raw, _ := json.Marshal(hub.DeploymentCommandCompleted{CommandID: cmd.CommandID, Success: true})
		s.x.HandleCompleted(context.Background(), agentID, raw)
	}()
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *stubTransport, fleet.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := fleet.NewMemoryStore()
	st := &stubTransport{liveAll: true}
	x := executor.New(store, st, logger)
	st.x = x

	resolve := func(_ context.Context, deviceIDs []string, _ []fleet.GroupID) ([]fleet.Device, error) {
		out := make([]fleet.Device, len(deviceIDs))
		for i, id := range deviceIDs {
			out[i] = fleet.Device{ID: id, AgentID: fleet.AgentID(id), Name: id}
		}
		return out, nil
	}

	s := New(store, x, st, resolve, logger)
	s.poll = 10 * time.Millisecond
	s.commandWait = 2 * time.Second
	s.batchWait = 4 * time.Second
	return s, st, store
}

func commandTask(name string, when time.Time, rec fleet.Recurrence) *fleet.ScheduledTask {
	payload, _ := json.Marshal(fleet.CommandTaskPayload{Command: "uptime", Shell: "sh"})
	return &fleet.ScheduledTask{
		Name:          name,
		Type:          fleet.TaskCommand,
		ScheduledTime: when,
		Recurrence:    rec,
		Payload:       payload,
		DeviceIDs:     []string{"a1"},
	}
}

func TestCreateTaskRejectsPastOnce(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	task := commandTask("late", time.Now().UTC().Add(-time.Hour), fleet.Recurrence{Kind: "once"})
	assert.Error(t, s.CreateTask(context.Background(), task))
}

func TestCreateTaskComputesNextFire(t *testing.T) {
	s, _, store := newTestScheduler(t)
	when := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	task := commandTask("soon", when, fleet.Recurrence{Kind: "once"})
	require.NoError(t, s.CreateTask(context.Background(), task))

	saved, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskPending, saved.Status)
	require.NotNil(t, saved.NextExecution)
	assert.Equal(t, when, *saved.NextExecution)
}

func TestOnceTaskFiresAndCompletes(t *testing.T) {
	s, _, store := newTestScheduler(t)
	ctx := context.Background()

	when := time.Now().UTC().Add(time.Hour)
	task := commandTask("deploy", when, fleet.Recurrence{Kind: "once"})
	require.NoError(t, s.CreateTask(ctx, task))

	// Advance the clock to just past the fire time and sweep.
	s.now = func() time.Time { return when.Add(time.Second) }
	s.sweep(ctx)

	awaitTaskStatus(t, store, task.ID, fleet.TaskCompleted)

	saved, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, saved.NextExecution, "once task must not reschedule")
	assert.Equal(t, 1, saved.ExecutionCount)
	require.NotNil(t, saved.LastExecution)

	execs, err := store.ListTaskExecutions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, fleet.TaskCompleted, execs[0].Status)
	assert.NotEmpty(t, execs[0].ExecutionID, "fire must link the group execution")
}

func TestRecurringTaskReschedules(t *testing.T) {
	s, _, store := newTestScheduler(t)
	ctx := context.Background()

	task := commandTask("nightly", time.Time{}, fleet.Recurrence{Kind: "daily", Time: "03:00"})
	require.NoError(t, s.CreateTask(ctx, task))

	saved, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	due := *saved.NextExecution

	s.now = func() time.Time { return due.Add(time.Second) }
	s.sweep(ctx)

	awaitTaskStatus(t, store, task.ID, fleet.TaskPending)

	saved, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, saved.NextExecution)
	assert.True(t, saved.NextExecution.After(due), "next fire must advance")
	assert.Equal(t, 1, saved.ExecutionCount)
}

func TestMissedSlotRecurring(t *testing.T) {
	s, _, store := newTestScheduler(t)
	ctx := context.Background()

	task := commandTask("nightly", time.Time{}, fleet.Recurrence{Kind: "daily", Time: "03:00"})
	require.NoError(t, s.CreateTask(ctx, task))
	saved, _ := store.GetTask(ctx, task.ID)
	due := *saved.NextExecution

	// Found ten minutes late: past the five-minute grace window.
	s.now = func() time.Time { return due.Add(10 * time.Minute) }
	s.sweep(ctx)

	saved, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskPending, saved.Status, "recurring task skips the slot, stays alive")
	require.NotNil(t, saved.NextExecution)
	assert.True(t, saved.NextExecution.After(due))
	assert.Equal(t, 0, saved.ExecutionCount, "missed slot is not an execution")

	execs, err := store.ListTaskExecutions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, fleet.TaskFailed, execs[0].Status)
}

func TestMissedSlotOnceFails(t *testing.T) {
	s, _, store := newTestScheduler(t)
	ctx := context.Background()

	when := time.Now().UTC().Add(time.Hour)
	task := commandTask("late-once", when, fleet.Recurrence{Kind: "once"})
	require.NoError(t, s.CreateTask(ctx, task))

	s.now = func() time.Time { return when.Add(10 * time.Minute) }
	s.sweep(ctx)

	saved, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskFailed, saved.Status)
	assert.Nil(t, saved.NextExecution)
}

func TestPauseResume(t *testing.T) {
	s, _, store := newTestScheduler(t)
	ctx := context.Background()

	task := commandTask("pausable", time.Time{}, fleet.Recurrence{Kind: "daily", Time: "03:00"})
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.PauseTask(ctx, task.ID))
	saved, _ := store.GetTask(ctx, task.ID)
	assert.Equal(t, fleet.TaskPaused, saved.Status)

	// A paused task does not fire even when due.
	due := *saved.NextExecution
	s.now = func() time.Time { return due.Add(time.Second) }
	s.sweep(ctx)
	saved, _ = store.GetTask(ctx, task.ID)
	assert.Equal(t, fleet.TaskPaused, saved.Status)
	assert.Equal(t, 0, saved.ExecutionCount)

	require.NoError(t, s.ResumeTask(ctx, task.ID))
	saved, _ = store.GetTask(ctx, task.ID)
	assert.Equal(t, fleet.TaskPending, saved.Status)
	require.NotNil(t, saved.NextExecution)
	assert.True(t, saved.NextExecution.After(due), "resume past the old slot recomputes")
}

func TestCancelTask(t *testing.T) {
	s, _, store := newTestScheduler(t)
	ctx := context.Background()

	task := commandTask("doomed", time.Time{}, fleet.Recurrence{Kind: "daily", Time: "03:00"})
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, s.CancelTask(ctx, task.ID))

	saved, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskCancelled, saved.Status)
	assert.Nil(t, saved.NextExecution)
}

func TestSoftwareDeployTaskDispatches(t *testing.T) {
	s, st, store := newTestScheduler(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"software_list": []string{"htop"}})
	when := time.Now().UTC().Add(time.Hour)
	task := &fleet.ScheduledTask{
		Name:          "install htop",
		Type:          fleet.TaskSoftwareDeploy,
		ScheduledTime: when,
		Recurrence:    fleet.Recurrence{Kind: "once"},
		Payload:       payload,
		DeviceIDs:     []string{"a1", "a2"},
	}
	require.NoError(t, s.CreateTask(ctx, task))

	s.now = func() time.Time { return when.Add(time.Second) }
	s.sweep(ctx)

	awaitTaskStatus(t, store, task.ID, fleet.TaskCompleted)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.deployed, 2, "one install frame per device")
}

func TestCreateTaskValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	bad := commandTask("", time.Now().UTC().Add(time.Hour), fleet.Recurrence{Kind: "once"})
	assert.Error(t, s.CreateTask(ctx, bad), "empty name")

	noTargets := commandTask("x", time.Now().UTC().Add(time.Hour), fleet.Recurrence{Kind: "once"})
	noTargets.DeviceIDs = nil
	assert.Error(t, s.CreateTask(ctx, noTargets), "no targets")

	badType := commandTask("x", time.Now().UTC().Add(time.Hour), fleet.Recurrence{Kind: "once"})
	badType.Type = "mystery"
	assert.Error(t, s.CreateTask(ctx, badType), "unknown type")
}

func awaitTaskStatus(t *testing.T, store fleet.Store, taskID string, want fleet.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task status = %s, want %s", task.Status, want)
}
