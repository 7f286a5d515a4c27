package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deployx/deployx/pkg/fleet"
	"github.com/deployx/deployx/pkg/hub"
)

// fakeTransport plays the fleet: live agents accept commands and report
// a scripted outcome back through the executor's completion handler.
type fakeTransport struct {
	x *Executor

	mu      sync.Mutex
	live    map[fleet.AgentID]bool
	outcome func(agentID fleet.AgentID, cmd hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted
	sent    []hub.ExecuteDeploymentCommand
}

func (f *fakeTransport) Live(agentID fleet.AgentID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[agentID]
}

func (f *fakeTransport) Emit(ctx context.Context, agentID fleet.AgentID, event string, payload any) error {
	if event != hub.EventExecuteDeploymentCommand {
		return nil
	}
	cmd := payload.(hub.ExecuteDeploymentCommand)
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	outcome := f.outcome
	f.mu.Unlock()

	go func() {
		time.Sleep(10 * time.Millisecond) // agent round trip
		done := outcome(agentID, cmd)
		done.CommandID = cmd.CommandID
		raw, _ := json.Marshal(done)
		f.x.HandleCompleted(context.Background(), agentID, raw)
	}()
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestExecutor(t *testing.T) (*Executor, *fakeTransport, fleet.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := fleet.NewMemoryStore()
	ft := &fakeTransport{
		live: make(map[fleet.AgentID]bool),
		outcome: func(fleet.AgentID, hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted {
			return hub.DeploymentCommandCompleted{Success: true, Output: "ok"}
		},
	}
	x := New(store, ft, logger)
	x.pollInterval = 10 * time.Millisecond
	x.stepTimeout = 2 * time.Second
	ft.x = x
	return x, ft, store
}

func devicesFor(agents ...fleet.AgentID) []fleet.Device {
	out := make([]fleet.Device, len(agents))
	for i, id := range agents {
		out[i] = fleet.Device{ID: fmt.Sprintf("dev-%d", i), AgentID: id, Name: string(id)}
	}
	return out
}

func awaitTerminal(t *testing.T, x *Executor, executionID string) *fleet.GroupExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := x.GetExecution(context.Background(), executionID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal state")
	return nil
}

func TestGroupExecutionAllSucceed(t *testing.T) {
	x, ft, store := newTestExecutor(t)
	ft.live["a1"] = true
	ft.live["a2"] = true

	exec, err := x.ExecuteOnGroup(context.Background(), "g1", "web", devicesFor("a1", "a2"), "uptime", "sh", "")
	if err != nil {
		t.Fatalf("ExecuteOnGroup: %v", err)
	}

	final := awaitTerminal(t, x, exec.ID)
	if final.Status != fleet.ExecutionCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.Successful != 2 || final.Failed != 0 {
		t.Errorf("counters = %d/%d", final.Successful, final.Failed)
	}

	// The terminal record is persisted.
	rec, err := store.GetExecutionRecord(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetExecutionRecord: %v", err)
	}
	if rec.Status != fleet.ExecutionCompleted {
		t.Errorf("persisted status = %s", rec.Status)
	}
}

func TestGroupExecutionPartialSuccess(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["good"] = true
	ft.live["bad"] = true
	ft.outcome = func(agentID fleet.AgentID, _ hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted {
		if agentID == "bad" {
			return hub.DeploymentCommandCompleted{Success: false, Error: "permission denied"}
		}
		return hub.DeploymentCommandCompleted{Success: true}
	}

	exec, err := x.ExecuteOnGroup(context.Background(), "g1", "web", devicesFor("good", "bad"), "restart app", "sh", "")
	if err != nil {
		t.Fatal(err)
	}

	final := awaitTerminal(t, x, exec.ID)
	if final.Status != fleet.ExecutionPartialSuccess {
		t.Errorf("status = %s, want partial_success", final.Status)
	}
	if final.Successful != 1 || final.Failed != 1 {
		t.Errorf("counters = %d/%d", final.Successful, final.Failed)
	}
	for _, dr := range final.Devices {
		if dr.AgentID == "bad" && dr.Error != "permission denied" {
			t.Errorf("failed device error = %q", dr.Error)
		}
	}
}

func TestGroupExecutionAllFail(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["a1"] = true
	ft.outcome = func(fleet.AgentID, hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted {
		return hub.DeploymentCommandCompleted{Success: false, Error: "boom"}
	}

	exec, err := x.ExecuteOnGroup(context.Background(), "g1", "web", devicesFor("a1"), "x", "sh", "")
	if err != nil {
		t.Fatal(err)
	}
	if final := awaitTerminal(t, x, exec.ID); final.Status != fleet.ExecutionFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}
}

func TestDisconnectedAgentFailsUpFront(t *testing.T) {
	x, ft, store := newTestExecutor(t)
	ft.live["up"] = true
	// "down" is never marked live.

	exec, err := x.ExecuteOnGroup(context.Background(), "g1", "web", devicesFor("up", "down"), "uptime", "sh", "")
	if err != nil {
		t.Fatal(err)
	}

	final := awaitTerminal(t, x, exec.ID)
	if final.Status != fleet.ExecutionPartialSuccess {
		t.Errorf("status = %s, want partial_success", final.Status)
	}

	var downResult *fleet.DeviceResult
	for _, dr := range final.Devices {
		if dr.AgentID == "down" {
			downResult = dr
		}
	}
	if downResult == nil || downResult.Error != ErrAgentNotConnected {
		t.Fatalf("down device result = %+v", downResult)
	}

	// The skipped device still left a durable queue record.
	cmds, err := store.ListCommands(context.Background(), fleet.ListCommandOptions{ExecutionID: exec.ID})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range cmds {
		if c.AgentID == "down" && c.Status == fleet.CommandFailed && c.Error == ErrAgentNotConnected {
			found = true
		}
	}
	if !found {
		t.Error("no failed queue record for the disconnected agent")
	}
}

func TestExecuteOnAgentQueueLifecycle(t *testing.T) {
	x, ft, store := newTestExecutor(t)
	ft.live["a1"] = true

	cmd, err := x.ExecuteOnAgent(context.Background(), "a1", "uptime", "sh")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetCommand(context.Background(), cmd.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			if got.Status != fleet.CommandCompleted {
				t.Errorf("status = %s", got.Status)
			}
			if got.CompletedAt == nil {
				t.Error("completed_at not set on terminal command")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("command never completed")
}

func TestBatchSequential(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["a1"] = true

	batch, err := x.ExecuteBatch(context.Background(), "g1", "web", devicesFor("a1"),
		[]string{"step-one", "step-two", "step-three"}, "sh", false)
	if err != nil {
		t.Fatal(err)
	}

	final := awaitBatch(t, x, batch.ID)
	if final.Status != fleet.ExecutionCompleted {
		t.Errorf("batch status = %s, want completed", final.Status)
	}
	if len(final.ExecutionIDs) != 3 {
		t.Fatalf("executions = %d, want 3", len(final.ExecutionIDs))
	}

	// Steps ran in order: each execution's command matches its index.
	for i, execID := range final.ExecutionIDs {
		exec, err := x.GetExecution(context.Background(), execID)
		if err != nil {
			t.Fatal(err)
		}
		if exec.Command != final.Commands[i] {
			t.Errorf("step %d ran %q, want %q", i, exec.Command, final.Commands[i])
		}
		if exec.BatchID != batch.ID {
			t.Errorf("step %d batch id = %q", i, exec.BatchID)
		}
	}
}

func TestBatchStopOnFailure(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["a1"] = true
	ft.outcome = func(_ fleet.AgentID, cmd hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted {
		if strings.Contains(cmd.Command, "step-two") {
			return hub.DeploymentCommandCompleted{Success: false, Error: "boom"}
		}
		return hub.DeploymentCommandCompleted{Success: true}
	}

	batch, err := x.ExecuteBatch(context.Background(), "g1", "web", devicesFor("a1"),
		[]string{"step-one", "step-two", "step-three"}, "sh", true)
	if err != nil {
		t.Fatal(err)
	}

	final := awaitBatch(t, x, batch.ID)
	if final.Status != fleet.ExecutionFailed {
		t.Errorf("batch status = %s, want failed", final.Status)
	}
	if len(final.ExecutionIDs) != 2 {
		t.Errorf("executions = %d, want 2 (step three must not run)", len(final.ExecutionIDs))
	}
}

func TestBatchAllPartialStepsReadsPartialSuccess(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["good"] = true
	ft.live["bad"] = true
	ft.outcome = func(agentID fleet.AgentID, _ hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted {
		if agentID == "bad" {
			return hub.DeploymentCommandCompleted{Success: false, Error: "permission denied"}
		}
		return hub.DeploymentCommandCompleted{Success: true}
	}

	// Every step settles partial_success; the batch must not degrade
	// that to failed.
	batch, err := x.ExecuteBatch(context.Background(), "g1", "web", devicesFor("good", "bad"),
		[]string{"step-one", "step-two"}, "sh", false)
	if err != nil {
		t.Fatal(err)
	}

	final := awaitBatch(t, x, batch.ID)
	if final.Status != fleet.ExecutionPartialSuccess {
		t.Errorf("batch status = %s, want partial_success", final.Status)
	}
	if len(final.ExecutionIDs) != 2 {
		t.Errorf("executions = %d, want 2", len(final.ExecutionIDs))
	}
}

func TestBatchDispatchCarriesBatchID(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["a1"] = true

	batch, err := x.ExecuteBatch(context.Background(), "g1", "web", devicesFor("a1"),
		[]string{"step-one", "step-two"}, "sh", false)
	if err != nil {
		t.Fatal(err)
	}
	awaitBatch(t, x, batch.ID)

	// Every dispatched frame names the batch and its step position, so
	// agents can group pre-command snapshots for a batch rollback.
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 2 {
		t.Fatalf("dispatched frames = %d, want 2", len(ft.sent))
	}
	for i, frame := range ft.sent {
		if frame.BatchID != batch.ID {
			t.Errorf("frame %d batch id = %q, want %q", i, frame.BatchID, batch.ID)
		}
		if frame.BatchIndex != i {
			t.Errorf("frame %d batch index = %d", i, frame.BatchIndex)
		}
	}
}

func TestBatchContinuesPastPartialFailure(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["good"] = true
	ft.live["flaky"] = true
	ft.outcome = func(agentID fleet.AgentID, cmd hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted {
		if agentID == "flaky" && strings.Contains(cmd.Command, "step-one") {
			return hub.DeploymentCommandCompleted{Success: false, Error: "flaked"}
		}
		return hub.DeploymentCommandCompleted{Success: true}
	}

	// stop_on_failure reacts to fully failed steps only; a partial
	// success keeps the batch moving.
	batch, err := x.ExecuteBatch(context.Background(), "g1", "web", devicesFor("good", "flaky"),
		[]string{"step-one", "step-two"}, "sh", true)
	if err != nil {
		t.Fatal(err)
	}

	final := awaitBatch(t, x, batch.ID)
	if len(final.ExecutionIDs) != 2 {
		t.Errorf("executions = %d, want 2", len(final.ExecutionIDs))
	}
}

func TestBatchCancelBetweenSteps(t *testing.T) {
	x, ft, _ := newTestExecutor(t)
	ft.live["a1"] = true

	var once sync.Once
	cancelled := make(chan struct{})
	ft.outcome = func(_ fleet.AgentID, cmd hub.ExecuteDeploymentCommand) hub.DeploymentCommandCompleted {
		once.Do(func() { close(cancelled) })
		return hub.DeploymentCommandCompleted{Success: true}
	}

	batch, err := x.ExecuteBatch(context.Background(), "g1", "web", devicesFor("a1"),
		[]string{"step-one", "step-two", "step-three"}, "sh", false)
	if err != nil {
		t.Fatal(err)
	}

	<-cancelled
	if err := x.CancelBatch(batch.ID); err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}

	final := awaitBatch(t, x, batch.ID)
	if len(final.ExecutionIDs) >= 3 {
		t.Errorf("cancelled batch ran all %d steps", len(final.ExecutionIDs))
	}
	if final.Status == fleet.ExecutionCompleted {
		t.Error("cancelled batch must not report completed")
	}
}

func awaitBatch(t *testing.T, x *Executor, batchID string) *fleet.BatchExecution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		batch, err := x.GetBatch(batchID)
		if err != nil {
			t.Fatalf("GetBatch: %v", err)
		}
		if batch.Status.Terminal() {
			return batch
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch never finished")
	return nil
}
