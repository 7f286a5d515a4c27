package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/deployx/deployx/pkg/fleet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHub_Defaults(t *testing.T) {
	h := New(Config{}, fleet.NewMemoryStore(), testLogger())
	if h.config.MaxAgents != 1000 {
		t.Errorf("default MaxAgents = %d, want 1000", h.config.MaxAgents)
	}
	if h.config.CheckInterval != 10*time.Second {
		t.Errorf("default CheckInterval = %v, want 10s", h.config.CheckInterval)
	}
}

func TestHub_EmitNotConnected(t *testing.T) {
	h := New(Config{}, fleet.NewMemoryStore(), testLogger())
	err := h.Emit(context.Background(), "missing", EventExecuteDeploymentCommand, nil)
	if err == nil {
		t.Error("expected error for unconnected agent")
	}
}

func TestHub_LiveEmpty(t *testing.T) {
	h := New(Config{}, fleet.NewMemoryStore(), testLogger())
	if h.Live("nobody") {
		t.Error("agent without a session should not be live")
	}
	if ids := h.ConnectedAgents(); len(ids) != 0 {
		t.Errorf("connected agents = %d, want 0", len(ids))
	}
}

func TestNewFrame_RoundTrip(t *testing.T) {
	frame, err := NewFrame(EventExecuteDeploymentCommand, ExecuteDeploymentCommand{
		CommandID: "cmd-1",
		Command:   "uptime",
		Shell:     "bash",
	})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if frame.Event != EventExecuteDeploymentCommand {
		t.Errorf("event = %q", frame.Event)
	}
	if frame.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	var payload ExecuteDeploymentCommand
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.CommandID != "cmd-1" || payload.Command != "uptime" {
		t.Errorf("payload = %+v", payload)
	}
}

// dialAgent connects a fake agent, completes registration, and returns
// the connection after the registered ack has been read.
func dialAgent(t *testing.T, ctx context.Context, baseURL, agentID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + baseURL[4:] + "/ws/agent"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	reg, _ := NewFrame(EventAgentRegister, AgentRegister{
		AgentID:    agentID,
		DeviceName: "test-device",
		Hostname:   "test-host",
		OS:         "linux",
		Arch:       "amd64",
		Shells:     []string{"bash"},
	})
	if err := wsjson.Write(ctx, conn, reg); err != nil {
		t.Fatalf("send registration: %v", err)
	}

	var ack Frame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Event != EventRegistered {
		t.Fatalf("ack event = %q, want %q", ack.Event, EventRegistered)
	}
	return conn
}

func TestHub_AgentRegistration(t *testing.T) {
	store := fleet.NewMemoryStore()
	h := New(Config{}, store, testLogger())

	ts := httptest.NewServer(h.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAgent(t, ctx, ts.URL, "agent-reg-1")
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	if !h.Live("agent-reg-1") {
		t.Error("registered agent should be live")
	}
	if ids := h.ConnectedAgents(); len(ids) != 1 || ids[0] != "agent-reg-1" {
		t.Errorf("connected agents = %v", ids)
	}

	agent, err := store.GetAgent(ctx, "agent-reg-1")
	if err != nil {
		t.Fatalf("agent not persisted: %v", err)
	}
	if agent.Status != fleet.AgentOnline {
		t.Errorf("persisted status = %q, want online", agent.Status)
	}
	if agent.SessionID == "" {
		t.Error("no session bound on persisted agent")
	}
	if agent.Hostname != "test-host" {
		t.Errorf("hostname = %q", agent.Hostname)
	}
}

func TestHub_RejectsUnregisteredFirstFrame(t *testing.T) {
	h := New(Config{}, fleet.NewMemoryStore(), testLogger())
	ts := httptest.NewServer(h.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[4:]+"/ws/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hb, _ := NewFrame(EventAgentHeartbeat, Heartbeat{AgentID: "a1"})
	if err := wsjson.Write(ctx, conn, hb); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The hub must close the connection without binding a session.
	var frame Frame
	if err := wsjson.Read(ctx, conn, &frame); err == nil {
		t.Errorf("expected close, got frame %q", frame.Event)
	}
	if h.Live("a1") {
		t.Error("agent should not be live after protocol error")
	}
}

func TestHub_EmitReachesAgent(t *testing.T) {
	h := New(Config{}, fleet.NewMemoryStore(), testLogger())
	ts := httptest.NewServer(h.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAgent(t, ctx, ts.URL, "agent-emit-1")
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	want := ExecuteDeploymentCommand{CommandID: "cmd-42", Command: "df -h", Shell: "bash"}
	if err := h.Emit(ctx, "agent-emit-1", EventExecuteDeploymentCommand, want); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	var frame Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Event != EventExecuteDeploymentCommand {
		t.Fatalf("event = %q", frame.Event)
	}
	var got ExecuteDeploymentCommand
	if err := json.Unmarshal(frame.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.CommandID != "cmd-42" || got.Command != "df -h" {
		t.Errorf("payload = %+v", got)
	}
}

func TestHub_DispatchesToHandler(t *testing.T) {
	h := New(Config{}, fleet.NewMemoryStore(), testLogger())

	var (
		mu       sync.Mutex
		gotAgent fleet.AgentID
		gotBody  DeploymentCommandCompleted
	)
	received := make(chan struct{})
	h.Handle(EventDeploymentCommandCompleted, func(_ context.Context, agentID fleet.AgentID, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		gotAgent = agentID
		json.Unmarshal(payload, &gotBody)
		close(received)
	})

	ts := httptest.NewServer(h.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAgent(t, ctx, ts.URL, "agent-dispatch-1")
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	done, _ := NewFrame(EventDeploymentCommandCompleted, DeploymentCommandCompleted{
		CommandID: "cmd-7",
		Success:   true,
	})
	if err := wsjson.Write(ctx, conn, done); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAgent != "agent-dispatch-1" {
		t.Errorf("agent_id = %q", gotAgent)
	}
	if gotBody.CommandID != "cmd-7" || !gotBody.Success {
		t.Errorf("payload = %+v", gotBody)
	}
}

func TestHub_LastWriterWins(t *testing.T) {
	h := New(Config{}, fleet.NewMemoryStore(), testLogger())
	ts := httptest.NewServer(h.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dialAgent(t, ctx, ts.URL, "agent-dup")
	second := dialAgent(t, ctx, ts.URL, "agent-dup")
	defer second.Close(websocket.StatusNormalClosure, "test done")

	// The first session is closed by the hub; reads on it fail once the
	// close propagates.
	readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
	defer readCancel()
	var frame Frame
	if err := wsjson.Read(readCtx, first, &frame); err == nil {
		t.Errorf("first session still readable, got %q", frame.Event)
	}

	// The binding must still point at the second session: Emit succeeds
	// and is delivered there.
	if err := h.Emit(ctx, "agent-dup", EventRollbackCommand, RollbackCommand{SnapshotID: "snap-1"}); err != nil {
		t.Fatalf("Emit after replacement: %v", err)
	}
	if err := wsjson.Read(ctx, second, &frame); err != nil {
		t.Fatalf("second session read: %v", err)
	}
	if frame.Event != EventRollbackCommand {
		t.Errorf("event = %q", frame.Event)
	}
}

func TestHub_HeartbeatTouchesStore(t *testing.T) {
	store := fleet.NewMemoryStore()
	h := New(Config{}, store, testLogger())
	ts := httptest.NewServer(h.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAgent(t, ctx, ts.URL, "agent-hb")
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	before, _ := store.GetAgent(ctx, "agent-hb")

	time.Sleep(20 * time.Millisecond)
	hb, _ := NewFrame(EventAgentHeartbeat, Heartbeat{AgentID: "agent-hb"})
	if err := wsjson.Write(ctx, conn, hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		after, _ := store.GetAgent(ctx, "agent-hb")
		if after.LastSeen.After(before.LastSeen) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("heartbeat did not advance last_seen")
}

func TestHub_DisconnectMarksOffline(t *testing.T) {
	store := fleet.NewMemoryStore()
	h := New(Config{}, store, testLogger())

	statusCh := make(chan fleet.AgentStatus, 4)
	h.OnStatusChange(func(_ fleet.AgentID, status fleet.AgentStatus) {
		statusCh <- status
	})

	ts := httptest.NewServer(h.Mux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialAgent(t, ctx, ts.URL, "agent-gone")
	if got := <-statusCh; got != fleet.AgentOnline {
		t.Errorf("first status = %q, want online", got)
	}

	conn.Close(websocket.StatusNormalClosure, "agent shutting down")

	select {
	case got := <-statusCh:
		if got != fleet.AgentOffline {
			t.Errorf("status after close = %q, want offline", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no offline notification")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !h.Live("agent-gone") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.Live("agent-gone") {
		t.Error("agent still live after disconnect")
	}

	agent, err := store.GetAgent(ctx, "agent-gone")
	if err != nil {
		t.Fatal(err)
	}
	if agent.SessionID != "" {
		t.Error("session still bound after disconnect")
	}
}
