// Package hub is the controller-side session hub: an event-framed,
// bidirectional WebSocket channel to every connected agent, with
// room-style addressing (one room per agent_id), heartbeat liveness
// tracking, and a 1:1 operator mapping for interactive shell streams.
//
// Agents connect outbound to /ws/agent; no inbound ports are required
// on endpoints. Operators connect to /ws/operator to receive shell
// output echoes for one agent at a time.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/deployx/deployx/pkg/fleet"
)

// Config configures the hub server.
type Config struct {
	ListenAddr    string        // e.g. ":8765"
	MaxAgents     int           // connection cap, default 1000
	CheckInterval time.Duration // liveness sweep cadence, default 10s
}

// Handler processes one inbound agent event. Payload is the raw frame
// payload; agentID identifies the sending agent.
type Handler func(ctx context.Context, agentID fleet.AgentID, payload json.RawMessage)

// StatusListener is notified when an agent flips online/offline.
type StatusListener func(agentID fleet.AgentID, status fleet.AgentStatus)

// session is one bound agent transport session.
type session struct {
	id        string
	agentID   fleet.AgentID
	conn      *websocket.Conn
	remote    string
	openedAt  time.Time
	writeMu   sync.Mutex
	lastHeard time.Time
}

// Hub brokers frames between the controller and connected agents.
type Hub struct {
	config Config
	logger *slog.Logger
	store  fleet.Store

	mu       sync.RWMutex
	rooms    map[fleet.AgentID]*session // agent_id → bound session (at most one)
	handlers map[string][]Handler
	status   []StatusListener

	operators *operatorRegistry
	httpSrv   *http.Server
}

// New creates a hub server backed by the given store.
func New(config Config, store fleet.Store, logger *slog.Logger) *Hub {
	if config.MaxAgents <= 0 {
		config.MaxAgents = 1000
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 10 * time.Second
	}
	return &Hub{
		config:    config,
		logger:    logger,
		store:     store,
		rooms:     make(map[fleet.AgentID]*session),
		handlers:  make(map[string][]Handler),
		operators: newOperatorRegistry(logger),
	}
}

// Handle registers a handler for an inbound agent event. Handlers for
// the same event are invoked in registration order on the session's
// read goroutine; they must not block.
func (h *Hub) Handle(event string, fn Handler) {
	h.mu.Lock()
	h.handlers[event] = append(h.handlers[event], fn)
	h.mu.Unlock()
}

// OnStatusChange registers a listener for agent online/offline flips.
func (h *Hub) OnStatusChange(fn StatusListener) {
	h.mu.Lock()
	h.status = append(h.status, fn)
	h.mu.Unlock()
}

// Mux returns the HTTP mux carrying the hub's WebSocket routes, so the
// controller can mount its API on the same server.
func (h *Hub) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", h.handleAgentConnect)
	mux.HandleFunc("/ws/operator", h.operators.handleConnect)
	mux.HandleFunc("/ws/health", h.handleHealth)
	return mux
}

// Start serves the hub until ctx is cancelled.
func (h *Hub) Start(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		handler = h.Mux()
	}
	h.httpSrv = &http.Server{
		Addr:    h.config.ListenAddr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	h.logger.Info("hub starting", "addr", h.config.ListenAddr)
	go h.livenessLoop(ctx)

	err := h.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes all agent sessions and shuts the server down.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	for _, s := range h.rooms {
		s.conn.Close(websocket.StatusGoingAway, "controller shutting down")
	}
	h.rooms = make(map[fleet.AgentID]*session)
	h.mu.Unlock()

	h.operators.closeAll()

	if h.httpSrv != nil {
		return h.httpSrv.Shutdown(ctx)
	}
	return nil
}

// ------------------------------------------------------------------
// Registry (C2)
// ------------------------------------------------------------------

// Live reports whether an agent has a bound session with a heartbeat
// inside the liveness window.
func (h *Hub) Live(agentID fleet.AgentID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.rooms[agentID]
	return ok && time.Since(s.lastHeard) <= fleet.LivenessWindow
}

// ConnectedAgents returns the agent IDs with a bound session.
func (h *Hub) ConnectedAgents() []fleet.AgentID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]fleet.AgentID, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// MapAgentToOperator records the 1:1 routing for shell I/O echoing.
// A later mapping for the same agent replaces the earlier one: a shell
// stream has one interactive owner.
func (h *Hub) MapAgentToOperator(agentID fleet.AgentID, operatorSession string) {
	h.operators.mapAgent(agentID, operatorSession)
}

// EchoToOperator forwards an event to the operator session mapped to the
// agent, if any. Best-effort: a missing or dead operator is not an error.
func (h *Hub) EchoToOperator(agentID fleet.AgentID, event string, payload any) {
	h.operators.echo(agentID, event, payload)
}

// Emit addresses an event to the room named by agentID.
func (h *Hub) Emit(ctx context.Context, agentID fleet.AgentID, event string, payload any) error {
	h.mu.RLock()
	s, ok := h.rooms[agentID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s not connected", agentID)
	}

	frame, err := NewFrame(event, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		return fmt.Errorf("emit %s to %s: %w", event, agentID, err)
	}
	return nil
}

// ------------------------------------------------------------------
// Agent connection lifecycle
// ------------------------------------------------------------------

func (h *Hub) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()

	// First frame must be agent_register.
	var regFrame Frame
	if err := wsjson.Read(ctx, conn, &regFrame); err != nil {
		conn.Close(websocket.StatusProtocolError, "registration failed")
		return
	}
	if regFrame.Event != EventAgentRegister {
		conn.Close(websocket.StatusProtocolError, "expected agent_register")
		return
	}

	var reg AgentRegister
	if err := json.Unmarshal(regFrame.Payload, &reg); err != nil || reg.AgentID == "" {
		conn.Close(websocket.StatusProtocolError, "agent_id required")
		return
	}
	agentID := fleet.AgentID(reg.AgentID)

	h.mu.Lock()
	if len(h.rooms) >= h.config.MaxAgents {
		h.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "max agents reached")
		return
	}
	// Last writer wins: a second bind replaces the prior session, which
	// is considered stale.
	if existing, ok := h.rooms[agentID]; ok {
		existing.conn.Close(websocket.StatusGoingAway, "replaced by new session")
		h.logger.Info("replacing stale session", "agent_id", agentID, "old_session", existing.id)
	}
	sess := &session{
		id:        uuid.NewString(),
		agentID:   agentID,
		conn:      conn,
		remote:    r.RemoteAddr,
		openedAt:  time.Now(),
		lastHeard: time.Now(),
	}
	h.rooms[agentID] = sess
	h.mu.Unlock()

	h.logger.Info("agent connected", "agent_id", agentID, "session", sess.id, "remote", r.RemoteAddr)

	h.registerAgent(ctx, sess, &reg, r.RemoteAddr)
	h.notifyStatus(agentID, fleet.AgentOnline)

	ack, _ := NewFrame(EventRegistered, map[string]string{"agent_id": string(agentID), "session_id": sess.id})
	sess.writeMu.Lock()
	wsjson.Write(ctx, conn, ack)
	sess.writeMu.Unlock()

	h.readLoop(ctx, sess)

	// The read loop returned: the session is gone. Only tear down the
	// binding if it has not already been replaced by a newer session.
	h.removeSession(sess)
}

// removeSession tears down a session binding and runs the agent-offline
// path. A session replaced by a newer bind is ignored.
func (h *Hub) removeSession(sess *session) {
	h.mu.Lock()
	current, ok := h.rooms[sess.agentID]
	if !ok || current != sess {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, sess.agentID)
	h.mu.Unlock()

	if err := h.store.UpdateAgentStatus(context.Background(), sess.agentID, fleet.AgentOffline, ""); err != nil && !fleet.IsNotFound(err) {
		h.logger.Error("mark agent offline", "agent_id", sess.agentID, "error", err)
	}
	h.notifyStatus(sess.agentID, fleet.AgentOffline)
	h.logger.Info("agent disconnected", "agent_id", sess.agentID, "session", sess.id)
}

func (h *Hub) registerAgent(ctx context.Context, sess *session, reg *AgentRegister, remote string) {
	ip := reg.IPAddress
	if ip == "" {
		if host, _, err := net.SplitHostPort(remote); err == nil {
			ip = host
		}
	}
	agent := &fleet.Agent{
		ID:           sess.agentID,
		MachineID:    reg.MachineID,
		DeviceName:   reg.DeviceName,
		Hostname:     reg.Hostname,
		IPAddress:    ip,
		OS:           reg.OS,
		Arch:         reg.Arch,
		Shells:       reg.Shells,
		Status:       fleet.AgentOnline,
		LastSeen:     time.Now(),
		SessionID:    sess.id,
		SystemInfo:   reg.SystemInfo,
		RegisteredAt: time.Now(),
		Version:      reg.Version,
	}
	if existing, err := h.store.GetAgent(ctx, sess.agentID); err == nil {
		agent.RegisteredAt = existing.RegisteredAt
	}
	if err := h.store.UpsertAgent(ctx, agent); err != nil {
		h.logger.Error("register agent", "agent_id", sess.agentID, "error", err)
	}
}

func (h *Hub) readLoop(ctx context.Context, sess *session) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, sess.conn, &frame); err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("agent connection closed", "agent_id", sess.agentID)
			} else {
				h.logger.Error("read from agent", "agent_id", sess.agentID, "error", err)
			}
			return
		}

		h.mu.Lock()
		sess.lastHeard = time.Now()
		h.mu.Unlock()

		switch frame.Event {
		case EventAgentHeartbeat:
			if err := h.store.TouchAgent(ctx, sess.agentID, time.Now()); err != nil && !fleet.IsNotFound(err) {
				h.logger.Error("touch agent", "agent_id", sess.agentID, "error", err)
			}
		case EventCommandOutput:
			// Interactive shell output is echoed straight to the mapped
			// operator; handlers may also observe it.
			var out CommandOutput
			if json.Unmarshal(frame.Payload, &out) == nil {
				h.operators.echo(sess.agentID, EventCommandOutput, out)
			}
			h.dispatch(ctx, sess.agentID, frame)
		default:
			h.dispatch(ctx, sess.agentID, frame)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, agentID fleet.AgentID, frame Frame) {
	h.mu.RLock()
	handlers := h.handlers[frame.Event]
	h.mu.RUnlock()

	if len(handlers) == 0 {
		h.logger.Debug("unhandled event", "event", frame.Event, "agent_id", agentID)
		return
	}
	for _, fn := range handlers {
		fn(ctx, agentID, frame.Payload)
	}
}

func (h *Hub) notifyStatus(agentID fleet.AgentID, status fleet.AgentStatus) {
	h.mu.RLock()
	listeners := append([]StatusListener(nil), h.status...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(agentID, status)
	}
	h.operators.broadcast(EventDeviceStatusChanged, DeviceStatusChanged{
		AgentID: string(agentID),
		Status:  string(status),
	})
}

// livenessLoop sweeps bound sessions and flips agents offline when the
// heartbeat window lapses. The binding itself is kept: a stale agent may
// resume heartbeating on the same connection.
func (h *Hub) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()

	stale := make(map[fleet.AgentID]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			type probe struct {
				s     *session
				heard time.Time
			}
			h.mu.RLock()
			sessions := make([]probe, 0, len(h.rooms))
			for _, s := range h.rooms {
				sessions = append(sessions, probe{s: s, heard: s.lastHeard})
			}
			h.mu.RUnlock()

			for _, p := range sessions {
				s := p.s
				isLive := time.Since(p.heard) <= fleet.LivenessWindow
				if !isLive && !stale[s.agentID] {
					stale[s.agentID] = true
					h.logger.Warn("agent heartbeat lapsed", "agent_id", s.agentID, "last_heard", p.heard)
					if err := h.store.UpdateAgentStatus(ctx, s.agentID, fleet.AgentOffline, s.id); err != nil && !fleet.IsNotFound(err) {
						h.logger.Error("mark agent offline", "agent_id", s.agentID, "error", err)
					}
					h.notifyStatus(s.agentID, fleet.AgentOffline)
				} else if isLive && stale[s.agentID] {
					delete(stale, s.agentID)
					if err := h.store.UpdateAgentStatus(ctx, s.agentID, fleet.AgentOnline, s.id); err != nil && !fleet.IsNotFound(err) {
						h.logger.Error("mark agent online", "agent_id", s.agentID, "error", err)
					}
					h.notifyStatus(s.agentID, fleet.AgentOnline)
				}
			}
		}
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	count := len(h.rooms)
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"connected_agents": count,
		"max_agents":       h.config.MaxAgents,
		"timestamp":        time.Now(),
	})
}
