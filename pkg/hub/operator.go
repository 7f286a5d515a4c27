package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deployx/deployx/pkg/fleet"
)

// operatorRegistry tracks operator WebSocket sessions and the 1:1
// agent→operator routing used for interactive shell echoes. The browser-
// facing leg uses gorilla/websocket; the agent leg stays on coder.
type operatorRegistry struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*operatorSession // session id → conn
	mapping  map[fleet.AgentID]string    // agent id → session id (last writer wins)
}

type operatorSession struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newOperatorRegistry(logger *slog.Logger) *operatorRegistry {
	return &operatorRegistry{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin filtering is applied by the controller's CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*operatorSession),
		mapping:  make(map[fleet.AgentID]string),
	}
}

// handleConnect upgrades an operator connection. An optional agent_id
// query parameter immediately maps the session to that agent's stream.
func (r *operatorRegistry) handleConnect(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("operator upgrade failed", "error", err)
		return
	}

	sess := &operatorSession{id: uuid.NewString(), conn: conn}
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()

	if agentID := req.URL.Query().Get("agent_id"); agentID != "" {
		r.mapAgent(fleet.AgentID(agentID), sess.id)
	}

	r.logger.Info("operator connected", "session", sess.id, "remote", req.RemoteAddr)

	// Drain the connection so pings/close frames are processed; operator
	// sessions are write-mostly.
	go func() {
		defer r.remove(sess.id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// mapAgent records the 1:1 routing. A later mapping replaces the earlier
// one: a shell stream has one interactive owner.
func (r *operatorRegistry) mapAgent(agentID fleet.AgentID, sessionID string) {
	r.mu.Lock()
	r.mapping[agentID] = sessionID
	r.mu.Unlock()
}

// echo forwards an event to the operator mapped to agentID, if any.
func (r *operatorRegistry) echo(agentID fleet.AgentID, event string, payload any) {
	r.mu.RLock()
	sessID, ok := r.mapping[agentID]
	var sess *operatorSession
	if ok {
		sess = r.sessions[sessID]
	}
	r.mu.RUnlock()
	if sess == nil {
		return
	}
	r.write(sess, event, payload)
}

// broadcast sends an event to every connected operator.
func (r *operatorRegistry) broadcast(event string, payload any) {
	r.mu.RLock()
	sessions := make([]*operatorSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		r.write(s, event, payload)
	}
}

func (r *operatorRegistry) write(sess *operatorSession, event string, payload any) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		r.logger.Error("operator frame", "event", event, "error", err)
		return
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := sess.conn.WriteJSON(frame); err != nil {
		r.logger.Debug("operator write failed", "session", sess.id, "error", err)
	}
}

func (r *operatorRegistry) remove(sessionID string) {
	r.mu.Lock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.conn.Close()
		delete(r.sessions, sessionID)
	}
	for agentID, sid := range r.mapping {
		if sid == sessionID {
			delete(r.mapping, agentID)
		}
	}
	r.mu.Unlock()
	r.logger.Info("operator disconnected", "session", sessionID)
}

func (r *operatorRegistry) closeAll() {
	r.mu.Lock()
	for _, s := range r.sessions {
		s.conn.Close()
	}
	r.sessions = make(map[string]*operatorSession)
	r.mapping = make(map[fleet.AgentID]string)
	r.mu.Unlock()
}
