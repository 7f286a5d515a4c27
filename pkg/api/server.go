// Package api is the controller's HTTP surface: a thin JSON layer over
// the store, the executor and the scheduler. Operators and tooling call
// it; agents never do.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/deployx/deployx/pkg/audit"
	"github.com/deployx/deployx/pkg/executor"
	"github.com/deployx/deployx/pkg/fleet"
	"github.com/deployx/deployx/pkg/hub"
	"github.com/deployx/deployx/pkg/sched"
)

// Server mounts the REST routes.
type Server struct {
	logger *slog.Logger
	store  fleet.Store
	hub    *hub.Hub
	exec   *executor.Executor
	sched  *sched.Scheduler
	audit  *audit.Log
	origin string // allowed CORS origin
}

func NewServer(store fleet.Store, h *hub.Hub, exec *executor.Executor, scheduler *sched.Scheduler, auditLog *audit.Log, origin string, logger *slog.Logger) *Server {
	return &Server{
		logger: logger.With("component", "api"),
		store:  store,
		hub:    h,
		exec:   exec,
		sched:  scheduler,
		audit:  auditLog,
		origin: origin,
	}
}

// Mount registers the API routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", s.wrap(s.listAgents))
	mux.HandleFunc("GET /api/agents/{id}", s.wrap(s.getAgent))

	mux.HandleFunc("GET /api/commands", s.wrap(s.listCommands))
	mux.HandleFunc("POST /api/commands", s.wrap(s.dispatchCommand))
	mux.HandleFunc("GET /api/commands/{id}", s.wrap(s.getCommand))

	mux.HandleFunc("GET /api/executions", s.wrap(s.listExecutions))
	mux.HandleFunc("POST /api/executions", s.wrap(s.startExecution))
	mux.HandleFunc("GET /api/executions/{id}", s.wrap(s.getExecution))

	mux.HandleFunc("GET /api/batches", s.wrap(s.listBatches))
	mux.HandleFunc("POST /api/batches", s.wrap(s.startBatch))
	mux.HandleFunc("GET /api/batches/{id}", s.wrap(s.getBatch))
	mux.HandleFunc("POST /api/batches/{id}/cancel", s.wrap(s.cancelBatch))

	mux.HandleFunc("POST /api/rollback", s.wrap(s.rollback))

	mux.HandleFunc("GET /api/tasks", s.wrap(s.listTasks))
	mux.HandleFunc("POST /api/tasks", s.wrap(s.createTask))
	mux.HandleFunc("GET /api/tasks/{id}", s.wrap(s.getTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", s.wrap(s.deleteTask))
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.wrap(s.pauseTask))
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.wrap(s.resumeTask))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.wrap(s.cancelTask))
	mux.HandleFunc("POST /api/tasks/{id}/run", s.wrap(s.runTask))
	mux.HandleFunc("GET /api/tasks/{id}/executions", s.wrap(s.listTaskExecutions))
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// wrap applies CORS headers and converts handler errors into JSON
// error responses.
func (s *Server) wrap(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := fn(w, r); err != nil {
			s.fail(w, r, err)
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if fleet.IsNotFound(err) {
		status = http.StatusNotFound
	} else if _, ok := err.(*badRequestError); ok {
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// ------------------------------------------------------------------
// Agents
// ------------------------------------------------------------------

type agentView struct {
	*fleet.Agent
	Live bool `json:"live"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) error {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		return err
	}
	views := make([]agentView, len(agents))
	for i, a := range agents {
		views[i] = agentView{Agent: a, Live: s.hub.Live(a.ID)}
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) error {
	a, err := s.store.GetAgent(r.Context(), fleet.AgentID(r.PathValue("id")))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, agentView{Agent: a, Live: s.hub.Live(a.ID)})
	return nil
}

// ------------------------------------------------------------------
// Commands (single-agent)
// ------------------------------------------------------------------

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) error {
	opts := fleet.ListCommandOptions{
		AgentID:     fleet.AgentID(r.URL.Query().Get("agent_id")),
		ExecutionID: r.URL.Query().Get("execution_id"),
		Status:      fleet.CommandStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return badRequest("limit must be a non-negative integer")
		}
		opts.Limit = n
	}
	cmds, err := s.store.ListCommands(r.Context(), opts)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, cmds)
	return nil
}

func (s *Server) getCommand(w http.ResponseWriter, r *http.Request) error {
	cmd, err := s.store.GetCommand(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, cmd)
	return nil
}

func (s *Server) dispatchCommand(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		AgentID string `json:"agent_id"`
		Command string `json:"command"`
		Shell   string `json:"shell"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.AgentID == "" || req.Command == "" {
		return badRequest("agent_id and command are required")
	}
	cmd, err := s.exec.ExecuteOnAgent(r.Context(), fleet.AgentID(req.AgentID), req.Command, req.Shell)
	if err != nil {
		return err
	}
	s.audit.Record(audit.EventCommandDispatched, req.AgentID, cmd.ID, map[string]any{"command": req.Command})
	writeJSON(w, http.StatusAccepted, cmd)
	return nil
}

// ------------------------------------------------------------------
// Group executions
// ------------------------------------------------------------------

type executionRequest struct {
	GroupID   string   `json:"group_id"`
	GroupName string   `json:"group_name"`
	AgentIDs  []string `json:"agent_ids"`
	Command   string   `json:"command"`
	Shell     string   `json:"shell"`
}

func (s *Server) resolveDevices(ctx context.Context, agentIDs []string) ([]fleet.Device, error) {
	devices := make([]fleet.Device, 0, len(agentIDs))
	for _, id := range agentIDs {
		agent, err := s.store.GetAgent(ctx, fleet.AgentID(id))
		if err != nil {
			if fleet.IsNotFound(err) {
				return nil, badRequest("unknown agent %s", id)
			}
			return nil, err
		}
		devices = append(devices, fleet.Device{ID: string(agent.ID), AgentID: agent.ID, Name: agent.DeviceName})
	}
	return devices, nil
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) error {
	live := s.exec.ListExecutions()
	seen := make(map[string]bool, len(live))
	for _, e := range live {
		seen[e.ID] = true
	}
	records, err := s.store.ListExecutionRecords(r.Context(), 100)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !seen[rec.ID] {
			live = append(live, rec)
		}
	}
	writeJSON(w, http.StatusOK, live)
	return nil
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) error {
	var req executionRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Command == "" || len(req.AgentIDs) == 0 {
		return badRequest("command and agent_ids are required")
	}
	devices, err := s.resolveDevices(r.Context(), req.AgentIDs)
	if err != nil {
		return err
	}
	exec, err := s.exec.ExecuteOnGroup(r.Context(), fleet.GroupID(req.GroupID), req.GroupName, devices, req.Command, req.Shell, "")
	if err != nil {
		return err
	}
	s.audit.Record(audit.EventExecutionStarted, "", exec.ID, map[string]any{
		"command": req.Command, "devices": len(devices),
	})
	writeJSON(w, http.StatusAccepted, exec)
	return nil
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) error {
	exec, err := s.exec.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, exec)
	return nil
}

// ------------------------------------------------------------------
// Batches
// ------------------------------------------------------------------

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, s.exec.ListBatches())
	return nil
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		GroupID       string   `json:"group_id"`
		GroupName     string   `json:"group_name"`
		AgentIDs      []string `json:"agent_ids"`
		Commands      []string `json:"commands"`
		Shell         string   `json:"shell"`
		StopOnFailure bool     `json:"stop_on_failure"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if len(req.Commands) == 0 || len(req.AgentIDs) == 0 {
		return badRequest("commands and agent_ids are required")
	}
	devices, err := s.resolveDevices(r.Context(), req.AgentIDs)
	if err != nil {
		return err
	}
	batch, err := s.exec.ExecuteBatch(r.Context(), fleet.GroupID(req.GroupID), req.GroupName, devices, req.Commands, req.Shell, req.StopOnFailure)
	if err != nil {
		return err
	}
	s.audit.Record(audit.EventBatchStarted, "", batch.ID, map[string]any{
		"steps": len(req.Commands), "devices": len(devices), "stop_on_failure": req.StopOnFailure,
	})
	writeJSON(w, http.StatusAccepted, batch)
	return nil
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) error {
	batch, err := s.exec.GetBatch(r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, batch)
	return nil
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) error {
	if err := s.exec.CancelBatch(r.PathValue("id")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	return nil
}

// ------------------------------------------------------------------
// Rollback
// ------------------------------------------------------------------

// rollback forwards a snapshot or batch rollback to the owning agent.
// The result arrives asynchronously on the agent's event stream.
func (s *Server) rollback(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		AgentID    string `json:"agent_id"`
		SnapshotID string `json:"snapshot_id"`
		BatchID    string `json:"batch_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.AgentID == "" {
		return badRequest("agent_id is required")
	}
	if (req.SnapshotID == "") == (req.BatchID == "") {
		return badRequest("exactly one of snapshot_id or batch_id is required")
	}
	if !s.hub.Live(fleet.AgentID(req.AgentID)) {
		return badRequest("agent %s is not connected", req.AgentID)
	}

	var err error
	subject := req.SnapshotID
	if req.SnapshotID != "" {
		err = s.hub.Emit(r.Context(), fleet.AgentID(req.AgentID), hub.EventRollbackCommand,
			hub.RollbackCommand{SnapshotID: req.SnapshotID})
	} else {
		subject = req.BatchID
		err = s.hub.Emit(r.Context(), fleet.AgentID(req.AgentID), hub.EventRollbackBatch,
			hub.RollbackBatch{BatchID: req.BatchID})
	}
	if err != nil {
		return err
	}
	s.audit.Record(audit.EventRollbackRequested, req.AgentID, subject, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
	return nil
}

// ------------------------------------------------------------------
// Scheduled tasks
// ------------------------------------------------------------------

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) error {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tasks)
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) error {
	var task fleet.ScheduledTask
	if err := decodeBody(r, &task); err != nil {
		return err
	}
	if err := s.sched.CreateTask(r.Context(), &task); err != nil {
		return badRequest("%v", err)
	}
	s.audit.Record(audit.EventTaskCreated, "", task.ID, map[string]any{
		"name": task.Name, "type": string(task.Type), "recurrence": task.Recurrence.Kind,
	})
	writeJSON(w, http.StatusCreated, task)
	return nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) error {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, task)
	return nil
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) error {
	if err := s.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	return nil
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) error {
	return s.taskTransition(w, r, s.sched.PauseTask, "paused")
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) error {
	return s.taskTransition(w, r, s.sched.ResumeTask, "pending")
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := s.sched.CancelTask(r.Context(), id); err != nil {
		if fleet.IsNotFound(err) {
			return err
		}
		return badRequest("%v", err)
	}
	s.audit.Record(audit.EventTaskCancelled, "", id, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	return nil
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if err := s.sched.RunNow(r.Context(), id); err != nil {
		if fleet.IsNotFound(err) {
			return err
		}
		return badRequest("%v", err)
	}
	s.audit.Record(audit.EventTaskFired, "", id, map[string]any{"trigger": "manual"})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "firing"})
	return nil
}

func (s *Server) taskTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, result string) error {
	if err := fn(r.Context(), r.PathValue("id")); err != nil {
		if fleet.IsNotFound(err) {
			return err
		}
		return badRequest("%v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": result})
	return nil
}

func (s *Server) listTaskExecutions(w http.ResponseWriter, r *http.Request) error {
	execs, err := s.store.ListTaskExecutions(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, execs)
	return nil
}
