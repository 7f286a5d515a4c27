package fleet

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[AgentID]*Agent
	commands map[string]*CommandInvocation
	execs    map[string]*GroupExecution
	tasks    map[string]*ScheduledTask
	taskHist map[string][]*TaskExecution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[AgentID]*Agent),
		commands: make(map[string]*CommandInvocation),
		execs:    make(map[string]*GroupExecution),
		tasks:    make(map[string]*ScheduledTask),
		taskHist: make(map[string][]*TaskExecution),
	}
}

func (s *MemoryStore) UpsertAgent(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) RemoveAgent(_ context.Context, id AgentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return &NotFoundError{Kind: "agent", ID: string(id)}
	}
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) UpdateAgentStatus(_ context.Context, id AgentID, status AgentStatus, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return &NotFoundError{Kind: "agent", ID: string(id)}
	}
	a.Status = status
	a.SessionID = sessionID
	return nil
}

func (s *MemoryStore) TouchAgent(_ context.Context, id AgentID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return &NotFoundError{Kind: "agent", ID: string(id)}
	}
	a.LastSeen = at
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id AgentID) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, &NotFoundError{Kind: "agent", ID: string(id)}
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveCommand(_ context.Context, cmd *CommandInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cmd
	s.commands[cmd.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateCommand(ctx context.Context, cmd *CommandInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.ID]; !ok {
		return &NotFoundError{Kind: "command", ID: cmd.ID}
	}
	cp := *cmd
	s.commands[cmd.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCommand(_ context.Context, id string) (*CommandInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, &NotFoundError{Kind: "command", ID: id}
	}
	cp := *c
	RepairCommand(&cp)
	return &cp, nil
}

func (s *MemoryStore) ListCommands(_ context.Context, opts ListCommandOptions) ([]*CommandInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CommandInvocation
	for _, c := range s.commands {
		if opts.AgentID != "" && c.AgentID != opts.AgentID {
			continue
		}
		if opts.ExecutionID != "" && c.ExecutionID != opts.ExecutionID {
			continue
		}
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		if !opts.Since.IsZero() && c.CreatedAt.Before(opts.Since) {
			continue
		}
		cp := *c
		RepairCommand(&cp)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, exec *GroupExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) GetExecutionRecord(_ context.Context, id string) (*GroupExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "execution", ID: id}
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ListExecutionRecords(_ context.Context, limit int) ([]*GroupExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*GroupExecution, 0, len(s.execs))
	for _, e := range s.execs {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveTask(_ context.Context, task *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return &NotFoundError{Kind: "task", ID: task.ID}
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]*ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return &NotFoundError{Kind: "task", ID: id}
	}
	delete(s.tasks, id)
	delete(s.taskHist, id)
	return nil
}

func (s *MemoryStore) AppendTaskExecution(_ context.Context, exec *TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.taskHist[exec.TaskID] = append(s.taskHist[exec.TaskID], &cp)
	return nil
}

func (s *MemoryStore) ListTaskExecutions(_ context.Context, taskID string) ([]*TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.taskHist[taskID]
	out := make([]*TaskExecution, 0, len(hist))
	for _, e := range hist {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
