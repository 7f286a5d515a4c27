// Package sched fires scheduled tasks: one-shot and recurring commands,
// software deployments, and file deployments, executed through the
// group executor. Tasks and their execution history are durable; the
// scheduler itself keeps no state a restart would lose.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deployx/deployx/pkg/executor"
	"github.com/deployx/deployx/pkg/fleet"
	"github.com/deployx/deployx/pkg/hub"
)

const (
	tickInterval = 2 * time.Second
	// graceWindow bounds how late a fire may be: a task found further
	// past its fire time than this missed its slot.
	graceWindow = 5 * time.Minute
	// maxConcurrent caps simultaneously running tasks.
	maxConcurrent = 3

	commandWait = 300 * time.Second
	batchWait   = 600 * time.Second
	resultPoll  = 2 * time.Second
)

// Transport carries deployment frames for software/file tasks.
type Transport interface {
	Emit(ctx context.Context, agentID fleet.AgentID, event string, payload any) error
	Live(agentID fleet.AgentID) bool
}

// DeviceResolver maps a task's device and group references onto
// concrete fan-out targets.
type DeviceResolver func(ctx context.Context, deviceIDs []string, groupIDs []fleet.GroupID) ([]fleet.Device, error)

// Scheduler owns the tick loop and task lifecycle transitions.
type Scheduler struct {
	logger    *slog.Logger
	store     fleet.Store
	exec      *executor.Executor
	transport Transport
	resolve   DeviceResolver

	tick        time.Duration
	grace       time.Duration
	commandWait time.Duration
	batchWait   time.Duration
	poll        time.Duration
	now         func() time.Time

	slots chan struct{} // concurrency cap

	mu      sync.Mutex
	running map[string]bool // task_id → currently firing
}

func New(store fleet.Store, exec *executor.Executor, transport Transport, resolve DeviceResolver, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:      logger.With("component", "scheduler"),
		store:       store,
		exec:        exec,
		transport:   transport,
		resolve:     resolve,
		tick:        tickInterval,
		grace:       graceWindow,
		commandWait: commandWait,
		batchWait:   batchWait,
		poll:        resultPoll,
		now:         time.Now,
		slots:       make(chan struct{}, maxConcurrent),
		running:     make(map[string]bool),
	}
}

// ------------------------------------------------------------------
// Task lifecycle
// ------------------------------------------------------------------

// CreateTask validates and stores a new task with its first fire time
// computed. Once-tasks scheduled in the past are rejected.
func (s *Scheduler) CreateTask(ctx context.Context, task *fleet.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Name == "" {
		return fmt.Errorf("task needs a name")
	}
	switch task.Type {
	case fleet.TaskCommand, fleet.TaskSoftwareDeploy, fleet.TaskFileDeploy:
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
	if len(task.DeviceIDs) == 0 && len(task.GroupIDs) == 0 {
		return fmt.Errorf("task targets no devices or groups")
	}

	next, err := NextFire(task.Recurrence, task.ScheduledTime, s.now())
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	task.Status = fleet.TaskPending
	task.NextExecution = &next
	task.CreatedAt = s.now().UTC()
	return s.store.SaveTask(ctx, task)
}

// PauseTask stops a pending task from firing until resumed.
func (s *Scheduler) PauseTask(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != fleet.TaskPending {
		return fmt.Errorf("task %s is %s, only pending tasks pause", id, task.Status)
	}
	task.Status = fleet.TaskPaused
	return s.store.UpdateTask(ctx, task)
}

// ResumeTask reactivates a paused task, recomputing the fire time when
// the stored one has passed.
func (s *Scheduler) ResumeTask(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != fleet.TaskPaused {
		return fmt.Errorf("task %s is %s, not paused", id, task.Status)
	}
	if task.NextExecution == nil || !task.NextExecution.After(s.now()) {
		next, err := NextFire(task.Recurrence, task.ScheduledTime, s.now())
		if err != nil {
			// A once-task whose moment passed while paused cannot come back.
			task.Status = fleet.TaskFailed
			if uerr := s.store.UpdateTask(ctx, task); uerr != nil {
				return uerr
			}
			return fmt.Errorf("task %s: %w", id, err)
		}
		task.NextExecution = &next
	}
	task.Status = fleet.TaskPending
	return s.store.UpdateTask(ctx, task)
}

// CancelTask permanently retires a task.
func (s *Scheduler) CancelTask(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == fleet.TaskRunning {
		return fmt.Errorf("task %s is running; it will finish its current fire", id)
	}
	task.Status = fleet.TaskCancelled
	task.NextExecution = nil
	return s.store.UpdateTask(ctx, task)
}

// RunNow fires a task immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == fleet.TaskRunning {
		return fmt.Errorf("task %s already running", id)
	}
	// The fire must outlive the triggering request.
	go s.fire(context.WithoutCancel(ctx), task)
	return nil
}

// ------------------------------------------------------------------
// Tick loop
// ------------------------------------------------------------------

// Run drives the scheduler until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler running", "tick", s.tick, "max_concurrent", maxConcurrent)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep fires every due pending task. A task past its grace window
// missed the slot: recurring tasks skip to the next occurrence,
// once-tasks fail.
func (s *Scheduler) sweep(ctx context.Context) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		return
	}
	now := s.now().UTC()

	for _, task := range tasks {
		if task.Status != fleet.TaskPending || task.NextExecution == nil {
			continue
		}
		due := *task.NextExecution
		if now.Before(due) {
			continue
		}

		if now.Sub(due) > s.grace {
			s.missSlot(ctx, task, due)
			continue
		}

		s.mu.Lock()
		already := s.running[task.ID]
		if !already {
			s.running[task.ID] = true
		}
		s.mu.Unlock()
		if already {
			continue
		}

		go func(task *fleet.ScheduledTask) {
			s.slots <- struct{}{}
			defer func() {
				<-s.slots
				s.mu.Lock()
				delete(s.running, task.ID)
				s.mu.Unlock()
			}()
			s.fire(ctx, task)
		}(task)
	}
}

func (s *Scheduler) missSlot(ctx context.Context, task *fleet.ScheduledTask, due time.Time) {
	s.logger.Warn("task missed its slot", "task_id", task.ID, "due", due)
	s.appendExecution(ctx, &fleet.TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StartedAt: s.now().UTC(),
		Status:    fleet.TaskFailed,
		Error:     fmt.Sprintf("missed schedule slot %s", due.Format(time.RFC3339)),
	})

	if next, err := NextFire(task.Recurrence, task.ScheduledTime, s.now()); err == nil {
		task.NextExecution = &next
	} else {
		task.Status = fleet.TaskFailed
		task.NextExecution = nil
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("update task", "task_id", task.ID, "error", err)
	}
}

// ------------------------------------------------------------------
// Firing
// ------------------------------------------------------------------

func (s *Scheduler) fire(ctx context.Context, task *fleet.ScheduledTask) {
	s.logger.Info("task firing", "task_id", task.ID, "name", task.Name, "type", task.Type)

	task.Status = fleet.TaskRunning
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("update task", "task_id", task.ID, "error", err)
	}

	record := &fleet.TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StartedAt: s.now().UTC(),
		Status:    fleet.TaskRunning,
	}

	devices, err := s.resolve(ctx, task.DeviceIDs, task.GroupIDs)
	if err == nil && len(devices) == 0 {
		err = fmt.Errorf("no devices resolved")
	}
	if err == nil {
		switch task.Type {
		case fleet.TaskCommand:
			err = s.fireCommand(ctx, task, devices, record)
		case fleet.TaskSoftwareDeploy:
			err = s.fireSoftwareDeploy(ctx, task, devices, record)
		case fleet.TaskFileDeploy:
			err = s.fireFileDeploy(ctx, task, devices, record)
		}
	}

	done := s.now().UTC()
	record.CompletedTime = &done
	if err != nil {
		record.Status = fleet.TaskFailed
		record.Error = err.Error()
	} else {
		record.Status = fleet.TaskCompleted
	}
	s.appendExecution(ctx, record)

	s.advance(ctx, task, err)
}

// advance moves the task past a fire: once-tasks settle terminally,
// recurring tasks recompute and return to pending.
func (s *Scheduler) advance(ctx context.Context, task *fleet.ScheduledTask, fireErr error) {
	now := s.now().UTC()
	task.ExecutionCount++
	task.LastExecution = &now

	kind := task.Recurrence.Kind
	if kind == "" || kind == "once" {
		task.NextExecution = nil
		if fireErr != nil {
			task.Status = fleet.TaskFailed
		} else {
			task.Status = fleet.TaskCompleted
		}
	} else {
		if next, err := NextFire(task.Recurrence, task.ScheduledTime, now); err == nil {
			task.NextExecution = &next
			task.Status = fleet.TaskPending
		} else {
			s.logger.Error("recompute schedule", "task_id", task.ID, "error", err)
			task.NextExecution = nil
			task.Status = fleet.TaskFailed
		}
	}

	if fireErr != nil {
		s.logger.Warn("task fire failed", "task_id", task.ID, "error", fireErr)
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("update task", "task_id", task.ID, "error", err)
	}
}

// fireCommand executes the task's command payload: a single command as
// one group execution, a command list as a sequential batch.
func (s *Scheduler) fireCommand(ctx context.Context, task *fleet.ScheduledTask, devices []fleet.Device, record *fleet.TaskExecution) error {
	var payload fleet.CommandTaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("command payload: %w", err)
	}

	groupID, groupName := taskGroup(task)

	if len(payload.Commands) > 0 {
		batch, err := s.exec.ExecuteBatch(ctx, groupID, groupName, devices, payload.Commands, payload.Shell, payload.StopOnFailure)
		if err != nil {
			return err
		}
		record.BatchID = batch.ID
		return s.awaitBatch(ctx, batch.ID)
	}

	if payload.Command == "" {
		return fmt.Errorf("command payload is empty")
	}
	exec, err := s.exec.ExecuteOnGroup(ctx, groupID, groupName, devices, payload.Command, payload.Shell, "")
	if err != nil {
		return err
	}
	record.ExecutionID = exec.ID
	return s.awaitExecution(ctx, exec.ID)
}

func (s *Scheduler) awaitExecution(ctx context.Context, executionID string) error {
	deadline := s.now().Add(s.commandWait)
	for {
		exec, err := s.exec.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			if exec.Status == fleet.ExecutionFailed {
				return fmt.Errorf("execution %s failed on all devices", executionID)
			}
			return nil
		}
		if s.now().After(deadline) {
			return fmt.Errorf("execution %s still running after %s", executionID, s.commandWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

func (s *Scheduler) awaitBatch(ctx context.Context, batchID string) error {
	deadline := s.now().Add(s.batchWait)
	for {
		batch, err := s.exec.GetBatch(batchID)
		if err != nil {
			return err
		}
		if batch.Status.Terminal() {
			if batch.Status == fleet.ExecutionFailed {
				return fmt.Errorf("batch %s failed", batchID)
			}
			return nil
		}
		if s.now().After(deadline) {
			return fmt.Errorf("batch %s still running after %s", batchID, s.batchWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// fireSoftwareDeploy pushes install frames to every live target. The
// agents report progress through the deployment event stream; the task
// fire itself only covers dispatch.
func (s *Scheduler) fireSoftwareDeploy(ctx context.Context, task *fleet.ScheduledTask, devices []fleet.Device, record *fleet.TaskExecution) error {
	var payload struct {
		SoftwareList []string `json:"software_list"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("software payload: %w", err)
	}
	if len(payload.SoftwareList) == 0 {
		return fmt.Errorf("software payload lists nothing to install")
	}

	record.DeploymentID = uuid.NewString()
	return s.dispatchToLive(ctx, devices, func(d fleet.Device) error {
		return s.transport.Emit(ctx, d.AgentID, hub.EventInstallSoftware, hub.InstallSoftware{
			DeploymentID: record.DeploymentID,
			DeviceID:     d.ID,
			SoftwareList: payload.SoftwareList,
		})
	})
}

// fireFileDeploy pushes one file to every live target.
func (s *Scheduler) fireFileDeploy(ctx context.Context, task *fleet.ScheduledTask, devices []fleet.Device, record *fleet.TaskExecution) error {
	var payload struct {
		FileID              string `json:"file_id"`
		Filename            string `json:"filename"`
		FileDataB64         string `json:"file_data_b64"`
		TargetPath          string `json:"target_path"`
		CreatePathIfMissing bool   `json:"create_path_if_not_exists"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("file payload: %w", err)
	}
	if payload.Filename == "" || payload.TargetPath == "" {
		return fmt.Errorf("file payload needs filename and target_path")
	}

	record.DeploymentID = uuid.NewString()
	return s.dispatchToLive(ctx, devices, func(d fleet.Device) error {
		return s.transport.Emit(ctx, d.AgentID, hub.EventReceiveFile, hub.ReceiveFile{
			DeploymentID:        record.DeploymentID,
			FileID:              payload.FileID,
			Filename:            payload.Filename,
			FileDataB64:         payload.FileDataB64,
			TargetPath:          payload.TargetPath,
			CreatePathIfMissing: payload.CreatePathIfMissing,
		})
	})
}

// dispatchToLive sends to every live device; it fails only when no
// device accepted the dispatch at all.
func (s *Scheduler) dispatchToLive(ctx context.Context, devices []fleet.Device, send func(fleet.Device) error) error {
	delivered := 0
	for _, d := range devices {
		if !s.transport.Live(d.AgentID) {
			s.logger.Warn("skipping offline device", "device", d.ID, "agent_id", d.AgentID)
			continue
		}
		if err := send(d); err != nil {
			s.logger.Error("deploy dispatch", "device", d.ID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("no live devices accepted the deployment")
	}
	return nil
}

func (s *Scheduler) appendExecution(ctx context.Context, exec *fleet.TaskExecution) {
	if err := s.store.AppendTaskExecution(ctx, exec); err != nil {
		s.logger.Error("append task execution", "task_id", exec.TaskID, "error", err)
	}
}

func taskGroup(task *fleet.ScheduledTask) (fleet.GroupID, string) {
	if len(task.GroupIDs) > 0 {
		return task.GroupIDs[0], string(task.GroupIDs[0])
	}
	return fleet.GroupID("task-" + task.ID), task.Name
}
