package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deployx/deployx/pkg/fleet"
)

// ExecuteBatch runs the commands in order across the group: step i+1 is
// not dispatched until step i's group execution reaches a terminal
// aggregate state. The call returns immediately; progress is visible
// through GetBatch and the underlying executions.
func (x *Executor) ExecuteBatch(ctx context.Context, groupID fleet.GroupID, groupName string, devices []fleet.Device, commands []string, shell string, stopOnFailure bool) (*fleet.BatchExecution, error) {
	if len(commands) == 0 {
		return nil, fmt.Errorf("batch has no commands")
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("group %s has no devices", groupID)
	}

	batch := &fleet.BatchExecution{
		ID:            uuid.NewString(),
		GroupID:       groupID,
		GroupName:     groupName,
		Commands:      commands,
		Shell:         shell,
		StopOnFailure: stopOnFailure,
		Status:        fleet.ExecutionRunning,
		StartedAt:     time.Now().UTC(),
	}

	x.mu.Lock()
	x.batches[batch.ID] = batch
	x.mu.Unlock()

	go x.runBatch(context.WithoutCancel(ctx), batch, devices)

	x.logger.Info("batch started",
		"batch_id", batch.ID, "group", groupName, "steps", len(commands))
	return x.batchClone(batch.ID), nil
}

// runBatch drives the sequential steps. Cancellation is checked between
// steps only: a running step always settles before the batch reacts.
func (x *Executor) runBatch(ctx context.Context, batch *fleet.BatchExecution, devices []fleet.Device) {
	var stepStatuses []fleet.ExecutionStatus

	for i := range batch.Commands {
		x.mu.Lock()
		cancelled := batch.Cancelled
		batch.CurrentIndex = i
		command := batch.Commands[i]
		x.mu.Unlock()
		if cancelled {
			break
		}

		exec, err := x.executeGroup(ctx, batch.GroupID, batch.GroupName, devices, command, batch.Shell, batch.ID, i)
		if err != nil {
			x.logger.Error("batch step dispatch", "batch_id", batch.ID, "step", i, "error", err)
			stepStatuses = append(stepStatuses, fleet.ExecutionFailed)
			if batch.StopOnFailure {
				break
			}
			continue
		}

		x.mu.Lock()
		batch.ExecutionIDs = append(batch.ExecutionIDs, exec.ID)
		x.mu.Unlock()

		status := x.awaitExecution(ctx, exec.ID)
		if !status.Terminal() {
			// Still running at the step timeout counts as a failed step.
			x.logger.Warn("batch step timed out", "batch_id", batch.ID, "step", i, "execution_id", exec.ID)
			status = fleet.ExecutionFailed
		}
		stepStatuses = append(stepStatuses, status)

		// Stop-on-failure reacts to a fully failed step only; partial
		// success means some devices took the change, so later steps
		// still run for them.
		if batch.StopOnFailure && status == fleet.ExecutionFailed {
			x.logger.Warn("batch stopped on failure", "batch_id", batch.ID, "step", i)
			break
		}
	}

	// The last step speaks for the whole batch when it completed and the
	// batch actually ran through; a truncated or uneven run carries the
	// most severe step outcome instead.
	ran := len(stepStatuses)
	x.mu.Lock()
	batch.EndedAt = time.Now().UTC()
	switch {
	case ran == 0:
		batch.Status = fleet.ExecutionFailed
	case stepStatuses[ran-1] == fleet.ExecutionCompleted && ran == len(batch.Commands) && !batch.Cancelled:
		batch.Status = fleet.ExecutionCompleted
	default:
		batch.Status = worstStepStatus(stepStatuses)
		if batch.Status == fleet.ExecutionCompleted {
			// Every step that ran completed, but the batch was cut short.
			batch.Status = fleet.ExecutionPartialSuccess
		}
	}
	final := batch.Status
	x.mu.Unlock()

	x.logger.Info("batch finished",
		"batch_id", batch.ID, "status", final, "steps_run", ran)
}

// worstStepStatus orders terminal step outcomes by severity:
// failed > partial_success > completed.
func worstStepStatus(statuses []fleet.ExecutionStatus) fleet.ExecutionStatus {
	worst := fleet.ExecutionCompleted
	for _, s := range statuses {
		switch s {
		case fleet.ExecutionFailed:
			return fleet.ExecutionFailed
		case fleet.ExecutionPartialSuccess:
			worst = fleet.ExecutionPartialSuccess
		}
	}
	return worst
}

// awaitExecution polls the in-memory execution at 1Hz until it reaches
// a terminal state or the step timeout lapses. Returns the last status
// observed.
func (x *Executor) awaitExecution(ctx context.Context, executionID string) fleet.ExecutionStatus {
	deadline := time.Now().Add(x.stepTimeout)
	ticker := time.NewTicker(x.pollInterval)
	defer ticker.Stop()

	for {
		x.mu.Lock()
		status := fleet.ExecutionFailed
		if exec, ok := x.executions[executionID]; ok {
			status = exec.Status
		}
		x.mu.Unlock()

		if status.Terminal() {
			return status
		}
		if time.Now().After(deadline) {
			return status
		}
		select {
		case <-ctx.Done():
			return status
		case <-ticker.C:
		}
	}
}

// CancelBatch flags the batch; the flag is honored between steps.
func (x *Executor) CancelBatch(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	batch, ok := x.batches[id]
	if !ok {
		return &fleet.NotFoundError{Kind: "batch", ID: id}
	}
	if batch.Status.Terminal() {
		return fmt.Errorf("batch %s already %s", id, batch.Status)
	}
	batch.Cancelled = true
	return nil
}

// GetBatch returns a copy of a batch execution.
func (x *Executor) GetBatch(id string) (*fleet.BatchExecution, error) {
	if b := x.batchClone(id); b != nil {
		return b, nil
	}
	return nil, &fleet.NotFoundError{Kind: "batch", ID: id}
}

// ListBatches returns copies of all known batches.
func (x *Executor) ListBatches() []*fleet.BatchExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]*fleet.BatchExecution, 0, len(x.batches))
	for _, b := range x.batches {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

func (x *Executor) batchClone(id string) *fleet.BatchExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	batch, ok := x.batches[id]
	if !ok {
		return nil
	}
	cp := *batch
	cp.Commands = append([]string(nil), batch.Commands...)
	cp.ExecutionIDs = append([]string(nil), batch.ExecutionIDs...)
	return &cp
}
