package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/types"
)

// CreateInstance opens a request against a definition and materializes its
// first level in the same commit. Levels that resolve to nobody or are
// skipped by a rule are passed immediately, so the returned instance may
// already be COMPLETED.
func (e *Engine) CreateInstance(ctx context.Context, definitionID, initiatorID uint64, req types.RequestPayload) (types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowInstance{}, ctx.Err()
	default:
	}

	if initiatorID == 0 {
		return types.WorkflowInstance{}, invalid("initiatorId", "is required")
	}
	if strings.TrimSpace(req.RequestType) == "" {
		return types.WorkflowInstance{}, invalid("requestType", "is required")
	}
	if req.Amount < 0 || math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return types.WorkflowInstance{}, invalid("amount", "must be a non-negative number")
	}

	def, err := e.storage.GetDefinition(ctx, definitionID)
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to get definition: %w", err)
	}
	if !def.Active {
		return types.WorkflowInstance{}, &ValidationError{Field: "definition", Reason: fmt.Sprintf("%d is inactive", def.ID), Err: ErrDefinitionInactive}
	}
	if len(def.Nodes) == 0 {
		return types.WorkflowInstance{}, invalid("definition", "%d has no nodes", def.ID)
	}

	id, err := e.GenerateID()
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now()
	tr := newTransition(types.WorkflowInstance{
		ID:           id,
		DefinitionID: def.ID,
		CompanyID:    def.CompanyID,
		WorkflowName: def.Name,
		InitiatorID:  initiatorID,
		Status:       types.InstancePending,
		Request:      req,
		CreatedAt:    now,
	})
	tr.create = true
	if err := e.enterLevel(ctx, def, tr, 0); err != nil {
		return types.WorkflowInstance{}, err
	}

	inst, err := e.commit(ctx, tr)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	e.logger.InfoContext(ctx, "instance created", "instance", inst.ID, "definition", def.ID,
		"status", inst.Status, "level", inst.CurrentLevel, "tasks", len(tr.newTasks))
	return inst, nil
}

// Decide records the assignee's decision on a pending task and runs the
// level gate in the same commit. Deciding a task that is no longer pending,
// or one whose instance is already resolved, is a conflict.
func (e *Engine) Decide(ctx context.Context, taskID, actorID uint64, decision types.Decision, comments string) (types.ApprovalTask, error) {
	select {
	case <-ctx.Done():
		return types.ApprovalTask{}, ctx.Err()
	default:
	}

	var status types.TaskStatus
	switch decision {
	case types.DecisionApproved:
		status = types.TaskApproved
	case types.DecisionRejected:
		status = types.TaskRejected
	default:
		return types.ApprovalTask{}, invalid("decision", "unknown decision %q", decision)
	}

	task, err := e.storage.GetTask(ctx, taskID)
	if err != nil {
		return types.ApprovalTask{}, err
	}

	unlock := e.locks.lock(task.InstanceID)
	defer unlock()

	// re-read under the lock; the first read only located the instance
	task, err = e.storage.GetTask(ctx, taskID)
	if err != nil {
		return types.ApprovalTask{}, err
	}
	if task.AssigneeID != actorID {
		return types.ApprovalTask{}, fmt.Errorf("%w: task %d", ErrNotAssignee, taskID)
	}
	if task.Status != types.TaskPending {
		return types.ApprovalTask{}, conflict("task %d is %s", taskID, task.Status)
	}

	inst, err := e.storage.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return types.ApprovalTask{}, err
	}
	if inst.Status.Terminal() {
		return types.ApprovalTask{}, conflict("instance %d is %s", inst.ID, inst.Status)
	}
	if task.Sequence != inst.CurrentLevel {
		return types.ApprovalTask{}, conflict("task %d is at level %d, instance %d at level %d", taskID, task.Sequence, inst.ID, inst.CurrentLevel)
	}

	def, err := e.storage.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return types.ApprovalTask{}, fmt.Errorf("failed to get definition: %w", err)
	}
	all, err := e.storage.ListTasks(ctx, inst.ID)
	if err != nil {
		return types.ApprovalTask{}, err
	}

	task.Status = status
	task.Comments = comments
	task.DecidedAt = e.now()

	level := tasksAtLevel(all, inst.CurrentLevel)
	for i := range level {
		if level[i].ID == task.ID {
			level[i] = task
		}
	}

	tr := newTransition(inst)
	tr.updatedTasks = append(tr.updatedTasks, task)
	tr.emit(events.TaskDecided, map[string]interface{}{
		"task":     task.ID,
		"assignee": task.AssigneeID,
		"level":    task.Sequence,
		"decision": string(decision),
	})
	if err := e.applyGate(ctx, def, tr, level, task.ID); err != nil {
		return types.ApprovalTask{}, err
	}

	if _, err := e.commit(ctx, tr); err != nil {
		return types.ApprovalTask{}, err
	}
	e.logger.InfoContext(ctx, "task decided", "task", task.ID, "instance", inst.ID, "level", task.Sequence,
		"decision", decision, "status", tr.inst.Status)
	return task, nil
}

// Approve approves a task.
func (e *Engine) Approve(ctx context.Context, taskID, actorID uint64, comments string) (types.ApprovalTask, error) {
	return e.Decide(ctx, taskID, actorID, types.DecisionApproved, comments)
}

// Reject rejects a task, cancelling its pending siblings and the instance.
func (e *Engine) Reject(ctx context.Context, taskID, actorID uint64, comments string) (types.ApprovalTask, error) {
	return e.Decide(ctx, taskID, actorID, types.DecisionRejected, comments)
}

// EvaluateGate re-runs the gate on the instance's current level and applies
// its outcome. Resolved instances and pending levels are returned unchanged,
// so repeated calls never transition twice.
func (e *Engine) EvaluateGate(ctx context.Context, instanceID uint64) (types.WorkflowInstance, GateResult, error) {
	unlock := e.locks.lock(instanceID)
	defer unlock()

	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, GatePending, err
	}
	if inst.Status.Terminal() {
		result := GateSatisfied
		if inst.Status == types.InstanceRejected {
			result = GateRejected
		}
		return inst, result, nil
	}

	def, err := e.storage.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return types.WorkflowInstance{}, GatePending, fmt.Errorf("failed to get definition: %w", err)
	}
	all, err := e.storage.ListTasks(ctx, inst.ID)
	if err != nil {
		return types.WorkflowInstance{}, GatePending, err
	}
	level := tasksAtLevel(all, inst.CurrentLevel)

	result := evaluateGate(level)
	if result == GatePending {
		return inst, result, nil
	}
	tr := newTransition(inst)
	if err := e.applyGate(ctx, def, tr, level, 0); err != nil {
		return types.WorkflowInstance{}, GatePending, err
	}
	inst, err = e.commit(ctx, tr)
	return inst, result, err
}

// applyGate stages the gate outcome for the current level: a rejection
// cancels the remaining pending tasks and terminates the instance, a
// satisfied level enters the next one.
func (e *Engine) applyGate(ctx context.Context, def types.WorkflowDefinition, tr *transition, level []types.ApprovalTask, decided uint64) error {
	now := e.now()
	switch evaluateGate(level) {
	case GateRejected:
		cancelled := cancelPending(level, now)
		tr.updatedTasks = append(tr.updatedTasks, cancelled...)
		tr.inst.Status = types.InstanceRejected
		tr.inst.CompletedAt = now
		tr.record(tr.inst.CurrentLevel, types.LevelRejected, len(level), now)
		if len(cancelled) > 0 {
			ids := make([]uint64, len(cancelled))
			for i, t := range cancelled {
				ids[i] = t.ID
			}
			tr.emit(events.TasksCancelled, map[string]interface{}{
				"level":         tr.inst.CurrentLevel,
				"tasks":         ids,
				"rejected_task": decided,
			})
		}
	case GateSatisfied:
		tr.record(tr.inst.CurrentLevel, types.LevelSatisfied, len(level), now)
		return e.enterLevel(ctx, def, tr, tr.inst.CurrentLevel+1)
	}
	return nil
}
