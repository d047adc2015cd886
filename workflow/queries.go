package workflow

import (
	"context"

	"github.com/songzhibin97/approval-engine/types"
)

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (types.WorkflowInstance, error) {
	return e.storage.GetInstance(ctx, instanceID)
}

// ListInstances lists a company's instances.
func (e *Engine) ListInstances(ctx context.Context, companyID uint64) ([]types.WorkflowInstance, error) {
	return e.storage.ListInstances(ctx, companyID)
}

// GetTask retrieves a task with its urgency computed for now.
func (e *Engine) GetTask(ctx context.Context, taskID uint64) (types.ApprovalTask, error) {
	t, err := e.storage.GetTask(ctx, taskID)
	if err != nil {
		return types.ApprovalTask{}, err
	}
	return e.markUrgency([]types.ApprovalTask{t})[0], nil
}

// ListPendingTasks is the user's inbox: pending tasks, earliest due first,
// with urgency computed for now.
func (e *Engine) ListPendingTasks(ctx context.Context, userID uint64) ([]types.ApprovalTask, error) {
	tasks, err := e.storage.ListPendingTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.markUrgency(tasks), nil
}

// CountPendingTasks counts the user's pending tasks.
func (e *Engine) CountPendingTasks(ctx context.Context, userID uint64) (int, error) {
	tasks, err := e.storage.ListPendingTasks(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// ListInstanceTasks lists every task of an instance by level.
func (e *Engine) ListInstanceTasks(ctx context.Context, instanceID uint64) ([]types.ApprovalTask, error) {
	tasks, err := e.storage.ListTasks(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return e.markUrgency(tasks), nil
}
