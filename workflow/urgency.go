package workflow

import (
	"time"

	"github.com/songzhibin97/approval-engine/types"
)

// dueDate is the deadline of a task created at now for node.
func dueDate(now time.Time, node types.Node, defaultLimit time.Duration) time.Time {
	return now.Add(node.TimeLimit(defaultLimit))
}

// isUrgent reports whether less than threshold remains before due.
// Overdue tasks are urgent; they stay actionable.
func isUrgent(due, now time.Time, threshold time.Duration) bool {
	return due.Sub(now) < threshold
}

// markUrgency recomputes IsUrgent on read. Only pending tasks can be urgent.
func (e *Engine) markUrgency(tasks []types.ApprovalTask) []types.ApprovalTask {
	now := e.clock.Now()
	for i := range tasks {
		tasks[i].IsUrgent = tasks[i].Status == types.TaskPending && isUrgent(tasks[i].Due(), now, e.urgencyThreshold)
	}
	return tasks
}
