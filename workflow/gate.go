package workflow

import (
	"github.com/songzhibin97/approval-engine/types"
)

// GateResult is the outcome of a level.
type GateResult int

const (
	GatePending GateResult = iota
	GateSatisfied
	GateRejected
)

func (r GateResult) String() string {
	switch r {
	case GateSatisfied:
		return "satisfied"
	case GateRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// evaluateGate decides a level from its tasks. Any rejection dominates;
// otherwise every task must be approved. A level without tasks is satisfied.
func evaluateGate(tasks []types.ApprovalTask) GateResult {
	approved := 0
	for _, t := range tasks {
		switch t.Status {
		case types.TaskRejected:
			return GateRejected
		case types.TaskApproved:
			approved++
		}
	}
	if approved == len(tasks) {
		return GateSatisfied
	}
	return GatePending
}

// cancelPending returns CANCELLED copies of the pending tasks in the level.
func cancelPending(tasks []types.ApprovalTask, at int64) []types.ApprovalTask {
	var cancelled []types.ApprovalTask
	for _, t := range tasks {
		if t.Status != types.TaskPending {
			continue
		}
		t.Status = types.TaskCancelled
		t.DecidedAt = at
		cancelled = append(cancelled, t)
	}
	return cancelled
}

func tasksAtLevel(tasks []types.ApprovalTask, level int) []types.ApprovalTask {
	var out []types.ApprovalTask
	for _, t := range tasks {
		if t.Sequence == level {
			out = append(out, t)
		}
	}
	return out
}
