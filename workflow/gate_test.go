package workflow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/approval-engine/types"
)

func tasksWith(statuses ...types.TaskStatus) []types.ApprovalTask {
	tasks := make([]types.ApprovalTask, len(statuses))
	for i, s := range statuses {
		tasks[i] = types.ApprovalTask{ID: uint64(i + 1), Status: s}
	}
	return tasks
}

func TestEvaluateGate(t *testing.T) {
	tests := []struct {
		name  string
		tasks []types.ApprovalTask
		want  GateResult
	}{
		{"empty level", nil, GateSatisfied},
		{"all approved", tasksWith(types.TaskApproved, types.TaskApproved), GateSatisfied},
		{"mixed", tasksWith(types.TaskApproved, types.TaskPending), GatePending},
		{"all pending", tasksWith(types.TaskPending, types.TaskPending), GatePending},
		{"one rejected", tasksWith(types.TaskPending, types.TaskRejected, types.TaskApproved), GateRejected},
		{"after cascade", tasksWith(types.TaskCancelled, types.TaskRejected), GateRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluateGate(tt.tasks))
			assert.Equal(t, tt.want, evaluateGate(tt.tasks), "gate must be stable")
		})
	}
	assert.Equal(t, "rejected", GateRejected.String())
}

func TestCancelPending(t *testing.T) {
	level := tasksWith(types.TaskApproved, types.TaskPending, types.TaskRejected, types.TaskPending)
	cancelled := cancelPending(level, 99)

	assert.Len(t, cancelled, 2)
	for _, c := range cancelled {
		assert.Equal(t, types.TaskCancelled, c.Status)
		assert.Equal(t, int64(99), c.DecidedAt)
	}
	assert.Equal(t, types.TaskPending, level[1].Status, "input is not modified")
}

func TestTasksAtLevel(t *testing.T) {
	all := []types.ApprovalTask{{ID: 1, Sequence: 0}, {ID: 2, Sequence: 1}, {ID: 3, Sequence: 1}}
	got := tasksAtLevel(all, 1)
	assert.Len(t, got, 2)
	assert.Empty(t, tasksAtLevel(all, 4))
}

func TestIsUrgent(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, isUrgent(now.Add(5*time.Hour), now, 4*time.Hour))
	assert.False(t, isUrgent(now.Add(4*time.Hour), now, 4*time.Hour))
	assert.True(t, isUrgent(now.Add(3*time.Hour), now, 4*time.Hour))
	assert.True(t, isUrgent(now.Add(-time.Hour), now, 4*time.Hour))
}

func TestInstanceLocks(t *testing.T) {
	locks := newInstanceLocks()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(7)
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Zero(t, locks.len())

	// distinct instances do not block each other
	a := locks.lock(1)
	b := locks.lock(2)
	assert.Equal(t, 2, locks.len())
	a()
	b()
	assert.Zero(t, locks.len())
}
