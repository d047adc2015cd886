package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func newDefinition(id, companyID uint64) types.WorkflowDefinition {
	approver, _ := types.NewApprover(1, types.Assignment{Type: types.AssignUser, ID: 20}, 24)
	executor, _ := types.NewExecutor(0, types.Assignment{Type: types.AssignRole, ID: 7}, 0)
	now := time.Now().UnixMilli()
	return types.WorkflowDefinition{
		ID:            id,
		CompanyID:     companyID,
		Name:          "Purchase",
		OperationType: "PURCHASE",
		Active:        true,
		Nodes:         []types.Node{executor, approver},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newInstance(id, definitionID uint64) types.WorkflowInstance {
	now := time.Now().UnixMilli()
	return types.WorkflowInstance{
		ID:           id,
		DefinitionID: definitionID,
		CompanyID:    1,
		WorkflowName: "Purchase",
		InitiatorID:  99,
		Status:       types.InstanceInProgress,
		Request: types.RequestPayload{
			RequestType: "PURCHASE",
			Amount:      1200,
			Data:        map[string]interface{}{"dept": "eng"},
		},
		History:   []types.LevelRecord{{Level: 0, Outcome: types.LevelMaterialized, Tasks: 2, At: now}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTask(id, instanceID, assignee uint64, due int64) types.ApprovalTask {
	return types.ApprovalTask{
		ID:           id,
		InstanceID:   instanceID,
		AssigneeID:   assignee,
		Sequence:     0,
		NodeType:     types.NodeTypeExecutor,
		Status:       types.TaskPending,
		Channels:     []types.Channel{types.ChannelEmail},
		DueDate:      due,
		WorkflowName: "Purchase",
		RequestType:  "PURCHASE",
		Amount:       1200,
		InitiatorID:  99,
		CreatedAt:    time.Now().UnixMilli(),
	}
}

// runStorageSuite checks the behaviour every Storage implementation must share.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		def := newDefinition(1, 1)
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, def, got)

		def.Name = "Purchase v2"
		require.NoError(t, store.SaveDefinition(ctx, def))
		got, err = store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Purchase v2", got.Name)

		_, err = store.GetDefinition(ctx, 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("ListDefinitions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, d := range []types.WorkflowDefinition{newDefinition(3, 1), newDefinition(1, 1), newDefinition(2, 2)} {
			require.NoError(t, store.SaveDefinition(ctx, d))
		}

		defs, err := store.ListDefinitions(ctx, 1)
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Equal(t, uint64(1), defs[0].ID)
		assert.Equal(t, uint64(3), defs[1].ID)

		defs, err = store.ListDefinitions(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, defs)
	})

	t.Run("CommitCreate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(10, 1)
		due := time.Now().Add(time.Hour).UnixMilli()
		tasks := []types.ApprovalTask{newTask(100, 10, 5, due), newTask(101, 10, 6, due)}
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true, NewTasks: tasks}))

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, inst, got)

		listed, err := store.ListTasks(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, tasks, listed)

		task, err := store.GetTask(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, tasks[1], task)

		err = store.Commit(ctx, Change{Instance: inst, Create: true})
		assert.ErrorIs(t, err, ErrInstanceExists)

		_, err = store.GetInstance(ctx, 11)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		_, err = store.GetTask(ctx, 999)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("CommitUpdate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(10, 1)
		task := newTask(100, 10, 5, time.Now().Add(time.Hour).UnixMilli())
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true, NewTasks: []types.ApprovalTask{task}}))

		task.Status = types.TaskApproved
		task.Comments = "ok"
		task.DecidedAt = time.Now().UnixMilli()
		next := inst
		next.Version = 2
		next.Status = types.InstanceApproved
		next.CompletedAt = task.DecidedAt
		require.NoError(t, store.Commit(ctx, Change{Instance: next, ExpectedVersion: 1, UpdatedTasks: []types.ApprovalTask{task}}))

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, next, got)

		gotTask, err := store.GetTask(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, task, gotTask)

		pending, err := store.ListPendingTasks(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("LongText", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		long := strings.Repeat("x", 4096)
		inst := newInstance(10, 1)
		task := newTask(100, 10, 5, time.Now().Add(time.Hour).UnixMilli())
		task.Description = long
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true, NewTasks: []types.ApprovalTask{task}}))

		task.Status = types.TaskRejected
		task.Comments = long
		next := inst
		next.Version = 2
		require.NoError(t, store.Commit(ctx, Change{Instance: next, ExpectedVersion: 1, UpdatedTasks: []types.ApprovalTask{task}}))

		got, err := store.GetTask(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, got.Comments, 4096)
		assert.Len(t, got.Description, 4096)
	})

	t.Run("CommitVersionConflict", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(10, 1)
		task := newTask(100, 10, 5, time.Now().Add(time.Hour).UnixMilli())
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true, NewTasks: []types.ApprovalTask{task}}))

		stale := inst
		stale.Version = 2
		stale.Status = types.InstanceRejected
		task.Status = types.TaskRejected
		err := store.Commit(ctx, Change{Instance: stale, ExpectedVersion: 0, UpdatedTasks: []types.ApprovalTask{task}})
		assert.ErrorIs(t, err, ErrVersionConflict)

		// nothing from the failed change is visible
		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceInProgress, got.Status)
		gotTask, err := store.GetTask(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, types.TaskPending, gotTask.Status)

		missing := newInstance(11, 1)
		err = store.Commit(ctx, Change{Instance: missing, ExpectedVersion: 1})
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("CommitUnknownTask", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(10, 1)
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true}))

		next := inst
		next.Version = 2
		err := store.Commit(ctx, Change{Instance: next, ExpectedVersion: 1, UpdatedTasks: []types.ApprovalTask{newTask(5, 10, 1, 0)}})
		assert.ErrorIs(t, err, ErrTaskNotFound)

		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("ListPendingTasks", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		now := time.Now()
		late := newTask(100, 10, 5, now.Add(3*time.Hour).UnixMilli())
		soon := newTask(101, 10, 5, now.Add(time.Hour).UnixMilli())
		other := newTask(102, 10, 6, now.Add(time.Hour).UnixMilli())
		done := newTask(103, 10, 5, now.Add(time.Hour).UnixMilli())
		done.Status = types.TaskCancelled
		require.NoError(t, store.Commit(ctx, Change{
			Instance: newInstance(10, 1),
			Create:   true,
			NewTasks: []types.ApprovalTask{late, soon, other, done},
		}))

		pending, err := store.ListPendingTasks(ctx, 5)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, uint64(101), pending[0].ID)
		assert.Equal(t, uint64(100), pending[1].ID)
	})

	t.Run("ListInstancesAndActive", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		a := newInstance(2, 1)
		b := newInstance(1, 1)
		b.Status = types.InstanceApproved
		c := newInstance(3, 7)
		c.CompanyID = 2
		for _, inst := range []types.WorkflowInstance{a, b, c} {
			require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true}))
		}

		insts, err := store.ListInstances(ctx, 1)
		require.NoError(t, err)
		require.Len(t, insts, 2)
		assert.Equal(t, uint64(1), insts[0].ID)
		assert.Equal(t, uint64(2), insts[1].ID)

		active, err := store.HasActiveInstances(ctx, 1)
		require.NoError(t, err)
		assert.True(t, active)

		a.Version = 2
		a.Status = types.InstanceRejected
		require.NoError(t, store.Commit(ctx, Change{Instance: a, ExpectedVersion: 1}))
		active, err = store.HasActiveInstances(ctx, 1)
		require.NoError(t, err)
		assert.False(t, active)

		active, err = store.HasActiveInstances(ctx, 42)
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("ConcurrentCommits", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(10, 1)
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true}))

		const writers = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		var ok, conflicts int
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := inst
				next.Version = 2
				err := store.Commit(ctx, Change{Instance: next, ExpectedVersion: 1})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected commit error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflicts)
	})
}
