package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func newMiniRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewRedisStorageFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		store, _ := newMiniRedisStorage(t)
		return store
	})

	t.Run("NewRedisStorage", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisStorage(RedisOptions{
			Addr:         mr.Addr(),
			PoolSize:     10,
			MinIdleConns: 2,
			IdleTimeout:  5 * time.Minute,
		})
		require.NoError(t, err)
		require.NotNil(t, store.client)
		require.NoError(t, store.Close())

		addr := mr.Addr()
		mr.Close()
		_, err = NewRedisStorage(RedisOptions{Addr: addr})
		assert.Error(t, err)
	})

	t.Run("UnknownTaskWritesNothing", func(t *testing.T) {
		store, mr := newMiniRedisStorage(t)
		ctx := context.Background()

		inst := newInstance(10, 1)
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true}))

		next := inst
		next.Version = 2
		err := store.Commit(ctx, Change{Instance: next, ExpectedVersion: 1, UpdatedTasks: []types.ApprovalTask{newTask(5, 10, 1, 0)}})
		assert.ErrorIs(t, err, ErrTaskNotFound)

		assert.False(t, mr.Exists(key(taskPrefix, 5)))
		assert.False(t, mr.Exists(key(userPendingIndex, 1)))
		_, err = store.GetTask(ctx, 5)
		assert.ErrorIs(t, err, ErrTaskNotFound)
		got, err := store.GetInstance(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("Indexes", func(t *testing.T) {
		store, mr := newMiniRedisStorage(t)
		ctx := context.Background()

		inst := newInstance(10, 1)
		task := newTask(100, 10, 5, time.Now().Add(time.Hour).UnixMilli())
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, Create: true, NewTasks: []types.ApprovalTask{task}}))

		members, err := mr.SMembers(key(userPendingIndex, 5))
		require.NoError(t, err)
		assert.Equal(t, []string{"100"}, members)
		assert.True(t, mr.Exists(key(activeInstancesIndex, 1)))

		task.Status = types.TaskApproved
		inst.Version = 2
		inst.Status = types.InstanceApproved
		require.NoError(t, store.Commit(ctx, Change{Instance: inst, ExpectedVersion: 1, UpdatedTasks: []types.ApprovalTask{task}}))

		assert.False(t, mr.Exists(key(userPendingIndex, 5)))
		assert.False(t, mr.Exists(key(activeInstancesIndex, 1)))
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store, _ := newMiniRedisStorage(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.SaveDefinition(ctx, newDefinition(1, 1))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetDefinition(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)

		err = store.Commit(ctx, Change{Instance: newInstance(1, 1), Create: true})
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ListTasks(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Close", func(t *testing.T) {
		store, _ := newMiniRedisStorage(t)
		require.NoError(t, store.Close())

		err := store.SaveDefinition(context.Background(), newDefinition(1, 1))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})
}

func TestGetFromRedis(t *testing.T) {
	store, _ := newMiniRedisStorage(t)
	ctx := context.Background()

	t.Run("Found", func(t *testing.T) {
		def := newDefinition(100, 1)
		require.NoError(t, store.SaveDefinition(ctx, def))

		result, err := getFromRedis[types.WorkflowDefinition](ctx, store.client, definitionPrefix, 100, ErrDefinitionNotFound)
		require.NoError(t, err)
		assert.Equal(t, def, result)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getFromRedis[types.WorkflowDefinition](ctx, store.client, definitionPrefix, 999, ErrDefinitionNotFound)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := getFromRedis[types.WorkflowDefinition](ctx, store.client, definitionPrefix, 100, ErrDefinitionNotFound)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestWithContextError(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		assert.NoError(t, withContextError(context.Background(), func() error { return nil }))
	})

	t.Run("Error", func(t *testing.T) {
		err := withContextError(context.Background(), func() error { return fmt.Errorf("fail") })
		assert.EqualError(t, err, "fail")
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, withContextError(ctx, func() error { return nil }), context.Canceled)
	})
}
