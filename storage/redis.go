package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix        = "definition:"
	instancePrefix          = "instance:"
	taskPrefix              = "task:"
	companyDefinitionsIndex = "company_definitions:"
	companyInstancesIndex   = "company_instances:"
	activeInstancesIndex    = "definition_active:"
	instanceTasksIndex      = "instance_tasks:"
	userPendingIndex        = "user_pending:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Commits use WATCH on the instance key so concurrent writers across
// processes are detected as version conflicts.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func key(prefix string, id uint64) string {
	return prefix + strconv.FormatUint(id, 10)
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, prefix string, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		k := key(prefix, id)
		data, err := client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, k)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", k, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", k, err)
		}
		return result, nil
	})
}

// listFromIndex loads every member of an id index set.
func listFromIndex[T any](ctx context.Context, client *redis.Client, index, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		ids, err := client.SMembers(ctx, index).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %w", index, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = prefix + id
		}
		vals, err := client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s*: %w", prefix, err)
		}
		out := make([]T, 0, len(vals))
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var item T
			if err := json.Unmarshal([]byte(s), &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %d: %w", def.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(definitionPrefix, def.ID), data, 0)
			pipe.SAdd(ctx, key(companyDefinitionsIndex, def.CompanyID), def.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save definition %d: %w", def.ID, err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, definitionPrefix, id, ErrDefinitionNotFound)
}

// ListDefinitions lists a company's definitions.
func (s *RedisStorage) ListDefinitions(ctx context.Context, companyID uint64) ([]types.WorkflowDefinition, error) {
	defs, err := listFromIndex[types.WorkflowDefinition](ctx, s.client, key(companyDefinitionsIndex, companyID), definitionPrefix)
	if err != nil {
		return nil, err
	}
	sortDefinitions(defs)
	return defs, nil
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, s.client, instancePrefix, id, ErrInstanceNotFound)
}

// ListInstances lists a company's instances.
func (s *RedisStorage) ListInstances(ctx context.Context, companyID uint64) ([]types.WorkflowInstance, error) {
	insts, err := listFromIndex[types.WorkflowInstance](ctx, s.client, key(companyInstancesIndex, companyID), instancePrefix)
	if err != nil {
		return nil, err
	}
	sortInstances(insts)
	return insts, nil
}

// HasActiveInstances reports whether a running instance references the definition.
func (s *RedisStorage) HasActiveInstances(ctx context.Context, definitionID uint64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		n, err := s.client.SCard(ctx, key(activeInstancesIndex, definitionID)).Result()
		if err != nil {
			return false, fmt.Errorf("failed to count active instances: %w", err)
		}
		return n > 0, nil
	})
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.ApprovalTask, error) {
	return getFromRedis[types.ApprovalTask](ctx, s.client, taskPrefix, id, ErrTaskNotFound)
}

// ListTasks lists an instance's tasks.
func (s *RedisStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.ApprovalTask, error) {
	tasks, err := listFromIndex[types.ApprovalTask](ctx, s.client, key(instanceTasksIndex, instanceID), taskPrefix)
	if err != nil {
		return nil, err
	}
	sortByLevel(tasks)
	return tasks, nil
}

// ListPendingTasks lists a user's pending tasks.
func (s *RedisStorage) ListPendingTasks(ctx context.Context, userID uint64) ([]types.ApprovalTask, error) {
	tasks, err := listFromIndex[types.ApprovalTask](ctx, s.client, key(userPendingIndex, userID), taskPrefix)
	if err != nil {
		return nil, err
	}
	pending := tasks[:0]
	for _, t := range tasks {
		if t.Status == types.TaskPending {
			pending = append(pending, t)
		}
	}
	sortByDue(pending)
	return pending, nil
}

// Commit applies the change in one MULTI/EXEC guarded by WATCH on the instance
// and updated task keys. Updated tasks must already exist.
func (s *RedisStorage) Commit(ctx context.Context, change Change) error {
	return withContextError(ctx, func() error {
		inst := change.Instance
		instKey := key(instancePrefix, inst.ID)

		txf := func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, instKey).Bytes()
			exists := err == nil
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read %s: %w", instKey, err)
			}
			switch {
			case change.Create && exists:
				return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
			case !change.Create && !exists:
				return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
			case !change.Create:
				var stored types.WorkflowInstance
				if err := json.Unmarshal(data, &stored); err != nil {
					return fmt.Errorf("failed to unmarshal %s: %w", instKey, err)
				}
				if stored.Version != change.ExpectedVersion {
					return fmt.Errorf("%w: id=%d have=%d want=%d", ErrVersionConflict, inst.ID, stored.Version, change.ExpectedVersion)
				}
			}

			for _, t := range change.UpdatedTasks {
				n, err := tx.Exists(ctx, key(taskPrefix, t.ID)).Result()
				if err != nil {
					return fmt.Errorf("failed to check task %d: %w", t.ID, err)
				}
				if n == 0 {
					return fmt.Errorf("%w: id=%d", ErrTaskNotFound, t.ID)
				}
			}

			payload, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
			}
			taskData := make(map[uint64][]byte, len(change.NewTasks)+len(change.UpdatedTasks))
			for _, t := range append(append([]types.ApprovalTask(nil), change.NewTasks...), change.UpdatedTasks...) {
				b, err := json.Marshal(t)
				if err != nil {
					return fmt.Errorf("failed to marshal task %d: %w", t.ID, err)
				}
				taskData[t.ID] = b
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, instKey, payload, 0)
				pipe.SAdd(ctx, key(companyInstancesIndex, inst.CompanyID), inst.ID)
				if isActive(inst) {
					pipe.SAdd(ctx, key(activeInstancesIndex, inst.DefinitionID), inst.ID)
				} else {
					pipe.SRem(ctx, key(activeInstancesIndex, inst.DefinitionID), inst.ID)
				}
				for _, t := range change.NewTasks {
					pipe.Set(ctx, key(taskPrefix, t.ID), taskData[t.ID], 0)
					pipe.SAdd(ctx, key(instanceTasksIndex, t.InstanceID), t.ID)
				}
				for _, t := range change.UpdatedTasks {
					pipe.Set(ctx, key(taskPrefix, t.ID), taskData[t.ID], 0)
				}
				for _, t := range append(append([]types.ApprovalTask(nil), change.NewTasks...), change.UpdatedTasks...) {
					if t.Status == types.TaskPending {
						pipe.SAdd(ctx, key(userPendingIndex, t.AssigneeID), t.ID)
					} else {
						pipe.SRem(ctx, key(userPendingIndex, t.AssigneeID), t.ID)
					}
				}
				return nil
			})
			return err
		}

		watched := make([]string, 0, len(change.UpdatedTasks)+1)
		watched = append(watched, instKey)
		for _, t := range change.UpdatedTasks {
			watched = append(watched, key(taskPrefix, t.ID))
		}
		err := s.client.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%d", ErrVersionConflict, inst.ID)
		}
		return err
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
