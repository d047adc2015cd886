package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Values are copied on the way in and out so callers never share state with it.
type MemoryStorage struct {
	definitions map[uint64]types.WorkflowDefinition
	instances   map[uint64]types.WorkflowInstance
	tasks       map[uint64]types.ApprovalTask
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.WorkflowDefinition),
		instances:   make(map[uint64]types.WorkflowInstance),
		tasks:       make(map[uint64]types.ApprovalTask),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error, clone func(T) T) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return clone(item), nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = cloneDefinition(def)
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound, cloneDefinition)
}

// ListDefinitions lists a company's definitions.
func (s *MemoryStorage) ListDefinitions(ctx context.Context, companyID uint64) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowDefinition
		for _, d := range s.definitions {
			if d.CompanyID == companyID {
				out = append(out, cloneDefinition(d))
			}
		}
		sortDefinitions(out)
		return out, nil
	})
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound, cloneInstance)
}

// ListInstances lists a company's instances.
func (s *MemoryStorage) ListInstances(ctx context.Context, companyID uint64) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.instances {
			if inst.CompanyID == companyID {
				out = append(out, cloneInstance(inst))
			}
		}
		sortInstances(out)
		return out, nil
	})
}

// HasActiveInstances reports whether a running instance references the definition.
func (s *MemoryStorage) HasActiveInstances(ctx context.Context, definitionID uint64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, inst := range s.instances {
			if inst.DefinitionID == definitionID && isActive(inst) {
				return true, nil
			}
		}
		return false, nil
	})
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.ApprovalTask, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound, cloneTask)
}

// ListTasks lists an instance's tasks.
func (s *MemoryStorage) ListTasks(ctx context.Context, instanceID uint64) ([]types.ApprovalTask, error) {
	return s.filterTasks(ctx, func(t types.ApprovalTask) bool { return t.InstanceID == instanceID }, sortByLevel)
}

// ListPendingTasks lists a user's pending tasks.
func (s *MemoryStorage) ListPendingTasks(ctx context.Context, userID uint64) ([]types.ApprovalTask, error) {
	return s.filterTasks(ctx, func(t types.ApprovalTask) bool {
		return t.AssigneeID == userID && t.Status == types.TaskPending
	}, sortByDue)
}

func (s *MemoryStorage) filterTasks(ctx context.Context, keep func(types.ApprovalTask) bool, order func([]types.ApprovalTask)) ([]types.ApprovalTask, error) {
	return withContext(ctx, func() ([]types.ApprovalTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ApprovalTask
		for _, t := range s.tasks {
			if keep(t) {
				out = append(out, cloneTask(t))
			}
		}
		order(out)
		return out, nil
	})
}

// Commit applies the change under a single lock after checking every precondition.
func (s *MemoryStorage) Commit(ctx context.Context, change Change) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		inst := change.Instance
		stored, exists := s.instances[inst.ID]
		switch {
		case change.Create && exists:
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
		case !change.Create && !exists:
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		case !change.Create && stored.Version != change.ExpectedVersion:
			return fmt.Errorf("%w: id=%d have=%d want=%d", ErrVersionConflict, inst.ID, stored.Version, change.ExpectedVersion)
		}
		for _, t := range change.UpdatedTasks {
			if _, ok := s.tasks[t.ID]; !ok {
				return fmt.Errorf("%w: id=%d", ErrTaskNotFound, t.ID)
			}
		}

		s.instances[inst.ID] = cloneInstance(inst)
		for _, t := range change.NewTasks {
			s.tasks[t.ID] = cloneTask(t)
		}
		for _, t := range change.UpdatedTasks {
			s.tasks[t.ID] = cloneTask(t)
		}
		return nil
	})
}

func sortByLevel(tasks []types.ApprovalTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Sequence != tasks[j].Sequence {
			return tasks[i].Sequence < tasks[j].Sequence
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func sortByDue(tasks []types.ApprovalTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].DueDate != tasks[j].DueDate {
			return tasks[i].DueDate < tasks[j].DueDate
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func cloneDefinition(d types.WorkflowDefinition) types.WorkflowDefinition {
	if d.Nodes == nil {
		return d
	}
	nodes := make([]types.Node, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.Assignment != nil {
			a := *n.Assignment
			n.Assignment = &a
		}
		nodes[i] = n
	}
	d.Nodes = nodes
	return d
}

func cloneInstance(inst types.WorkflowInstance) types.WorkflowInstance {
	if inst.History != nil {
		inst.History = append([]types.LevelRecord(nil), inst.History...)
	}
	if inst.Request.Data != nil {
		data := make(map[string]interface{}, len(inst.Request.Data))
		for k, v := range inst.Request.Data {
			data[k] = v
		}
		inst.Request.Data = data
	}
	return inst
}

func cloneTask(t types.ApprovalTask) types.ApprovalTask {
	if t.Channels != nil {
		t.Channels = append([]types.Channel(nil), t.Channels...)
	}
	return t
}
