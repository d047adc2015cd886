package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInstanceExists     = errors.New("instance already exists")
	// ErrVersionConflict means the instance changed since it was read; nothing was written.
	ErrVersionConflict = errors.New("instance version conflict")
)

// Change is one all-or-nothing unit of work against a single instance.
type Change struct {
	// Instance is written as given. Its Version must already be incremented.
	Instance types.WorkflowInstance
	// Create inserts Instance; otherwise the stored version must equal ExpectedVersion.
	Create          bool
	ExpectedVersion int64
	NewTasks        []types.ApprovalTask
	UpdatedTasks    []types.ApprovalTask
}

// Storage defines the interface for persisting definitions, instances and tasks.
type Storage interface {
	// SaveDefinition saves a workflow definition, replacing any previous one with the same ID.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a workflow definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)

	// ListDefinitions lists the definitions owned by a company, ordered by ID.
	ListDefinitions(ctx context.Context, companyID uint64) ([]types.WorkflowDefinition, error)

	// GetInstance retrieves a workflow instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// ListInstances lists a company's instances, ordered by ID.
	ListInstances(ctx context.Context, companyID uint64) ([]types.WorkflowInstance, error)

	// HasActiveInstances reports whether a non-terminal instance references the definition.
	HasActiveInstances(ctx context.Context, definitionID uint64) (bool, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id uint64) (types.ApprovalTask, error)

	// ListTasks lists every task of an instance, ordered by sequence then ID.
	ListTasks(ctx context.Context, instanceID uint64) ([]types.ApprovalTask, error)

	// ListPendingTasks lists a user's PENDING tasks, ordered by due date then ID.
	ListPendingTasks(ctx context.Context, userID uint64) ([]types.ApprovalTask, error)

	// Commit applies a Change atomically.
	Commit(ctx context.Context, change Change) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func isActive(inst types.WorkflowInstance) bool {
	return !inst.Status.Terminal()
}

func sortDefinitions(defs []types.WorkflowDefinition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
}

func sortInstances(insts []types.WorkflowInstance) {
	sort.Slice(insts, func(i, j int) bool { return insts[i].ID < insts[j].ID })
}
