package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// RegisterDefinition validates and persists a definition. A zero ID is
// assigned from the generator. A definition already referenced by a running
// instance cannot be replaced.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowDefinition{}, ctx.Err()
	default:
	}

	if err := e.validateDefinition(ctx, def); err != nil {
		return types.WorkflowDefinition{}, err
	}

	now := e.now()
	def.CreatedAt, def.UpdatedAt = now, now
	if def.ID == 0 {
		id, err := e.GenerateID()
		if err != nil {
			return types.WorkflowDefinition{}, fmt.Errorf("failed to generate ID: %w", err)
		}
		def.ID = id
	} else {
		existing, err := e.storage.GetDefinition(ctx, def.ID)
		switch {
		case err == nil:
			inUse, err := e.storage.HasActiveInstances(ctx, def.ID)
			if err != nil {
				return types.WorkflowDefinition{}, err
			}
			if inUse {
				return types.WorkflowDefinition{}, fmt.Errorf("%w: id=%d", ErrDefinitionInUse, def.ID)
			}
			def.CreatedAt = existing.CreatedAt
		case !errors.Is(err, storage.ErrDefinitionNotFound):
			return types.WorkflowDefinition{}, err
		}
	}

	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to save definition: %w", err)
	}
	e.logger.InfoContext(ctx, "definition registered", "definition", def.ID, "name", def.Name, "levels", len(def.Nodes))
	return def, nil
}

// validateDefinition rejects a definition that could not run as authored.
func (e *Engine) validateDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return invalid("name", "is required")
	}
	if def.CompanyID == 0 {
		return invalid("companyId", "is required")
	}
	if len(def.Nodes) == 0 {
		return invalid("nodes", "at least one node is required")
	}

	env := e.ruleEnv()
	validator, canValidate := e.evaluator.(rules.Validator)
	for i, node := range def.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if node.Sequence != i {
			return invalid(field, "sequence %d out of order, want %d", node.Sequence, i)
		}
		if err := node.Validate(); err != nil {
			return &ValidationError{Field: field, Reason: err.Error(), Err: err}
		}

		if node.Type == types.NodeTypeRule {
			if i == len(def.Nodes)-1 {
				return invalid(field, "RULE node must guard a following node")
			}
			if canValidate {
				if err := validator.Validate(node.RuleExpression, env); err != nil {
					return &ValidationError{Field: field + ".ruleExpression", Reason: err.Error(), Err: err}
				}
			}
			continue
		}

		users, err := e.resolveAssignees(ctx, def.CompanyID, node)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return invalid(field+".assignment", "%s resolves to no active users", node.Assignment)
		}
	}
	return nil
}

// ruleEnv is the binding shape rules are type-checked against.
func (e *Engine) ruleEnv() map[string]interface{} {
	env := make(map[string]interface{}, len(e.ruleFields)+3)
	for k, v := range e.ruleFields {
		env[k] = v
	}
	for k, v := range rules.Binding(types.RequestPayload{}) {
		env[k] = v
	}
	return env
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return e.storage.GetDefinition(ctx, id)
}

// ListDefinitions lists a company's definitions.
func (e *Engine) ListDefinitions(ctx context.Context, companyID uint64) ([]types.WorkflowDefinition, error) {
	return e.storage.ListDefinitions(ctx, companyID)
}
