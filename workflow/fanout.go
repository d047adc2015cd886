package workflow

import (
	"context"
	"fmt"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/notify"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
)

// enterLevel moves the instance forward from level until a level produces
// tasks or the definition runs out. RULE levels guard the level after them:
// a true rule passes through, a false or failing rule skips both. Levels whose
// assignment resolves to nobody are passed with a warning.
func (e *Engine) enterLevel(ctx context.Context, def types.WorkflowDefinition, tr *transition, level int) error {
	now := e.now()
	for level < len(def.Nodes) {
		node := def.Nodes[level]
		tr.inst.CurrentLevel = level

		if node.Type == types.NodeTypeRule {
			if e.evaluateRule(ctx, tr, node) {
				tr.record(level, types.LevelRulePassed, 0, now)
				level++
				continue
			}
			tr.record(level, types.LevelRuleFailed, 0, now)
			if guarded := level + 1; guarded < len(def.Nodes) {
				tr.record(guarded, types.LevelSkipped, 0, now)
				tr.emit(events.LevelSkipped, map[string]interface{}{"level": guarded, "rule_level": level})
			}
			level += 2
			continue
		}

		tasks, err := e.materializeLevel(ctx, def, tr, node)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			e.logger.WarnContext(ctx, "assignment resolved to no active users; level passed",
				"instance", tr.inst.ID, "level", level, "assignment", node.Assignment)
			tr.record(level, types.LevelEmpty, 0, now)
			level++
			continue
		}
		tr.record(level, types.LevelMaterialized, len(tasks), now)
		tr.inst.Status = types.InstanceInProgress
		return nil
	}

	tr.inst.CurrentLevel = len(def.Nodes) - 1
	tr.inst.Status = types.InstanceCompleted
	tr.inst.CompletedAt = now
	return nil
}

// evaluateRule runs the node's expression against the request. Any failure
// is logged and reported as false.
func (e *Engine) evaluateRule(ctx context.Context, tr *transition, node types.Node) bool {
	ok, err := e.evaluator.Evaluate(node.RuleExpression, rules.Binding(tr.inst.Request))
	if err != nil {
		e.logger.ErrorContext(ctx, "rule evaluation failed; treating as false",
			"instance", tr.inst.ID, "level", node.Sequence, "expression", node.RuleExpression, "error", err)
		tr.emit(events.RuleFailed, map[string]interface{}{
			"level":      node.Sequence,
			"expression": node.RuleExpression,
			"error":      err.Error(),
		})
		return false
	}
	return ok
}

// materializeLevel creates one PENDING task per resolved assignee. The tasks
// are only staged on the transition; they become visible together on commit.
func (e *Engine) materializeLevel(ctx context.Context, def types.WorkflowDefinition, tr *transition, node types.Node) ([]types.ApprovalTask, error) {
	assignees, err := e.resolveAssignees(ctx, tr.inst.CompanyID, node)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	due := dueDate(now, node, e.defaultTimeLimit)
	channels := node.Channels()
	tasks := make([]types.ApprovalTask, 0, len(assignees))
	for _, userID := range assignees {
		id, err := e.GenerateID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate task ID: %w", err)
		}
		tasks = append(tasks, types.ApprovalTask{
			ID:           id,
			InstanceID:   tr.inst.ID,
			AssigneeID:   userID,
			Sequence:     node.Sequence,
			NodeType:     node.Type,
			Status:       types.TaskPending,
			Channels:     channels,
			DueDate:      due.UnixMilli(),
			WorkflowName: def.Name,
			RequestType:  tr.inst.Request.RequestType,
			Description:  tr.inst.Request.Description,
			Amount:       tr.inst.Request.Amount,
			InitiatorID:  tr.inst.InitiatorID,
			CreatedAt:    now.UnixMilli(),
		})
	}

	for _, t := range tasks {
		tr.emit(events.TaskAssigned, map[string]interface{}{
			"task":     t.ID,
			"assignee": t.AssigneeID,
			"level":    t.Sequence,
		})
		tr.notifications = append(tr.notifications, notify.Notification{
			UserID:     t.AssigneeID,
			TaskID:     t.ID,
			InstanceID: t.InstanceID,
			Channels:   t.Channels,
		})
	}
	tr.newTasks = append(tr.newTasks, tasks...)
	return tasks, nil
}
