package types

import (
	"errors"
	"fmt"
	"time"
)

// NodeType identifies the behaviour of a level.
type NodeType string

const (
	NodeTypeExecutor NodeType = "EXECUTOR"
	NodeTypeApprover NodeType = "APPROVER"
	NodeTypeRule     NodeType = "RULE"
)

// AssignmentType tells the resolver how to interpret the node's assignee id.
type AssignmentType string

const (
	AssignUser    AssignmentType = "USER"
	AssignProfile AssignmentType = "PROFILE"
	AssignRole    AssignmentType = "ROLE"
)

// InstanceStatus is the lifecycle state of a WorkflowInstance.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "PENDING"
	InstanceInProgress InstanceStatus = "IN_PROGRESS"
	InstanceApproved   InstanceStatus = "APPROVED"
	InstanceRejected   InstanceStatus = "REJECTED"
	InstanceCompleted  InstanceStatus = "COMPLETED"
)

// Terminal reports whether no further transition is possible.
func (s InstanceStatus) Terminal() bool {
	return s != InstancePending && s != InstanceInProgress
}

// TaskStatus is the state of a single ApprovalTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskApproved  TaskStatus = "APPROVED"
	TaskRejected  TaskStatus = "REJECTED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Decision is what an assignee records on a task.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelApp   Channel = "APP"
)

// DefaultTimeLimitHours applies when a node leaves its time limit unset.
const DefaultTimeLimitHours = 48

var (
	ErrInvalidNode    = errors.New("invalid node")
	ErrNoAssignment   = errors.New("assignment id is required")
	ErrRuleExpression = errors.New("rule expression is required")
)

// Assignment is the (type, id) pair an assignee-bearing node resolves from.
type Assignment struct {
	Type AssignmentType `json:"assignment_type" yaml:"assignmentType"`
	ID   uint64         `json:"assignment_id" yaml:"assignmentId"`
}

func (a Assignment) String() string {
	return fmt.Sprintf("%s:%d", a.Type, a.ID)
}

// Node is one level of a definition. EXECUTOR and APPROVER nodes carry an
// Assignment and no rule; RULE nodes carry only RuleExpression. Use the
// constructors, or call Validate on decoded values.
type Node struct {
	Sequence       int         `json:"sequence" yaml:"sequence"`
	Type           NodeType    `json:"node_type" yaml:"nodeType"`
	Name           string      `json:"name,omitempty" yaml:"name,omitempty"`
	Assignment     *Assignment `json:"assignment,omitempty" yaml:"assignment,omitempty"`
	TimeLimitHours int         `json:"time_limit_hours,omitempty" yaml:"timeLimitHours,omitempty"`
	NotifyEmail    bool        `json:"notify_email" yaml:"notifyEmail"`
	NotifySMS      bool        `json:"notify_sms" yaml:"notifySms"`
	NotifyApp      bool        `json:"notify_app" yaml:"notifyApp"`
	RuleExpression string      `json:"rule_expression,omitempty" yaml:"ruleExpression,omitempty"`
}

// NewExecutor builds an EXECUTOR node.
func NewExecutor(sequence int, assignment Assignment, timeLimitHours int) (Node, error) {
	return newAssigneeNode(NodeTypeExecutor, sequence, assignment, timeLimitHours)
}

// NewApprover builds an APPROVER node.
func NewApprover(sequence int, assignment Assignment, timeLimitHours int) (Node, error) {
	return newAssigneeNode(NodeTypeApprover, sequence, assignment, timeLimitHours)
}

func newAssigneeNode(t NodeType, sequence int, assignment Assignment, timeLimitHours int) (Node, error) {
	n := Node{
		Sequence:       sequence,
		Type:           t,
		Assignment:     &assignment,
		TimeLimitHours: timeLimitHours,
		NotifyEmail:    true,
	}
	if n.TimeLimitHours == 0 {
		n.TimeLimitHours = DefaultTimeLimitHours
	}
	return n, n.Validate()
}

// NewRule builds a RULE node guarding the node that follows it.
func NewRule(sequence int, expression string) (Node, error) {
	n := Node{Sequence: sequence, Type: NodeTypeRule, RuleExpression: expression}
	return n, n.Validate()
}

// Validate rejects field combinations that do not belong to the node's variant.
func (n Node) Validate() error {
	if n.Sequence < 0 {
		return fmt.Errorf("%w: negative sequence %d", ErrInvalidNode, n.Sequence)
	}
	if n.TimeLimitHours < 0 {
		return fmt.Errorf("%w: level %d: time limit must be positive", ErrInvalidNode, n.Sequence)
	}
	switch n.Type {
	case NodeTypeExecutor, NodeTypeApprover:
		if n.RuleExpression != "" {
			return fmt.Errorf("%w: level %d: %s node cannot carry a rule expression", ErrInvalidNode, n.Sequence, n.Type)
		}
		if n.Assignment == nil || n.Assignment.ID == 0 {
			return fmt.Errorf("%w: level %d", ErrNoAssignment, n.Sequence)
		}
		switch n.Assignment.Type {
		case AssignUser, AssignProfile, AssignRole:
		default:
			return fmt.Errorf("%w: level %d: unknown assignment type %q", ErrInvalidNode, n.Sequence, n.Assignment.Type)
		}
	case NodeTypeRule:
		if n.Assignment != nil {
			return fmt.Errorf("%w: level %d: RULE node cannot carry an assignment", ErrInvalidNode, n.Sequence)
		}
		if n.RuleExpression == "" {
			return fmt.Errorf("%w: level %d", ErrRuleExpression, n.Sequence)
		}
	default:
		return fmt.Errorf("%w: level %d: unknown node type %q", ErrInvalidNode, n.Sequence, n.Type)
	}
	return nil
}

// TimeLimit returns the node's time limit, falling back to def when unset.
func (n Node) TimeLimit(def time.Duration) time.Duration {
	if n.TimeLimitHours > 0 {
		return time.Duration(n.TimeLimitHours) * time.Hour
	}
	return def
}

// Channels lists the notification channels enabled on the node.
func (n Node) Channels() []Channel {
	var ch []Channel
	if n.NotifyEmail {
		ch = append(ch, ChannelEmail)
	}
	if n.NotifySMS {
		ch = append(ch, ChannelSMS)
	}
	if n.NotifyApp {
		ch = append(ch, ChannelApp)
	}
	return ch
}

// WorkflowDefinition is an ordered sequence of nodes, one per level.
type WorkflowDefinition struct {
	ID            uint64 `json:"id" yaml:"id"`
	CompanyID     uint64 `json:"company_id" yaml:"companyId"`
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	OperationType string `json:"operation_type,omitempty" yaml:"operationType,omitempty"`
	Active        bool   `json:"active" yaml:"active"`
	Nodes         []Node `json:"nodes" yaml:"nodes"`
	CreatedAt     int64  `json:"created_at" yaml:"-"`
	UpdatedAt     int64  `json:"updated_at" yaml:"-"`
}

// Node returns the node at the given level.
func (d WorkflowDefinition) Node(level int) (Node, bool) {
	if level < 0 || level >= len(d.Nodes) {
		return Node{}, false
	}
	return d.Nodes[level], true
}

// RequestPayload is what the initiator submits when opening a request.
type RequestPayload struct {
	RequestType string                 `json:"request_type"`
	Description string                 `json:"description,omitempty"`
	Amount      float64                `json:"amount"`
	Data        map[string]interface{} `json:"request_data,omitempty"`
}

// LevelOutcome records what happened when a level was entered.
type LevelOutcome string

const (
	LevelMaterialized LevelOutcome = "materialized"
	LevelEmpty        LevelOutcome = "empty"
	LevelSkipped      LevelOutcome = "skipped"
	LevelRulePassed   LevelOutcome = "rule_passed"
	LevelRuleFailed   LevelOutcome = "rule_failed"
	LevelSatisfied    LevelOutcome = "satisfied"
	LevelRejected     LevelOutcome = "rejected"
)

// LevelRecord is one entry in an instance's level history.
type LevelRecord struct {
	Level   int          `json:"level"`
	Outcome LevelOutcome `json:"outcome"`
	Tasks   int          `json:"tasks,omitempty"`
	At      int64        `json:"at"`
}

// WorkflowInstance is one running (or finished) execution of a definition.
type WorkflowInstance struct {
	ID           uint64         `json:"id"`
	DefinitionID uint64         `json:"workflow_definition_id"`
	CompanyID    uint64         `json:"company_id"`
	WorkflowName string         `json:"workflow_name"`
	InitiatorID  uint64         `json:"initiated_by_id"`
	Status       InstanceStatus `json:"status"`
	CurrentLevel int            `json:"current_level"`
	Request      RequestPayload `json:"request"`
	History      []LevelRecord  `json:"history,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
	CompletedAt  int64          `json:"completed_at,omitempty"`
}

// ApprovalTask is one assignee's work item at one level of an instance.
type ApprovalTask struct {
	ID           uint64     `json:"id"`
	InstanceID   uint64     `json:"workflow_instance_id"`
	AssigneeID   uint64     `json:"assignee_id"`
	Sequence     int        `json:"sequence"`
	NodeType     NodeType   `json:"node_type"`
	Status       TaskStatus `json:"status"`
	Comments     string     `json:"comments,omitempty"`
	Channels     []Channel  `json:"channels,omitempty"`
	DueDate      int64      `json:"due_date"`
	IsUrgent     bool       `json:"is_urgent"`
	WorkflowName string     `json:"workflow_name"`
	RequestType  string     `json:"request_type"`
	Description  string     `json:"description,omitempty"`
	Amount       float64    `json:"amount"`
	InitiatorID  uint64     `json:"initiated_by_id"`
	CreatedAt    int64      `json:"created_at"`
	DecidedAt    int64      `json:"decided_at,omitempty"`
}

// Due returns the task deadline as a time.
func (t ApprovalTask) Due() time.Time {
	return time.UnixMilli(t.DueDate)
}
