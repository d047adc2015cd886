package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/notify"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	DefaultUrgencyThreshold = 4 * time.Hour
	DefaultTimeLimit        = types.DefaultTimeLimitHours * time.Hour

	notifyTimeout = 10 * time.Second
)

// Engine orchestrates approval instances: it materializes levels, records
// decisions, runs the level gate and moves instances through their states.
// Every change to one instance is serialized and committed as a single unit.
// A RULE node guards the node right after it: when the rule is false or
// cannot be evaluated, both are skipped and the instance moves on to the
// node after the guarded one.
type Engine struct {
	generate         generator.Generator
	storage          storage.Storage
	directory        directory.Directory
	evaluator        rules.Evaluator
	notifier         notify.Dispatcher
	eventBus         *events.EventBus
	clock            Clock
	logger           *slog.Logger
	locks            *instanceLocks
	urgencyThreshold time.Duration
	defaultTimeLimit time.Duration
	ruleFields       map[string]interface{}
	notifying        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator replaces the expr-based rule evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithNotifier sets the dispatcher told about every new task.
func WithNotifier(n notify.Dispatcher) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithEventBus publishes lifecycle events on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithUrgencyThreshold sets how close to its due date a task becomes urgent.
func WithUrgencyThreshold(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.urgencyThreshold = d
		}
	}
}

// WithDefaultTimeLimit applies to nodes that leave their time limit unset.
func WithDefaultTimeLimit(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeLimit = d
		}
	}
}

// WithRuleFields declares request data keys rule expressions may reference,
// mapped to a sample value of their type. Used when validating definitions.
func WithRuleFields(fields map[string]interface{}) Option {
	return func(e *Engine) {
		for k, v := range fields {
			e.ruleFields[k] = v
		}
	}
}

// NewEngine creates an Engine. A nil store falls back to memory storage.
func NewEngine(generate generator.Generator, store storage.Storage, dir directory.Directory, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		generate:         generate,
		storage:          store,
		directory:        dir,
		evaluator:        rules.NewExprEvaluator(),
		notifier:         notify.Nop,
		clock:            NewRealClock(),
		logger:           slog.Default(),
		locks:            newInstanceLocks(),
		urgencyThreshold: DefaultUrgencyThreshold,
		defaultTimeLimit: DefaultTimeLimit,
		ruleFields:       make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

func (e *Engine) now() int64 {
	return e.clock.Now().UnixMilli()
}

// transition accumulates one atomic change to an instance together with the
// side effects to run once it is committed.
type transition struct {
	inst          types.WorkflowInstance
	from          types.InstanceStatus
	create        bool
	newTasks      []types.ApprovalTask
	updatedTasks  []types.ApprovalTask
	events        []events.Event
	notifications []notify.Notification
}

func newTransition(inst types.WorkflowInstance) *transition {
	return &transition{inst: inst, from: inst.Status}
}

func (tr *transition) record(level int, outcome types.LevelOutcome, tasks int, at int64) {
	tr.inst.History = append(tr.inst.History, types.LevelRecord{Level: level, Outcome: outcome, Tasks: tasks, At: at})
}

func (tr *transition) emit(eventType string, data map[string]interface{}) {
	tr.events = append(tr.events, events.Event{Type: eventType, InstanceID: tr.inst.ID, Data: data})
}

// commit writes the transition and then runs its side effects. The stored
// version must not have moved since the instance was read.
func (e *Engine) commit(ctx context.Context, tr *transition) (types.WorkflowInstance, error) {
	expected := tr.inst.Version
	tr.inst.Version++
	tr.inst.UpdatedAt = e.now()
	if tr.inst.Status != tr.from {
		tr.emit(events.StateChanged, map[string]interface{}{
			"from":          string(tr.from),
			"status":        string(tr.inst.Status),
			"current_level": tr.inst.CurrentLevel,
		})
	}

	err := e.storage.Commit(ctx, storage.Change{
		Instance:        tr.inst,
		Create:          tr.create,
		ExpectedVersion: expected,
		NewTasks:        tr.newTasks,
		UpdatedTasks:    tr.updatedTasks,
	})
	if errors.Is(err, storage.ErrVersionConflict) {
		return types.WorkflowInstance{}, conflict("instance %d changed concurrently", tr.inst.ID)
	}
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to commit instance %d: %w", tr.inst.ID, err)
	}

	for _, ev := range tr.events {
		e.publishEvent(ctx, ev)
	}
	if len(tr.notifications) > 0 {
		e.notifying.Add(1)
		go func(ns []notify.Notification) {
			defer e.notifying.Done()
			e.dispatch(context.WithoutCancel(ctx), ns)
		}(tr.notifications)
	}
	return tr.inst, nil
}

// publishEvent publishes an event asynchronously to the event bus.
// Publishing never fails a transition.
func (e *Engine) publishEvent(ctx context.Context, ev events.Event) {
	if !e.eventBus.HasSubscribers(ev.Type) {
		return
	}
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.WarnContext(ctx, "event dropped", "type", ev.Type, "instance", ev.InstanceID, "error", err)
	}
}

// dispatch hands owed notifications to the notifier. Failures are logged.
func (e *Engine) dispatch(ctx context.Context, ns []notify.Notification) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notification dispatcher panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	for _, n := range ns {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		if err := e.notifier.Notify(nctx, n); err != nil {
			e.logger.Warn("notification failed", "user", n.UserID, "task", n.TaskID, "instance", n.InstanceID, "error", err)
		}
		cancel()
	}
}

// Stop waits for in-flight notifications, then drains queued events.
// It returns ctx's error if ctx ends first; the drain keeps running.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	done := make(chan struct{})
	go func() {
		e.notifying.Wait()
		e.eventBus.Stop()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
