// Package notify defines the fire-and-forget contract the engine uses to
// signal that an assignee is owed a notification. Delivery is someone else's job.
package notify

import (
	"context"
	"log/slog"

	"github.com/songzhibin97/approval-engine/types"
)

// Notification is one owed notification.
type Notification struct {
	UserID     uint64
	TaskID     uint64
	InstanceID uint64
	Channels   []types.Channel
}

// Dispatcher accepts owed notifications.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n Notification) error

// Notify implements Dispatcher.
func (f DispatcherFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogDispatcher records notifications on a logger and never fails.
type LogDispatcher struct {
	Logger *slog.Logger
}

// Notify implements Dispatcher.
func (d LogDispatcher) Notify(ctx context.Context, n Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification owed",
		"user", n.UserID, "task", n.TaskID, "instance", n.InstanceID, "channels", n.Channels)
	return nil
}

// Nop discards notifications.
var Nop Dispatcher = DispatcherFunc(func(context.Context, Notification) error { return nil })
