// Package metrics exposes engine activity as Prometheus counters fed from
// the event bus.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songzhibin97/approval-engine/events"
)

// Collector counts lifecycle events. Subscribe it to events.All.
type Collector struct {
	Events         *prometheus.CounterVec
	Decisions      *prometheus.CounterVec
	StateChanges   *prometheus.CounterVec
	TasksCancelled prometheus.Counter
}

// NewCollector creates the counters and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_events_total",
			Help: "Total number of engine lifecycle events",
		}, []string{"type"}),

		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_decisions_total",
			Help: "Total number of task decisions",
		}, []string{"decision"}),

		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_instance_state_changes_total",
			Help: "Total number of instance state transitions",
		}, []string{"from", "to"}),

		TasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "approval_tasks_cancelled_total",
			Help: "Total number of tasks cancelled by a rejection",
		}),
	}
	for _, col := range []prometheus.Collector{c.Events, c.Decisions, c.StateChanges, c.TasksCancelled} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Handle implements events.EventHandler.
func (c *Collector) Handle(_ context.Context, ev events.Event) error {
	c.Events.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case events.TaskDecided:
		c.Decisions.WithLabelValues(label(ev.Data, "decision")).Inc()
	case events.StateChanged:
		c.StateChanges.WithLabelValues(label(ev.Data, "from"), label(ev.Data, "status")).Inc()
	case events.TasksCancelled:
		if ids, ok := ev.Data["tasks"].([]uint64); ok {
			c.TasksCancelled.Add(float64(len(ids)))
		}
	}
	return nil
}

func label(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}
