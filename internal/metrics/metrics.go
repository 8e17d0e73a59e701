// Package metrics wires loom's runtime signals into Prometheus
// collectors fed from EventBus traffic.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"loom/internal/domain"
	"loom/internal/eventbus"
)

// Metrics holds the Prometheus collectors loom exposes at /metrics.
type Metrics struct {
	runningAgents   prometheus.Gauge
	queueDepth      prometheus.Gauge
	toolCallsTotal  *prometheus.CounterVec
	waitingDuration prometheus.Histogram
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runningAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_running_agents",
			Help: "Number of AgentRuntimes currently admitted and running.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_queue_depth",
			Help: "Number of start requests currently FIFO-queued.",
		}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_calls_total",
			Help: "Completed tool invocations across all agents, by tool name. The status label is always \"completed\"; failed tool results are counted there too.",
		}, []string{"tool", "status"}),
		waitingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_waiting_duration_seconds",
			Help:    "Time a runtime spends in WAITING_FOR_INPUT before the reply is sent.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Attach subscribes m to bus so every collector updates itself from
// EventBus traffic without any component needing to call into m
// directly.
func (m *Metrics) Attach(bus *eventbus.Bus) {
	var mu sync.Mutex
	waitingSince := make(map[string]time.Time)

	bus.Subscribe(func(ev domain.Event) {
		switch ev.Kind {
		case domain.EventQueueChange:
			if payload, ok := ev.Payload.(domain.QueueChangePayload); ok {
				m.runningAgents.Set(float64(payload.RunningCount))
				m.queueDepth.Set(float64(payload.QueuedCount))
			}
		case domain.EventToolUseCompleted:
			if payload, ok := ev.Payload.(domain.ToolEventPayload); ok {
				m.toolCallsTotal.WithLabelValues(payload.Name, "completed").Inc()
			}
		case domain.EventAgentWaiting:
			payload, ok := ev.Payload.(domain.AgentWaitingPayload)
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if payload.IsWaiting {
				waitingSince[ev.ProjectID] = time.Now()
				return
			}
			if start, ok := waitingSince[ev.ProjectID]; ok {
				m.waitingDuration.Observe(time.Since(start).Seconds())
				delete(waitingSince, ev.ProjectID)
			}
		}
	})
}
