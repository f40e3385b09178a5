// Package metrics exposes pulse and batch instrumentation through Prometheus
// collectors and OpenTelemetry instruments.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var Pulses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "cluster",
	Name:      "pulses",
}, []string{"agent_type", "outcome"})

var AgentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "cluster",
	Name:      "agent_state",
}, []string{"agent", "state"})

var Events = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "outbox",
	Name:      "events",
}, []string{"agent", "result"})

var BatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "searchsync",
	Subsystem: "outbox",
	Name:      "batch_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
}, []string{"agent"})

// Collectors returns every Prometheus collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Pulses, AgentState, Events, BatchDuration}
}

// Register adds the collectors to reg. Collectors already registered are
// accepted so that several agents in one process can share them.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// SetAgentState records state as the only current state of agent.
func SetAgentState(agent string, state string, states ...string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		AgentState.WithLabelValues(agent, s).Set(v)
	}
}

// Tracer is the tracer for pulse and batch spans.
var Tracer trace.Tracer = otel.Tracer("searchsync")

var meter = otel.Meter("searchsync")

// BatchMetrics records batch outcomes as OpenTelemetry instruments.
type BatchMetrics struct {
	batches  metric.Int64Counter
	events   metric.Int64Counter
	duration metric.Float64Histogram
}

func NewBatchMetrics() (*BatchMetrics, error) {
	batches, err := meter.Int64Counter(
		"searchsync.batches",
		metric.WithDescription("Number of processed event batches"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter(
		"searchsync.events",
		metric.WithDescription("Number of events by disposition"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"searchsync.batch.duration",
		metric.WithDescription("Duration of batch processing in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &BatchMetrics{batches: batches, events: events, duration: duration}, nil
}

// RecordBatch records one processed batch for agent in both backends.
func (m *BatchMetrics) RecordBatch(ctx context.Context, agent string, elapsed time.Duration, deleted, requeued, aborted int) {
	BatchDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
	for result, n := range map[string]int{"deleted": deleted, "requeued": requeued, "aborted": aborted} {
		if n > 0 {
			Events.WithLabelValues(agent, result).Add(float64(n))
		}
	}

	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent.name", agent))
	m.batches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	m.events.Add(ctx, int64(deleted), metric.WithAttributes(attribute.String("agent.name", agent), attribute.String("result", "deleted")))
	m.events.Add(ctx, int64(requeued), metric.WithAttributes(attribute.String("agent.name", agent), attribute.String("result", "requeued")))
	m.events.Add(ctx, int64(aborted), metric.WithAttributes(attribute.String("agent.name", agent), attribute.String("result", "aborted")))
}
