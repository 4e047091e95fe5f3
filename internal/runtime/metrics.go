package runtime

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics records pipeline counters. A nil *Metrics is valid and records nothing,
// so components can take the hooks unconditionally.
type Metrics struct {
	tasks        otelmetric.Int64Counter
	taskDuration otelmetric.Float64Histogram
	hubDropped   otelmetric.Int64Counter
	identified   otelmetric.Int64Counter
	llmAttempts  otelmetric.Int64Counter
	degraded     otelmetric.Int64UpDownCounter
}

// NewMetrics registers the instruments on meter. Instruments that fail to
// register are logged and skipped.
func NewMetrics(meter otelmetric.Meter) *Metrics {
	m := &Metrics{}
	var err error
	m.tasks, err = meter.Int64Counter(
		"opentask_tasks_finished_total",
		otelmetric.WithDescription("Tasks that reached a terminal status"),
	)
	if err != nil {
		log.Printf("runtime metrics init: opentask_tasks_finished_total: %v", err)
	}
	m.taskDuration, err = meter.Float64Histogram(
		"opentask_task_duration_seconds",
		otelmetric.WithDescription("Wall time from task start to terminal status"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("runtime metrics init: opentask_task_duration_seconds: %v", err)
	}
	m.hubDropped, err = meter.Int64Counter(
		"opentask_hub_dropped_total",
		otelmetric.WithDescription("Messages a slow viewer missed because they left the backlog"),
	)
	if err != nil {
		log.Printf("runtime metrics init: opentask_hub_dropped_total: %v", err)
	}
	m.identified, err = meter.Int64Counter(
		"opentask_identified_files_total",
		otelmetric.WithDescription("Files identified per extraction source"),
	)
	if err != nil {
		log.Printf("runtime metrics init: opentask_identified_files_total: %v", err)
	}
	m.llmAttempts, err = meter.Int64Counter(
		"opentask_llm_attempts_total",
		otelmetric.WithDescription("Language service calls by operation and outcome"),
	)
	if err != nil {
		log.Printf("runtime metrics init: opentask_llm_attempts_total: %v", err)
	}
	m.degraded, err = meter.Int64UpDownCounter(
		"opentask_store_degraded",
		otelmetric.WithDescription("1 while the task store runs on the in-memory fallback"),
	)
	if err != nil {
		log.Printf("runtime metrics init: opentask_store_degraded: %v", err)
	}
	return m
}

func (m *Metrics) TaskFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("status", status))
	if m.tasks != nil {
		m.tasks.Add(context.Background(), 1, attrs)
	}
	if m.taskDuration != nil {
		m.taskDuration.Record(context.Background(), elapsed.Seconds(), attrs)
	}
}

// HubDropped matches the hub drop hook.
func (m *Metrics) HubDropped(_ string, n int) {
	if m == nil || m.hubDropped == nil || n <= 0 {
		return
	}
	m.hubDropped.Add(context.Background(), int64(n))
}

// FilesIdentified matches the identification engine's per-source hook.
func (m *Metrics) FilesIdentified(source string, n int) {
	if m == nil || m.identified == nil || n <= 0 {
		return
	}
	m.identified.Add(context.Background(), int64(n), otelmetric.WithAttributes(attribute.String("source", source)))
}

// LLMAttempt matches the summarizer's attempt hook.
func (m *Metrics) LLMAttempt(op, outcome string) {
	if m == nil || m.llmAttempts == nil {
		return
	}
	m.llmAttempts.Add(context.Background(), 1, otelmetric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// StoreDegraded matches the store degrade hook.
func (m *Metrics) StoreDegraded(error) {
	if m == nil || m.degraded == nil {
		return
	}
	m.degraded.Add(context.Background(), 1)
}
