package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSystemMode            = "tradeguard_system_mode"
	MetricModeTransitionsTotal  = "tradeguard_mode_transitions_total"
	MetricCircuitBreakerOpen    = "tradeguard_circuit_breaker_open"
	MetricComponentStatus       = "tradeguard_component_status"
	MetricBusPublishedTotal     = "tradeguard_bus_published_total"
	MetricBusDroppedTotal       = "tradeguard_bus_dropped_total"
	MetricOutboxProcessedTotal  = "tradeguard_outbox_processed_total"
	MetricOutboxRetriedTotal    = "tradeguard_outbox_retried_total"
	MetricOutboxFailedTotal     = "tradeguard_outbox_failed_total"
	MetricOutboxDispatchLatency = "tradeguard_outbox_dispatch_latency_ms"
	MetricBufferEntries         = "tradeguard_db_buffer_entries"
	MetricBufferBytes           = "tradeguard_db_buffer_bytes"
	MetricBufferDroppedTotal    = "tradeguard_db_buffer_dropped_total"
	MetricDiscrepanciesTotal    = "tradeguard_discrepancies_total"
	MetricReconcileRunsTotal    = "tradeguard_reconcile_runs_total"
)

// MetricsHolder holds initialized instruments. Helpers are safe to call before InitMetrics.
type MetricsHolder struct {
	ModeTransitionsTotal  metric.Int64Counter
	BusPublishedTotal     metric.Int64Counter
	BusDroppedTotal       metric.Int64Counter
	OutboxProcessedTotal  metric.Int64Counter
	OutboxRetriedTotal    metric.Int64Counter
	OutboxFailedTotal     metric.Int64Counter
	OutboxDispatchLatency metric.Float64Histogram
	BufferDroppedTotal    metric.Int64Counter
	DiscrepanciesTotal    metric.Int64Counter
	ReconcileRunsTotal    metric.Int64Counter

	SystemMode         metric.Int64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	ComponentStatus    metric.Int64ObservableGauge
	BufferEntries      metric.Int64ObservableGauge
	BufferBytes        metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	systemMode      int64
	cbOpenMap       map[string]int64
	componentMap    map[string]int64
	bufferEntries   int64
	bufferBytes     int64
	instrumentsInit bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			cbOpenMap:    make(map[string]int64),
			componentMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ModeTransitionsTotal, err = meter.Int64Counter(MetricModeTransitionsTotal, metric.WithDescription("System mode transitions")); err != nil {
		return err
	}
	if m.BusPublishedTotal, err = meter.Int64Counter(MetricBusPublishedTotal, metric.WithDescription("Events accepted by the event bus")); err != nil {
		return err
	}
	if m.BusDroppedTotal, err = meter.Int64Counter(MetricBusDroppedTotal, metric.WithDescription("Events dropped by the event bus")); err != nil {
		return err
	}
	if m.OutboxProcessedTotal, err = meter.Int64Counter(MetricOutboxProcessedTotal, metric.WithDescription("Outbox events completed")); err != nil {
		return err
	}
	if m.OutboxRetriedTotal, err = meter.Int64Counter(MetricOutboxRetriedTotal, metric.WithDescription("Outbox events returned to pending for retry")); err != nil {
		return err
	}
	if m.OutboxFailedTotal, err = meter.Int64Counter(MetricOutboxFailedTotal, metric.WithDescription("Outbox events failed permanently")); err != nil {
		return err
	}
	if m.OutboxDispatchLatency, err = meter.Float64Histogram(MetricOutboxDispatchLatency, metric.WithDescription("Latency of outbox handler calls"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.BufferDroppedTotal, err = meter.Int64Counter(MetricBufferDroppedTotal, metric.WithDescription("DB buffer entries evicted, expired or rejected")); err != nil {
		return err
	}
	if m.DiscrepanciesTotal, err = meter.Int64Counter(MetricDiscrepanciesTotal, metric.WithDescription("Reconciliation discrepancies found")); err != nil {
		return err
	}
	if m.ReconcileRunsTotal, err = meter.Int64Counter(MetricReconcileRunsTotal, metric.WithDescription("Reconciliation runs")); err != nil {
		return err
	}

	// Observables
	m.SystemMode, err = meter.Int64ObservableGauge(MetricSystemMode, metric.WithDescription("Current system mode (0=NORMAL, 1=DEGRADED, 2=SAFE, 3=HALT)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.systemMode)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("component", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ComponentStatus, err = meter.Int64ObservableGauge(MetricComponentStatus, metric.WithDescription("Component status (0=HEALTHY, 1=DEGRADED, 2=DOWN, 3=UNKNOWN)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.componentMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("component", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.BufferEntries, err = meter.Int64ObservableGauge(MetricBufferEntries, metric.WithDescription("Entries held in the DB write buffer"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.bufferEntries)
			return nil
		}))
	if err != nil {
		return err
	}

	m.BufferBytes, err = meter.Int64ObservableGauge(MetricBufferBytes, metric.WithDescription("Bytes held in the DB write buffer"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.bufferBytes)
			return nil
		}))
	if err != nil {
		return err
	}

	m.instrumentsInit = true
	return nil
}

// Helpers to update instrument state

func (m *MetricsHolder) addCounter(c func() metric.Int64Counter, delta int64, attrs ...attribute.KeyValue) {
	m.mu.RLock()
	if !m.instrumentsInit {
		m.mu.RUnlock()
		return
	}
	counter := c()
	m.mu.RUnlock()
	counter.Add(context.Background(), delta, metric.WithAttributes(attrs...))
}

// SetSystemMode records the current mode ordinal
func (m *MetricsHolder) SetSystemMode(mode int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemMode = mode
}

// RecordModeTransition counts a transition between two modes
func (m *MetricsHolder) RecordModeTransition(from, to string) {
	m.addCounter(func() metric.Int64Counter { return m.ModeTransitionsTotal }, 1,
		attribute.String("from", from), attribute.String("to", to))
}

func (m *MetricsHolder) SetCircuitBreakerOpen(component string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[component] = val
}

func (m *MetricsHolder) SetComponentStatus(component string, status int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.componentMap[component] = status
}

func (m *MetricsHolder) RecordBusPublished(eventType string) {
	m.addCounter(func() metric.Int64Counter { return m.BusPublishedTotal }, 1, attribute.String("type", eventType))
}

func (m *MetricsHolder) RecordBusDropped(eventType string) {
	m.addCounter(func() metric.Int64Counter { return m.BusDroppedTotal }, 1, attribute.String("type", eventType))
}

// RecordOutboxResult counts an outbox attempt outcome: completed, retried or failed
func (m *MetricsHolder) RecordOutboxResult(eventType, outcome string) {
	attr := attribute.String("type", eventType)
	switch outcome {
	case "completed":
		m.addCounter(func() metric.Int64Counter { return m.OutboxProcessedTotal }, 1, attr)
	case "retried":
		m.addCounter(func() metric.Int64Counter { return m.OutboxRetriedTotal }, 1, attr)
	case "failed":
		m.addCounter(func() metric.Int64Counter { return m.OutboxFailedTotal }, 1, attr)
	}
}

func (m *MetricsHolder) RecordOutboxLatency(eventType string, ms float64) {
	m.mu.RLock()
	if !m.instrumentsInit {
		m.mu.RUnlock()
		return
	}
	hist := m.OutboxDispatchLatency
	m.mu.RUnlock()
	hist.Record(context.Background(), ms, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *MetricsHolder) SetBufferUsage(entries, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferEntries = entries
	m.bufferBytes = bytes
}

// RecordBufferDropped counts buffer entries lost for reason: evicted, expired or rejected
func (m *MetricsHolder) RecordBufferDropped(reason string, n int64) {
	m.addCounter(func() metric.Int64Counter { return m.BufferDroppedTotal }, n, attribute.String("reason", reason))
}

func (m *MetricsHolder) RecordDiscrepancy(kind, severity string) {
	m.addCounter(func() metric.Int64Counter { return m.DiscrepanciesTotal }, 1,
		attribute.String("type", kind), attribute.String("severity", severity))
}

func (m *MetricsHolder) RecordReconcileRun(status string) {
	m.addCounter(func() metric.Int64Counter { return m.ReconcileRunsTotal }, 1, attribute.String("status", status))
}

// GetCircuitBreakerOpen returns a copy of the breaker gauge state
func (m *MetricsHolder) GetCircuitBreakerOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.cbOpenMap))
	for k, v := range m.cbOpenMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetSystemMode() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.systemMode
}
