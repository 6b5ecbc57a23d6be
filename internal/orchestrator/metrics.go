// Package orchestrator Prometheus 指标
package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 编排器指标
type Metrics struct {
	// Agent 生命周期
	AgentsRunning    prometheus.Gauge
	AgentStartsTotal *prometheus.CounterVec
	AgentStopsTotal  prometheus.Counter
	HealthGateDur    prometheus.Histogram

	// 对账循环
	ReconcileRunsTotal prometheus.Counter
	ReconcileErrors    prometheus.Counter
	ReconcileDuration  prometheus.Histogram

	// 端口冲突
	PortConflictsTotal *prometheus.CounterVec
}

// NewMetrics 创建编排器指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		AgentsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_running",
				Help:      "Number of agents currently running",
			},
		),
		AgentStartsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_starts_total",
				Help:      "Total agent start attempts by outcome",
			},
			[]string{"agent", "outcome"},
		),
		AgentStopsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_stops_total",
				Help:      "Total agent stops",
			},
		),
		HealthGateDur: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_gate_duration_seconds",
				Help:      "Time from spawn until the health gate opened",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		ReconcileRunsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total reconciliation passes",
			},
		),
		ReconcileErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_errors_total",
				Help:      "Total per-agent errors during reconciliation",
			},
		),
		ReconcileDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Reconciliation pass duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		PortConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "port_conflicts_total",
				Help:      "Total port conflicts by resolution",
			},
			[]string{"resolution"},
		),
	}
}

// RecordStart 记录一次启动尝试
func (m *Metrics) RecordStart(agent, outcome string, healthGate time.Duration) {
	m.AgentStartsTotal.WithLabelValues(agent, outcome).Inc()
	if outcome == "success" {
		m.AgentsRunning.Inc()
		m.HealthGateDur.Observe(healthGate.Seconds())
	}
}

// RecordStop 记录一次停止
func (m *Metrics) RecordStop() {
	m.AgentStopsTotal.Inc()
	m.AgentsRunning.Dec()
}

// RecordReconcile 记录一次对账
func (m *Metrics) RecordReconcile(duration time.Duration, errs int) {
	m.ReconcileRunsTotal.Inc()
	m.ReconcileDuration.Observe(duration.Seconds())
	m.ReconcileErrors.Add(float64(errs))
}

// RecordPortConflict 记录端口冲突
func (m *Metrics) RecordPortConflict(resolution string) {
	m.PortConflictsTotal.WithLabelValues(resolution).Inc()
}
