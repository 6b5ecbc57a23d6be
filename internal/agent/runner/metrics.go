// Package runner Prometheus 指标
package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agenthost/internal/shared/model"
)

// Metrics 任务执行指标
type Metrics struct {
	// 任务终局
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// 工具与提供商耗时
	ToolCallDuration *prometheus.HistogramVec
	ProviderDuration *prometheus.HistogramVec
}

// NewMetrics 创建任务执行指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total finished tasks by agent and terminal state",
			},
			[]string{"agent", "state"},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Wall time from submission to terminal state",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"agent"},
		),
		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool invocation latency by tool and outcome",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 120},
			},
			[]string{"tool", "outcome"},
		),
		ProviderDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "AI provider request latency",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
	}
}

// RecordTask 记录任务终局
func (m *Metrics) RecordTask(agent string, state model.TaskState, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(agent, string(state)).Inc()
	m.TaskDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordToolCall 记录工具调用耗时
func (m *Metrics) RecordToolCall(tool string, duration time.Duration, isError bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	m.ToolCallDuration.WithLabelValues(tool, outcome).Observe(duration.Seconds())
}

// RecordProvider 记录提供商请求耗时
func (m *Metrics) RecordProvider(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
