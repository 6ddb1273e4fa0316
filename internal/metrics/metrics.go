// Package metrics Prometheus 指标导出
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含编排引擎的全部指标
type Metrics struct {
	// 队列指标
	ContainersActive  prometheus.Gauge
	KeysWaiting       prometheus.Gauge
	QueueRetriesTotal prometheus.Counter

	// 容器调用指标
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	OutputTruncations  *prometheus.CounterVec

	// 调度器指标
	SchedulerPollsTotal prometheus.Counter
	TaskRunsTotal       *prometheus.CounterVec

	// IPC 指标
	MailboxItemsTotal *prometheus.CounterVec
}

// New 创建指标实例
func New(namespace string) *Metrics {
	return &Metrics{
		ContainersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "containers_active",
				Help:      "Currently running sandbox containers",
			},
		),
		KeysWaiting: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "keys_waiting",
				Help:      "Conversation keys waiting for admission",
			},
		),
		QueueRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_retries_total",
				Help:      "Total retry attempts in drain loops",
			},
		),
		InvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total container invocations by backend and status",
			},
			[]string{"backend", "status"},
		),
		InvocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Container invocation duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"backend"},
		),
		OutputTruncations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_truncations_total",
				Help:      "Output streams truncated at the capture cap",
			},
			[]string{"stream"},
		),
		SchedulerPollsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_polls_total",
				Help:      "Total scheduler due-check polls",
			},
		),
		TaskRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Total scheduled task runs by status",
			},
			[]string{"status"},
		),
		MailboxItemsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mailbox_items_total",
				Help:      "Outbound mailbox items by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}
}

// RecordInvocation 记录一次容器调用
func (m *Metrics) RecordInvocation(backend, status string, duration time.Duration) {
	m.InvocationsTotal.WithLabelValues(backend, status).Inc()
	m.InvocationDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Handler 返回 Prometheus HTTP Handler
func Handler() http.Handler {
	return promhttp.Handler()
}
