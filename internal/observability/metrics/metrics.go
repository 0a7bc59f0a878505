// Package metrics 使用 Prometheus 暴露扩展宿主的运行指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	xerrors "monokkai/internal/errors"
	"monokkai/internal/invocation"
	"monokkai/pkg/extension"
)

// Metrics 持有所有 Prometheus 指标。
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ExtensionLoadsTotal        *prometheus.CounterVec
	ExtensionExecutionsTotal   *prometheus.CounterVec
	ExtensionExecutionDuration *prometheus.HistogramVec

	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// NewMetrics 创建并注册指标。registry 为空时使用独立的新注册表。
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monokkai_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monokkai_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method"},
		),
		ExtensionLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monokkai_extension_loads_total",
				Help: "Extension load attempts by ABI and final state",
			},
			[]string{"abi", "state"},
		),
		ExtensionExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monokkai_extension_executions_total",
				Help: "Extension executions by extension and result code",
			},
			[]string{"extension", "code"},
		),
		ExtensionExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monokkai_extension_execution_duration_seconds",
				Help:    "Extension execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"extension"},
		),
		InvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monokkai_invocations_total",
				Help: "Finished asynchronous invocations by status",
			},
			[]string{"extension", "status"},
		),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monokkai_invocation_duration_seconds",
				Help:    "Time from claim to completion of an invocation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"extension"},
		),
		registerer: registry,
		gatherer:   registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExtensionLoadsTotal,
		m.ExtensionExecutionsTotal,
		m.ExtensionExecutionDuration,
		m.InvocationsTotal,
		m.InvocationDuration,
	)
	return m
}

// Counter 由 Manager 实现，用于采集当前已注册扩展数量。
type Counter interface {
	Len() int
}

// WatchExtensions 注册一个实时读取扩展数量的 gauge。
func (m *Metrics) WatchExtensions(c Counter) error {
	return m.registerer.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "monokkai_extensions_registered",
			Help: "Number of extensions currently registered",
		},
		func() float64 { return float64(c.Len()) },
	))
}

// ObserveTransition 实现 extension.Observer，只统计终态。
func (m *Metrics) ObserveTransition(t extension.Transition) {
	if t.To != extension.StateInitialized && t.To != extension.StateFailed {
		return
	}
	m.ExtensionLoadsTotal.WithLabelValues(string(t.ABI), string(t.To)).Inc()
}

// ObserveExecute 实现 extension.ExecuteHook。
func (m *Metrics) ObserveExecute(name string, elapsed time.Duration, err error) {
	code := "ok"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	m.ExtensionExecutionsTotal.WithLabelValues(name, code).Inc()
	m.ExtensionExecutionDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveInvocation 实现 invocation.ResultHook。
func (m *Metrics) ObserveInvocation(inv *invocation.Invocation) {
	if inv == nil || !inv.Done() {
		return
	}
	m.InvocationsTotal.WithLabelValues(inv.Extension, string(inv.Status)).Inc()
	if inv.StartedAt > 0 && inv.FinishedAt >= inv.StartedAt {
		m.InvocationDuration.WithLabelValues(inv.Extension).Observe(float64(inv.FinishedAt-inv.StartedAt) / 1000)
	}
}
