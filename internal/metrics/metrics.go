package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	TransportRequests *prometheus.CounterVec // labels: method, outcome=ok|error
	TransportRetries  prometheus.Counter
	TransportErrors   *prometheus.CounterVec // labels: kind
	CommandsTotal     *prometheus.CounterVec // labels: command=start|stop|reset, status
	ReconcilerState   *prometheus.GaugeVec   // labels: charge_box_id; value = 状态序号
	RefreshTicks      prometheus.Counter
	StreamEvents      *prometheus.CounterVec // labels: type
	StreamReconnects  prometheus.Counter
	DesyncDetected    prometheus.Counter
	SoftRecoveries    prometheus.Counter
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		TransportRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_requests_total",
			Help: "Backend HTTP requests by method and outcome.",
		}, []string{"method", "outcome"}),
		TransportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transport_retries_total",
			Help: "Total transport-level retry attempts.",
		}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transport_errors_total",
			Help: "Normalized transport errors by kind.",
		}, []string{"kind"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_commands_total",
			Help: "Start/stop/reset commands issued, by reported status.",
		}, []string{"command", "status"}),
		ReconcilerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconciler_state",
			Help: "Current reconciler state per charge box (ordinal).",
		}, []string{"charge_box_id"}),
		RefreshTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_refresh_ticks_total",
			Help: "Steady-state refresh ticks executed.",
		}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "SSE events received by type.",
		}, []string{"type"}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "SSE reconnect attempts scheduled.",
		}),
		DesyncDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_desync_total",
			Help: "Snapshot/session identity desyncs observed.",
		}),
		SoftRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_soft_recovery_total",
			Help: "Soft-reset recovery attempts during start flow.",
		}),
	}
	reg.MustRegister(
		m.TransportRequests, m.TransportRetries, m.TransportErrors,
		m.CommandsTotal, m.ReconcilerState, m.RefreshTicks,
		m.StreamEvents, m.StreamReconnects, m.DesyncDetected, m.SoftRecoveries,
	)
	return m
}
