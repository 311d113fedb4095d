package reconciler

import "github.com/chargelink/charge-agent/internal/metrics"

// Observer 对账引擎观测回调
type Observer interface {
	StateChanged(chargeBoxID string, ordinal int)
	CommandIssued(command, status string)
	RefreshTick()
	DesyncDetected()
	SoftRecovery()
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, int)     {}
func (nopObserver) CommandIssued(string, string) {}
func (nopObserver) RefreshTick()                 {}
func (nopObserver) DesyncDetected()              {}
func (nopObserver) SoftRecovery()                {}

// NopObserver 空观察器
func NopObserver() Observer { return nopObserver{} }

// metricsObserver 将观测回调落到 Prometheus 指标
type metricsObserver struct {
	m *metrics.AppMetrics
}

// MetricsObserver 创建指标观察器
func MetricsObserver(m *metrics.AppMetrics) Observer {
	return &metricsObserver{m: m}
}

func (o *metricsObserver) StateChanged(chargeBoxID string, ordinal int) {
	o.m.ReconcilerState.WithLabelValues(chargeBoxID).Set(float64(ordinal))
}

func (o *metricsObserver) CommandIssued(command, status string) {
	o.m.CommandsTotal.WithLabelValues(command, status).Inc()
}

func (o *metricsObserver) RefreshTick() {
	o.m.RefreshTicks.Inc()
}

func (o *metricsObserver) DesyncDetected() {
	o.m.DesyncDetected.Inc()
}

func (o *metricsObserver) SoftRecovery() {
	o.m.SoftRecoveries.Inc()
}
