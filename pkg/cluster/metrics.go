package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics 编排层指标
type Metrics struct {
	Operations *prometheus.CounterVec
	Events     *prometheus.CounterVec
	Retries    prometheus.Counter
	Groups     prometheus.Gauge
}

// NewMetrics 创建指标，reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "cluster",
			Name:      "operations_total",
			Help:      "Orchestrator operations, by op and result.",
		}, []string{"op", "result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "cluster",
			Name:      "events_total",
			Help:      "Node events processed by the orchestrator.",
		}, []string{"kind"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "cluster",
			Name:      "client_retries_total",
			Help:      "Client requests retried after a transient error.",
		}),
		Groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raftsim",
			Subsystem: "cluster",
			Name:      "active_groups",
			Help:      "Groups that are not retired.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Operations, m.Events, m.Retries, m.Groups)
	}
	return m
}

func (m *Metrics) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

// RetryCount 当前累计的客户端重试次数
func (m *Metrics) RetryCount() float64 {
	var out dto.Metric
	if err := m.Retries.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
