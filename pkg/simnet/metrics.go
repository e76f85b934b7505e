package simnet

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 丢弃原因
const (
	DropReasonFilter      = "filter"
	DropReasonUnreachable = "unreachable"
	DropReasonClosed      = "closed"
)

// Metrics 模拟网络指标
type Metrics struct {
	Sent       *prometheus.CounterVec
	Delivered  *prometheus.CounterVec
	Dropped    *prometheus.CounterVec
	Delayed    prometheus.Counter
	Duplicated prometheus.Counter
	Corrupted  prometheus.Counter
}

// NewMetrics 创建指标，reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "router",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes handed to the router, by kind.",
		}, []string{"kind"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "router",
			Name:      "envelopes_delivered_total",
			Help:      "Envelopes delivered to a node endpoint, by kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "router",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped by the router, by reason.",
		}, []string{"reason"}),
		Delayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "router",
			Name:      "envelopes_delayed_total",
			Help:      "Envelopes held back by delay rules.",
		}),
		Duplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "router",
			Name:      "envelopes_duplicated_total",
			Help:      "Extra envelope copies created by duplicate rules.",
		}),
		Corrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "router",
			Name:      "envelopes_corrupted_total",
			Help:      "Envelope copies corrupted by corrupt rules.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Sent, m.Delivered, m.Dropped, m.Delayed, m.Duplicated, m.Corrupted)
	}
	return m
}
