package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 拒收原因
const (
	RejectStopped  = "stopped"
	RejectChecksum = "checksum"
	RejectNoPeer   = "no_peer"
)

// Metrics 节点指标，集群内所有节点共用，按 node 标签区分
type Metrics struct {
	Received *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	Applied  *prometheus.CounterVec
	Admin    *prometheus.CounterVec
	Crashes  *prometheus.CounterVec
	Spilled  *prometheus.CounterVec
}

// NewMetrics 创建指标，reg 为 nil 时不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "node",
			Name:      "envelopes_received_total",
			Help:      "Envelopes delivered to the node by the router.",
		}, []string{"node"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "node",
			Name:      "envelopes_rejected_total",
			Help:      "Envelopes the node refused, by reason.",
		}, []string{"node", "reason"}),
		Applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "node",
			Name:      "envelopes_applied_total",
			Help:      "Envelopes handed to a local peer.",
		}, []string{"node"}),
		Admin: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "node",
			Name:      "admin_commands_total",
			Help:      "Admin commands executed by local leaders, by op and result.",
		}, []string{"node", "op", "result"}),
		Crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "node",
			Name:      "crashes_total",
			Help:      "Simulated crashes.",
		}, []string{"node"}),
		Spilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftsim",
			Subsystem: "node",
			Name:      "mailbox_spills_total",
			Help:      "Mailbox drains run outside the worker pool because it was full.",
		}, []string{"node"}),
	}

	if reg != nil {
		reg.MustRegister(m.Received, m.Rejected, m.Applied, m.Admin, m.Crashes, m.Spilled)
	}
	return m
}
