// Package metrics exposes Prometheus collectors for scheduler activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DropNoListener = "no_listener"
	DropOverflow   = "overflow"
	DropPublish    = "publish_failed"
)

// Metrics holds the kernel's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	NodesActive    prometheus.Gauge
	NodesScheduled prometheus.Counter
	NodeFaults     prometheus.Counter
	Ingress        *prometheus.CounterVec
	Egress         *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
}

// New registers collectors on a private registry so several kernels can live
// in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		NodesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "kernel_nodes_active",
			Help: "Number of node tasks currently running",
		}),
		NodesScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "kernel_nodes_scheduled_total",
			Help: "Total number of nodes scheduled",
		}),
		NodeFaults: f.NewCounter(prometheus.CounterOpts{
			Name: "kernel_node_faults_total",
			Help: "Total number of node tasks ended by a fault",
		}),
		Ingress: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_ingress_messages_total",
			Help: "Messages read from the bus, by topic",
		}, []string{"topic"}),
		Egress: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_egress_messages_total",
			Help: "Messages published to the bus, by topic",
		}, []string{"topic"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_dropped_messages_total",
			Help: "Messages discarded, by topic and reason",
		}, []string{"topic", "reason"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) NodeStarted() {
	if m == nil {
		return
	}
	m.NodesScheduled.Inc()
	m.NodesActive.Inc()
}

func (m *Metrics) NodeFinished(faulted bool) {
	if m == nil {
		return
	}
	m.NodesActive.Dec()
	if faulted {
		m.NodeFaults.Inc()
	}
}

func (m *Metrics) Received(topic string) {
	if m == nil {
		return
	}
	m.Ingress.WithLabelValues(topic).Inc()
}

func (m *Metrics) Published(topic string) {
	if m == nil {
		return
	}
	m.Egress.WithLabelValues(topic).Inc()
}

func (m *Metrics) Drop(topic, reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(topic, reason).Inc()
}
