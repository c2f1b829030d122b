package main

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var allStatuses = []TunnelStatus{StatusConnecting, StatusConnected, StatusError, StatusDisconnected}

// tunnelMetrics turns status snapshots into Prometheus series.
type tunnelMetrics struct {
	registry    *prometheus.Registry
	connections *prometheus.GaugeVec
	bytesIn     *prometheus.CounterVec
	bytesOut    *prometheus.CounterVec
	status      *prometheus.GaugeVec

	mu   sync.Mutex
	last map[string]TunnelConfig
}

func newTunnelMetrics() *tunnelMetrics {
	m := &tunnelMetrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sshforward_tunnel_connections",
			Help: "Live bridged connections per tunnel.",
		}, []string{"id", "type"}),
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshforward_tunnel_bytes_in_total",
			Help: "Bytes read from the SSH side of a tunnel.",
		}, []string{"id", "type"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshforward_tunnel_bytes_out_total",
			Help: "Bytes read from the local side of a tunnel.",
		}, []string{"id", "type"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sshforward_tunnel_status",
			Help: "1 for the current status of a tunnel.",
		}, []string{"id", "status"}),
		last: make(map[string]TunnelConfig),
	}
	m.registry.MustRegister(
		m.connections,
		m.bytesIn,
		m.bytesOut,
		m.status,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *tunnelMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe is a StatusHandler.
func (m *tunnelMetrics) Observe(cfg TunnelConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := string(cfg.Kind)
	if cfg.Status == StatusError || (cfg.Status == StatusDisconnected && cfg.Connections == 0) {
		m.forget(cfg)
		return
	}

	prev := m.last[cfg.ID]
	if d := cfg.BytesIn - prev.BytesIn; d > 0 {
		m.bytesIn.WithLabelValues(cfg.ID, kind).Add(float64(d))
	}
	if d := cfg.BytesOut - prev.BytesOut; d > 0 {
		m.bytesOut.WithLabelValues(cfg.ID, kind).Add(float64(d))
	}
	m.connections.WithLabelValues(cfg.ID, kind).Set(float64(cfg.Connections))
	for _, s := range allStatuses {
		v := 0.0
		if s == cfg.Status {
			v = 1
		}
		m.status.WithLabelValues(cfg.ID, string(s)).Set(v)
	}
	m.last[cfg.ID] = cfg
}

func (m *tunnelMetrics) forget(cfg TunnelConfig) {
	delete(m.last, cfg.ID)
	m.connections.DeletePartialMatch(prometheus.Labels{"id": cfg.ID})
	m.bytesIn.DeletePartialMatch(prometheus.Labels{"id": cfg.ID})
	m.bytesOut.DeletePartialMatch(prometheus.Labels{"id": cfg.ID})
	m.status.DeletePartialMatch(prometheus.Labels{"id": cfg.ID})
}
