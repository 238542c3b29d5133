package service

import "github.com/prometheus/client_golang/prometheus"

// metrics covers connection tracking. A nil *metrics is a no-op.
type metrics struct {
	open   prometheus.Gauge
	closed *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ftpscope_tracked_connections",
			Help: "Connections currently tracked",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpscope_connections_closed_total",
			Help: "Connections finalized by close reason",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.open, m.closed)
	return m
}

func (m *metrics) observeOpened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

func (m *metrics) observeClosed(reason string) {
	if m == nil {
		return
	}
	m.open.Dec()
	m.closed.WithLabelValues(reason).Inc()
}
