package ftp

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks dissection activity. A nil *Metrics is a no-op.
type Metrics struct {
	connections *prometheus.CounterVec
	layers      *prometheus.CounterVec
	commands    *prometheus.CounterVec
	replies     *prometheus.CounterVec
	multiline   prometheus.Counter
}

// NewMetrics creates the dissector metrics and registers them with
// registerer (prometheus.DefaultRegisterer when nil).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpscope_connections_total",
			Help: "Connections offered to the FTP dissector by result",
		}, []string{"result"}),
		layers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpscope_layers_total",
			Help: "Dissected control-channel segments by direction",
		}, []string{"direction"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpscope_commands_total",
			Help: "Client commands by verb; unrecognized verbs count as unknown",
		}, []string{"command"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftpscope_replies_total",
			Help: "Server replies by code; unmapped codes count as other",
		}, []string{"code"}),
		multiline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ftpscope_multiline_replies_total",
			Help: "Multi-line server replies",
		}),
	}
	registerer.MustRegister(m.connections, m.layers, m.commands, m.replies, m.multiline)
	return m
}

func (m *Metrics) observeConnection(accepted bool) {
	if m == nil {
		return
	}
	result := "declined"
	if accepted {
		result = "accepted"
	}
	m.connections.WithLabelValues(result).Inc()
}

func (m *Metrics) observeLayer(dir Direction) {
	if m == nil {
		return
	}
	m.layers.WithLabelValues(dir.String()).Inc()
}

func (m *Metrics) observeCommand(verb string, known bool) {
	if m == nil {
		return
	}
	if !known {
		verb = "unknown"
	}
	m.commands.WithLabelValues(verb).Inc()
}

func (m *Metrics) observeReply(code string, known bool) {
	if m == nil {
		return
	}
	if !known {
		code = "other"
	}
	m.replies.WithLabelValues(code).Inc()
}

func (m *Metrics) observeMultiline() {
	if m == nil {
		return
	}
	m.multiline.Inc()
}
