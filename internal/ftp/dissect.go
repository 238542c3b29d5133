package ftp

import (
	"bytes"
	"errors"

	"github.com/sirupsen/logrus"
)

const (
	// ProtocolName is the application layer name reported for FTP connections.
	ProtocolName = "FTP"
	// Summary is the one-line connection summary reported by the dissector.
	Summary = "parsed application stream layers"
)

// ErrNotFTP is returned when a connection does not open with an FTP greeting.
var ErrNotFTP = errors.New("ftp: connection does not start with a 220 greeting")

var greeting = []byte("220 ")

// Sniff reports whether probe looks like the first server segment of an FTP
// control connection.
func Sniff(probe []byte) bool { return bytes.HasPrefix(probe, greeting) }

// Dissection is the outcome of dissecting one connection.
type Dissection struct {
	Protocol string  `json:"protocol" yaml:"protocol"`
	Summary  string  `json:"summary" yaml:"summary"`
	Layers   []Layer `json:"layers" yaml:"layers"`
	Session  Session `json:"session" yaml:"session"`
}

// Lines returns every narrative line in conversation order.
func (d *Dissection) Lines() []string {
	var out []string
	for _, l := range d.Layers {
		out = append(out, l.Lines...)
	}
	return out
}

// Dissector builds conversations. It holds no per-connection state and is
// safe to share between goroutines.
type Dissector struct {
	log     logrus.FieldLogger
	metrics *Metrics
}

// Option configures a Dissector.
type Option func(*Dissector)

// WithLogger sets the logger used for debug traces.
func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Dissector) { d.log = log }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dissector) { d.metrics = m }
}

// NewDissector returns a Dissector logging to the standard logrus logger
// unless WithLogger says otherwise.
func NewDissector(opts ...Option) *Dissector {
	d := &Dissector{log: logrus.StandardLogger()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Accept checks probe and records the outcome. Callers that feed a
// Conversation segment by segment use it in place of Dissect.
func (d *Dissector) Accept(probe []byte) bool {
	ok := Sniff(probe)
	d.metrics.observeConnection(ok)
	if !ok {
		d.log.WithField("probe_len", len(probe)).Debug("ftp: declining connection without greeting")
	}
	return ok
}

// Dissect processes all segments of one connection. It fails only with
// ErrNotFTP, when probe is not an FTP greeting.
func (d *Dissector) Dissect(probe []byte, segments [][]byte) (*Dissection, error) {
	if !d.Accept(probe) {
		return nil, ErrNotFTP
	}
	c := d.NewConversation()
	for _, seg := range segments {
		c.Feed(seg)
	}
	return c.Result(), nil
}
