// Package service wires capture, connection tracking, FTP dissection and
// reporting into one pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"stethoscope/internal/capture"
	"stethoscope/internal/config"
	"stethoscope/internal/controlplane"
	"stethoscope/internal/ftp"
	"stethoscope/internal/report"
)

const chunkQueue = 1024

// Option configures a Service.
type Option func(*Service)

// WithOutput sends the report to w instead of io.output.path.
func WithOutput(w io.Writer) Option {
	return func(s *Service) { s.out = w }
}

// WithLive marks the source as a live interface. Live captures drop chunks
// instead of stalling the reader, and flush idle streams.
func WithLive() Option {
	return func(s *Service) { s.live = true }
}

// Service runs one capture source through the FTP dissector.
type Service struct {
	cfg      config.Config
	log      logrus.FieldLogger
	gatherer prometheus.Gatherer

	dissector *ftp.Dissector
	metrics   *metrics
	report    *report.Writer
	cp        *controlplane.ControlPlane
	http      *http.Server

	out     io.Writer
	outFile *os.File
	live    bool

	mu      sync.Mutex
	tracker *tracker
	capture *capture.Capture
	total   int
	layers  int
}

// New builds a service. reg receives every metric; a fresh registry is used
// when it is nil.
func New(cfg config.Config, log logrus.FieldLogger, reg *prometheus.Registry, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Service{cfg: cfg, log: log, gatherer: reg}
	for _, o := range opts {
		o(s)
	}

	if s.out == nil {
		path := strings.TrimSpace(cfg.IO.Output.Path)
		if path == "" || path == "-" {
			s.out = os.Stdout
		} else {
			f, err := os.Create(path)
			if err != nil {
				return nil, fmt.Errorf("open report output: %w", err)
			}
			s.out, s.outFile = f, f
		}
	}
	rw, err := report.NewWriter(s.out, cfg.IO.Output.Format)
	if err != nil {
		s.closeOutput()
		return nil, err
	}
	s.report = rw

	s.metrics = newMetrics(reg)
	s.dissector = ftp.NewDissector(
		ftp.WithLogger(log.WithField("component", "ftp")),
		ftp.WithMetrics(ftp.NewMetrics(reg)),
	)
	s.tracker, err = newTracker(cfg.Tracker.MaxConnections, s.finalize)
	if err != nil {
		s.closeOutput()
		return nil, fmt.Errorf("connection tracker: %w", err)
	}

	if cfg.Control.Enabled {
		s.cp = controlplane.New(cfg.Control.BindIP, cfg.Control.ListenPort, log.WithField("component", "control"), cfg.Control.DefaultCats)
		s.cp.SetCallbacks(controlplane.Callbacks{
			Stats:           s.Stats,
			ListConnections: s.ListConnections,
			GetConnection:   s.GetConnection,
			CloseConnection: s.CloseConnection,
		})
	}
	return s, nil
}

// Run processes src until it is exhausted or ctx is canceled. Open
// connections are finalized before it returns.
func (s *Service) Run(ctx context.Context, src *gopacket.PacketSource) error {
	defer s.closeOutput()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cp != nil {
		if err := s.cp.Start(ctx); err != nil {
			return err
		}
		defer s.cp.Close()
	}
	if s.cfg.Metrics.Enabled {
		if err := s.startHTTP(); err != nil {
			return err
		}
		defer s.stopHTTP()
	}

	capCfg := capture.Config{Ports: s.cfg.IO.Input.Capture.Ports}
	if dump := s.cfg.IO.Output.Pcap; dump.Path != "" {
		sink, err := capture.NewSink(dump.Path, dump.Format, s.cfg.IO.Input.Capture.SnapLen)
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				s.log.WithError(err).Warn("closing packet dump failed")
			}
		}()
		capCfg.Dump = sink
	}
	if s.live {
		capCfg.IdleTimeout = s.cfg.IO.Input.Capture.SessionIdle()
		capCfg.DropOnFull = true
	}
	chunks := make(chan capture.Chunk, chunkQueue)
	c := capture.New(capCfg, s.log.WithField("component", "capture"), chunks)
	s.mu.Lock()
	s.capture = c
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, src) }()

	for ch := range chunks {
		s.handleChunk(ch)
	}
	err := <-errc

	s.mu.Lock()
	s.tracker.closeAll(report.ReasonEOF)
	s.mu.Unlock()

	if serr := s.report.Summary(); serr != nil {
		s.log.WithError(serr).Warn("writing summary failed")
	}
	if ferr := s.report.Flush(); ferr != nil {
		s.log.WithError(ferr).Warn("flushing report failed")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) handleChunk(ch capture.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.End {
		// a half closing after its connection was evicted is ignored
		conn, ok := s.tracker.find(ch.Key)
		if !ok {
			return
		}
		conn.ended[ch.Direction] = true
		if conn.closed() {
			s.tracker.close(conn, report.ReasonClosed)
		}
		return
	}

	conn, created := s.tracker.get(ch)
	if created {
		s.total++
		s.metrics.observeOpened()
	}
	if ch.SeenAt.After(conn.lastSeen) {
		conn.lastSeen = ch.SeenAt
	}
	if s.cfg.Tracker.Stream {
		s.stream(conn, ch)
		return
	}
	conn.chunks = append(conn.chunks, ch)
}

// stream dissects ch right away. The first segment decides whether the
// connection is FTP at all.
func (s *Service) stream(conn *connection, ch capture.Chunk) {
	if !conn.decided {
		conn.decided = true
		if !s.dissector.Accept(ch.Data) {
			conn.declined = true
			s.emit("connection_declined", logrus.InfoLevel, map[string]any{"id": conn.id, "flow": conn.flow.String()})
			return
		}
		conn.conv = s.dissector.NewConversation()
		s.emit("connection_open", logrus.InfoLevel, map[string]any{"id": conn.id, "flow": conn.flow.String()})
		if err := s.report.Open(conn.report()); err != nil {
			s.log.WithError(err).Warn("writing report failed")
		}
	}
	if conn.declined {
		return
	}
	layer, ok := conn.conv.Feed(ch.Data)
	if !ok {
		return
	}
	conn.layers = append(conn.layers, layer)
	s.layers++
	s.emitLayer(conn, layer)
	if err := s.report.Layer(conn.report(), layer, ch.SeenAt); err != nil {
		s.log.WithError(err).Warn("writing report failed")
	}
}

// finalize runs when a connection leaves the tracker. The caller holds s.mu.
func (s *Service) finalize(conn *connection) {
	s.metrics.observeClosed(conn.reason)

	if s.cfg.Tracker.Stream {
		if !conn.decided {
			// no payload ever arrived
			return
		}
		rc := conn.report()
		var err error
		if conn.declined {
			err = s.report.Connection(rc)
		} else {
			err = s.report.Close(rc)
			s.emit("connection_close", logrus.InfoLevel, closeFields(rc))
		}
		if err != nil {
			s.log.WithError(err).Warn("writing report failed")
		}
		return
	}

	if len(conn.chunks) == 0 {
		return
	}
	probe, segments := conn.batch()
	res, err := s.dissector.Dissect(probe, segments)
	if errors.Is(err, ftp.ErrNotFTP) {
		conn.declined = true
		s.emit("connection_declined", logrus.InfoLevel, map[string]any{"id": conn.id, "flow": conn.flow.String()})
		if err := s.report.Connection(conn.report()); err != nil {
			s.log.WithError(err).Warn("writing report failed")
		}
		return
	}

	conn.layers = res.Layers
	s.layers += len(res.Layers)
	s.emit("connection_open", logrus.InfoLevel, map[string]any{"id": conn.id, "flow": conn.flow.String()})
	for _, l := range res.Layers {
		s.emitLayer(conn, l)
	}
	rc := conn.report()
	rc.Session = &res.Session
	if err := s.report.Connection(rc); err != nil {
		s.log.WithError(err).Warn("writing report failed")
	}
	s.emit("connection_close", logrus.InfoLevel, closeFields(rc))
}

func closeFields(rc *report.Connection) map[string]any {
	f := map[string]any{"id": rc.ID, "flow": rc.Flow, "layers": len(rc.Layers), "reason": rc.CloseReason}
	if rc.Session != nil {
		f["user"] = rc.Session.User.Username
		f["logged_in"] = rc.Session.User.LoggedIn
	}
	return f
}

// Stats reports capture and tracker counters.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := map[string]any{
		"connections_open":  s.tracker.cache.Len(),
		"connections_total": s.total,
		"layers":            s.layers,
	}
	if s.capture != nil {
		packets, dropped := s.capture.Stats()
		st["packets"] = packets
		st["chunks_dropped"] = dropped
	}
	return st
}

// ListConnections describes every open connection.
func (s *Service) ListConnections() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.tracker.open()
	out := make([]map[string]any, 0, len(open))
	for _, c := range open {
		out = append(out, c.brief())
	}
	return out
}

// GetConnection describes one open connection, including its layers so far.
// It returns nil when id is not open.
func (s *Service) GetConnection(id int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tracker.lookup(id)
	if !ok {
		return nil
	}
	m := c.brief()
	m["layer_names"] = layerNames(c.layers)
	if c.conv != nil {
		m["session"] = c.conv.Session()
		open, code := c.conv.Multiline()
		m["multiline_open"] = open
		if open {
			m["multiline_code"] = code
		}
	}
	return m
}

// CloseConnection finalizes an open connection now.
func (s *Service) CloseConnection(id int, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tracker.lookup(id)
	if !ok {
		return false
	}
	s.tracker.close(c, reason)
	return true
}

func (s *Service) closeOutput() {
	if s.outFile == nil {
		return
	}
	if err := s.outFile.Close(); err != nil {
		s.log.WithError(err).Warn("closing report output failed")
	}
	s.outFile = nil
}

func layerNames(layers []ftp.Layer) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = l.Name
	}
	return out
}
