package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stethoscope/internal/capture"
	"stethoscope/internal/capture/capturetest"
	"stethoscope/internal/config"
	"stethoscope/internal/report"
)

func loginFrames(t *testing.T, clientPort uint16, fin bool) [][]byte {
	return capturetest.FTP(clientPort).Frames(t, []capturetest.Segment{
		capturetest.Server("220 Welcome\r\n"),
		capturetest.Client("USER alice\r\n"),
		capturetest.Server("331 Password required\r\n"),
		capturetest.Client("PASS secret\r\n"),
		capturetest.Server("230 ok\r\n"),
		capturetest.Client("CWD /pub\r\n"),
		capturetest.Server("250 done\r\n"),
	}, fin)
}

type harness struct {
	svc  *Service
	out  *bytes.Buffer
	reg  *prometheus.Registry
	hook *test.Hook
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.IO.Output.Format = config.FormatJSON
	if mutate != nil {
		mutate(&cfg)
	}
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	reg := prometheus.NewRegistry()
	var out bytes.Buffer
	svc, err := New(cfg, log, reg, WithOutput(&out))
	require.NoError(t, err)
	return &harness{svc: svc, out: &out, reg: reg, hook: hook}
}

func (h *harness) run(t *testing.T, frames [][]byte) []report.Event {
	t.Helper()
	src, err := capture.NewReader(capturetest.WritePcap(t, frames))
	require.NoError(t, err)
	require.NoError(t, h.svc.Run(context.Background(), src))

	var events []report.Event
	sc := bufio.NewScanner(h.out)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var ev report.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func TestRun_Batch(t *testing.T) {
	h := newHarness(t, nil)
	events := h.run(t, loginFrames(t, 40000, true))

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, report.EventFull, ev.Event)
	require.NotNil(t, ev.Connection)
	c := ev.Connection
	assert.Equal(t, "10.0.0.1:40000 -> 10.0.0.2:21", c.Flow)
	assert.Equal(t, "FTP", c.Protocol)
	assert.Equal(t, report.ReasonClosed, c.CloseReason)
	require.Len(t, c.Layers, 7)
	assert.Equal(t, "Response: 220 Welcome", c.Layers[0].Name)
	assert.Equal(t, []string{"User alice logged in successfully"}, c.Layers[3].Lines)
	require.NotNil(t, c.Session)
	assert.True(t, c.Session.User.LoggedIn)
	assert.Equal(t, "/pub", c.Session.User.Cwd)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.svc.metrics.closed.WithLabelValues(report.ReasonClosed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.svc.metrics.open))

	var names []string
	for _, e := range h.hook.AllEntries() {
		names = append(names, e.Message)
	}
	assert.Contains(t, names, "ftp.connection_open")
	assert.Contains(t, names, "ftp.layer")
	assert.Contains(t, names, "ftp.connection_close")
}

func TestRun_BatchFinalizesAtEndOfInput(t *testing.T) {
	h := newHarness(t, nil)
	events := h.run(t, loginFrames(t, 40000, false))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Connection)
	// FlushAll ends both halves, which counts as a regular close.
	assert.Equal(t, report.ReasonClosed, events[0].Connection.CloseReason)
	assert.Len(t, events[0].Connection.Layers, 7)
}

func TestRun_Streaming(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Tracker.Stream = true })
	events := h.run(t, loginFrames(t, 40000, true))

	require.Len(t, events, 9)
	assert.Equal(t, report.EventOpen, events[0].Event)
	for _, ev := range events[1:8] {
		assert.Equal(t, report.EventLayer, ev.Event)
		require.NotNil(t, ev.Layer)
	}
	assert.Equal(t, "Request: USER alice", events[2].Layer.Name)
	assert.Equal(t, []string{"Server requested password"}, events[3].Layer.Lines)

	last := events[8]
	assert.Equal(t, report.EventClose, last.Event)
	require.NotNil(t, last.Connection)
	assert.Empty(t, last.Connection.Layers)
	require.NotNil(t, last.Connection.Session)
	assert.Equal(t, "alice", last.Connection.Session.User.Username)
}

func TestRun_Declined(t *testing.T) {
	frames := capturetest.FTP(40000).Frames(t, []capturetest.Segment{
		capturetest.Server("SSH-2.0-OpenSSH_9.6\r\n"),
		capturetest.Client("SSH-2.0-client\r\n"),
	}, true)

	for _, stream := range []bool{false, true} {
		h := newHarness(t, func(c *config.Config) { c.Tracker.Stream = stream })
		events := h.run(t, frames)
		require.Len(t, events, 1, "stream=%v", stream)
		assert.Equal(t, report.EventDeclined, events[0].Event)
		require.NotNil(t, events[0].Connection)
		assert.True(t, events[0].Connection.Declined)
		assert.Empty(t, events[0].Connection.Protocol)
	}
}

func TestRun_ClientFirstIsDeclinedInBatch(t *testing.T) {
	frames := capturetest.FTP(40000).Frames(t, []capturetest.Segment{
		capturetest.Client("USER alice\r\n"),
	}, true)
	h := newHarness(t, nil)
	events := h.run(t, frames)
	require.Len(t, events, 1)
	assert.Equal(t, report.EventDeclined, events[0].Event)
}

func TestRun_EvictionBoundsTracker(t *testing.T) {
	a := loginFrames(t, 40000, false)
	b := loginFrames(t, 40001, false)
	// interleave so both connections are live at once
	var frames [][]byte
	for i := range a {
		frames = append(frames, a[i], b[i])
	}

	h := newHarness(t, func(c *config.Config) { c.Tracker.MaxConnections = 1 })
	events := h.run(t, frames)

	evicted := 0
	for _, ev := range events {
		if ev.Connection != nil && ev.Connection.CloseReason == report.ReasonEvicted {
			evicted++
		}
	}
	assert.Greater(t, evicted, 0)
	assert.Greater(t, testutil.ToFloat64(h.svc.metrics.closed.WithLabelValues(report.ReasonEvicted)), 0.0)
}

func TestRun_TextSummary(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.IO.Output.Format = config.FormatText })
	src, err := capture.NewReader(capturetest.WritePcap(t, loginFrames(t, 40000, true)))
	require.NoError(t, err)
	require.NoError(t, h.svc.Run(context.Background(), src))

	out := h.out.String()
	assert.Contains(t, out, "=== connection 1 10.0.0.1:40000 -> 10.0.0.2:21 ===")
	assert.Contains(t, out, "[Request: CWD /pub]\n    User alice changed working directory to /pub\n")
	assert.Contains(t, out, "alice")
}

func TestControlOperations(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Tracker.Stream = true })
	frames := capturetest.FTP(40000).Frames(t, []capturetest.Segment{
		capturetest.Server("220 Welcome\r\n"),
		capturetest.Client("USER alice\r\n"),
	}, false)

	// Feed chunks by hand so the connection stays open.
	src, err := capture.NewReader(capturetest.WritePcap(t, frames))
	require.NoError(t, err)
	chunks := make(chan capture.Chunk, 16)
	log, _ := test.NewNullLogger()
	go func() { _ = capture.New(capture.Config{Ports: []int{21}}, log, chunks).Run(context.Background(), src) }()
	for ch := range chunks {
		if !ch.End {
			h.svc.handleChunk(ch)
		}
	}

	list := h.svc.ListConnections()
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0]["id"])
	assert.Equal(t, "alice", list[0]["user"])

	got := h.svc.GetConnection(1)
	require.NotNil(t, got)
	assert.Equal(t, []string{"Response: 220 Welcome", "Request: USER alice"}, got["layer_names"])
	assert.Nil(t, h.svc.GetConnection(2))

	st := h.svc.Stats()
	assert.Equal(t, 1, st["connections_open"])
	assert.Equal(t, 2, st["layers"])

	srv := httptest.NewServer(h.svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/connections")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	assert.Len(t, listed, 1)

	resp, err = http.Get(srv.URL + "/connections/9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), "ftpscope_layers_total")
	assert.Contains(t, body.String(), "ftpscope_tracked_connections 1")

	assert.True(t, h.svc.CloseConnection(1, report.ReasonControl))
	assert.False(t, h.svc.CloseConnection(1, report.ReasonControl))
	assert.Empty(t, h.svc.ListConnections())
	assert.Contains(t, h.out.String(), `"close_reason":"control_close"`)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.IO.Output.Format = "xml"
	_, err = New(cfg, nil, nil, WithOutput(&bytes.Buffer{}))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
