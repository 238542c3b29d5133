package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"stethoscope/internal/ftp"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleConnection(t *testing.T) *Connection {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	d := ftp.NewDissector(ftp.WithLogger(log))
	res, err := d.Dissect([]byte("220 Welcome\r\n"), [][]byte{
		[]byte("220 Welcome\r\n"),
		[]byte("USER alice\r\n"),
		[]byte("331 Password required\r\n"),
	})
	require.NoError(t, err)
	return &Connection{
		ID:          1,
		Flow:        "10.0.0.1:40000 -> 10.0.0.2:21",
		Protocol:    res.Protocol,
		Summary:     res.Summary,
		FirstSeen:   t0,
		LastSeen:    t0.Add(time.Second),
		CloseReason: ReasonClosed,
		Layers:      res.Layers,
		Session:     &res.Session,
	}
}

func TestNewWriter_UnknownFormat(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, "xml")
	assert.Error(t, err)

	rw, err := NewWriter(&bytes.Buffer{}, " JSON ")
	require.NoError(t, err)
	assert.Equal(t, "json", rw.Format())
}

func TestWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewWriter(&buf, "text")
	require.NoError(t, err)

	require.NoError(t, rw.Connection(sampleConnection(t)))
	require.NoError(t, rw.Connection(&Connection{ID: 2, Flow: "b", Declined: true, CloseReason: ReasonDeclined}))
	require.NoError(t, rw.Summary())

	out := buf.String()
	assert.Contains(t, out, "=== connection 1 10.0.0.1:40000 -> 10.0.0.2:21 ===")
	assert.Contains(t, out, "[Response: 220 Welcome]\n    Server ready: Welcome\n")
	assert.Contains(t, out, "[Request: USER alice]\n    User alice tried to log in\n")
	assert.Contains(t, out, "--- FTP: parsed application stream layers, 3 layers, closed")
	assert.Contains(t, out, "--- not FTP, declined")
	// summary table
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "declined")
}

func TestWriter_JSONStreaming(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewWriter(&buf, "json")
	require.NoError(t, err)

	c := sampleConnection(t)
	require.NoError(t, rw.Open(c))
	for _, l := range c.Layers {
		require.NoError(t, rw.Layer(c, l, t0))
	}
	require.NoError(t, rw.Close(c))
	require.NoError(t, rw.Summary())

	var events []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 5)
	assert.Equal(t, EventOpen, events[0]["event"])
	assert.Equal(t, "2024-03-01T12:00:00Z", events[0]["ts"])
	assert.Equal(t, "ftp", events[1]["cat"])

	layer := events[2]["layer"].(map[string]any)
	assert.Equal(t, "request", layer["direction"])
	assert.Equal(t, "Request: USER alice", layer["name"])
	assert.Equal(t, []any{"User alice tried to log in"}, layer["lines"])

	assert.Equal(t, EventClose, events[4]["event"])
	conn := events[4]["connection"].(map[string]any)
	assert.NotContains(t, conn, "layers")
	assert.Equal(t, "closed", conn["close_reason"])
}

func TestWriter_YAML(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewWriter(&buf, "yaml")
	require.NoError(t, err)
	require.NoError(t, rw.Connection(sampleConnection(t)))
	require.NoError(t, rw.Flush())

	var ev struct {
		Event      string `yaml:"event"`
		Connection struct {
			Protocol string `yaml:"protocol"`
			Layers   []struct {
				Direction string   `yaml:"direction"`
				Lines     []string `yaml:"lines"`
			} `yaml:"layers"`
			Session struct {
				ExpectingPassword bool `yaml:"expecting_password"`
			} `yaml:"session"`
		} `yaml:"connection"`
	}
	require.NoError(t, yaml.NewDecoder(strings.NewReader(buf.String())).Decode(&ev))
	assert.Equal(t, EventFull, ev.Event)
	assert.Equal(t, "FTP", ev.Connection.Protocol)
	require.Len(t, ev.Connection.Layers, 3)
	assert.Equal(t, "response", ev.Connection.Layers[0].Direction)
	assert.Equal(t, []string{"Server requested password"}, ev.Connection.Layers[2].Lines)
	assert.True(t, ev.Connection.Session.ExpectingPassword)
}
