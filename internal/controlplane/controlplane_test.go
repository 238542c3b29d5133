package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlane() *ControlPlane {
	log, _ := test.NewNullLogger()
	return New("127.0.0.1", 0, log, []string{"ftp", "control"})
}

func nextEvent(t *testing.T, cp *ControlPlane) map[string]any {
	t.Helper()
	select {
	case ev := <-cp.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event queued")
		return nil
	}
}

func TestHandleCmd(t *testing.T) {
	cp := newTestPlane()
	var closedID int
	var closedReason string
	cp.SetCallbacks(Callbacks{
		Stats: func() map[string]any { return map[string]any{"connections_open": 2} },
		ListConnections: func() []map[string]any {
			return []map[string]any{{"id": 1}, {"id": 2}}
		},
		GetConnection: func(id int) map[string]any {
			if id == 1 {
				return map[string]any{"id": 1}
			}
			return nil
		},
		CloseConnection: func(id int, reason string) bool {
			closedID, closedReason = id, reason
			return id == 1
		},
	})

	tests := []struct {
		name  string
		cmd   map[string]any
		check func(t *testing.T, ev map[string]any)
	}{
		{"ping", map[string]any{"cmd": "PING"}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, "ping", ev["reply_to"])
			assert.Equal(t, true, ev["ok"])
		}},
		{"stats", map[string]any{"cmd": "stats"}, func(t *testing.T, ev map[string]any) {
			s := ev["stats"].(map[string]any)
			assert.Equal(t, 2, s["connections_open"])
			assert.Contains(t, s, "control_events_dropped")
		}},
		{"subscribe", map[string]any{"cmd": "subscribe", "cats": []any{"ftp", " "}}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, []string{"ftp"}, ev["cats"])
		}},
		{"subscribe bad", map[string]any{"cmd": "subscribe", "cats": "ftp"}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, false, ev["ok"])
		}},
		{"subscribe default", map[string]any{"cmd": "subscribe_default"}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, []string{"control", "ftp"}, ev["cats"])
		}},
		{"list", map[string]any{"cmd": "list_connections"}, func(t *testing.T, ev map[string]any) {
			assert.Len(t, ev["connections"], 2)
		}},
		{"get", map[string]any{"cmd": "get_connection", "connection_id": float64(1)}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, true, ev["ok"])
		}},
		{"get missing", map[string]any{"cmd": "get_connection", "connection_id": "9"}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, "not_found", ev["error"])
		}},
		{"get no id", map[string]any{"cmd": "get_connection"}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, "missing_connection_id", ev["error"])
		}},
		{"close", map[string]any{"cmd": "close_connection", "connection_id": float64(1)}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, true, ev["ok"])
			assert.Equal(t, 1, closedID)
			assert.Equal(t, "control_close", closedReason)
		}},
		{"no close alias", map[string]any{"cmd": "close", "connection_id": float64(1)}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, "unknown_cmd", ev["error"])
		}},
		{"unknown", map[string]any{"cmd": "reboot"}, func(t *testing.T, ev map[string]any) {
			assert.Equal(t, "unknown_cmd", ev["error"])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp.handleCmd(tt.cmd)
			ev := nextEvent(t, cp)
			assert.Equal(t, "control_reply", ev["event"])
			tt.check(t, ev)
		})
	}
}

func TestEmit_FiltersWithoutClient(t *testing.T) {
	cp := newTestPlane()
	cp.Emit("ftp", "layer", map[string]any{"id": 1})
	select {
	case ev := <-cp.events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestEmitRaw_DropsWhenFull(t *testing.T) {
	cp := newTestPlane()
	for i := 0; i < queueSize+3; i++ {
		cp.EmitRaw(map[string]any{"i": i})
	}
	assert.EqualValues(t, 3, cp.EventsDropped())
}

func TestServe_RoundTrip(t *testing.T) {
	cp := newTestPlane()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cp.Start(ctx))

	conn, err := net.Dial("tcp", cp.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	r := bufio.NewReader(conn)
	var ev map[string]any
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &ev))
	assert.Equal(t, "control_connected", ev["event"])

	_, err = conn.Write([]byte(`{"cmd":"ping"}` + "\n"))
	require.NoError(t, err)
	line, err = r.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &ev))
	assert.Equal(t, "control_reply", ev["event"])
	assert.Equal(t, "ping", ev["reply_to"])

	require.Eventually(t, cp.Connected, time.Second, 10*time.Millisecond)
	cp.Emit("ftp", "layer", map[string]any{"id": 7})
	line, err = r.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &ev))
	assert.Equal(t, "layer", ev["event"])
	assert.EqualValues(t, 7, ev["id"])
	assert.Greater(t, cp.BytesOut(), int64(0))
}
