// Package controlplane serves a single-client TCP JSON-lines interface for
// inspecting and steering a running capture.
package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const queueSize = 10000

// Callbacks let the service answer queries. Any of them may be nil.
type Callbacks struct {
	Stats           func() map[string]any
	ListConnections func() []map[string]any
	GetConnection   func(id int) map[string]any
	CloseConnection func(id int, reason string) bool
}

// ControlPlane accepts one client at a time; a new client replaces the old one.
type ControlPlane struct {
	BindIP string
	Port   int
	Log    logrus.FieldLogger

	serverMu sync.Mutex
	listener net.Listener

	clientMu     sync.Mutex
	clientConn   net.Conn
	clientClosed bool

	events chan map[string]any

	bytesOut      atomic.Int64
	eventsDropped atomic.Int64

	defaultCats map[string]bool
	cats        map[string]bool

	cbMu sync.Mutex
	cb   Callbacks
}

// New creates a control plane subscribed to defaultCats. It does not listen
// until Start.
func New(bindIP string, port int, log logrus.FieldLogger, defaultCats []string) *ControlPlane {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dc := toSet(defaultCats)
	cats := map[string]bool{}
	for k := range dc {
		cats[k] = true
	}
	return &ControlPlane{
		BindIP:      bindIP,
		Port:        port,
		Log:         log,
		events:      make(chan map[string]any, queueSize),
		defaultCats: dc,
		cats:        cats,
	}
}

func (cp *ControlPlane) SetCallbacks(cb Callbacks) {
	cp.cbMu.Lock()
	defer cp.cbMu.Unlock()
	cp.cb = cb
}

func (cp *ControlPlane) BytesOut() int64      { return cp.bytesOut.Load() }
func (cp *ControlPlane) EventsDropped() int64 { return cp.eventsDropped.Load() }

// Connected reports whether a client is attached.
func (cp *ControlPlane) Connected() bool {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	return cp.clientConn != nil && !cp.clientClosed
}

func (cp *ControlPlane) CatEnabled(cat string) bool {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	return cp.cats[cat]
}

func (cp *ControlPlane) Cats() []string {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	return sortedKeys(cp.cats)
}

func (cp *ControlPlane) ResetSubscribe() {
	cp.clientMu.Lock()
	defer cp.clientMu.Unlock()
	cp.cats = map[string]bool{}
	for k := range cp.defaultCats {
		cp.cats[k] = true
	}
}

func (cp *ControlPlane) Subscribe(cats []string) {
	m := toSet(cats)
	cp.clientMu.Lock()
	cp.cats = m
	cp.clientMu.Unlock()
}

// Emit queues an event for the client if one is attached and subscribed to cat.
func (cp *ControlPlane) Emit(cat, event string, payload map[string]any) {
	if !cp.Connected() || !cp.CatEnabled(cat) {
		return
	}
	ev := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		ev[k] = v
	}
	ev["ts"] = utcISONow()
	ev["cat"] = cat
	ev["event"] = event
	cp.EmitRaw(ev)
}

// EmitRaw queues ev without filtering. Events are dropped when the queue is full.
func (cp *ControlPlane) EmitRaw(ev map[string]any) {
	select {
	case cp.events <- ev:
	default:
		cp.eventsDropped.Add(1)
	}
}

// Start listens and serves until ctx is done or Close is called.
func (cp *ControlPlane) Start(ctx context.Context) error {
	addr := net.JoinHostPort(cp.BindIP, strconv.Itoa(cp.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	cp.serverMu.Lock()
	cp.listener = ln
	cp.serverMu.Unlock()

	cp.Log.WithField("addr", ln.Addr().String()).Info("control plane listening")
	stop := ctx.Done()
	go cp.eventPump(stop)
	go cp.acceptLoop(stop)
	go func() {
		<-stop
		cp.Close()
	}()
	return nil
}

// Addr is the bound listener address, or nil before Start.
func (cp *ControlPlane) Addr() net.Addr {
	cp.serverMu.Lock()
	defer cp.serverMu.Unlock()
	if cp.listener == nil {
		return nil
	}
	return cp.listener.Addr()
}

func (cp *ControlPlane) Close() {
	cp.serverMu.Lock()
	ln := cp.listener
	cp.listener = nil
	cp.serverMu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	cp.clientMu.Lock()
	if cp.clientConn != nil {
		_ = cp.clientConn.Close()
		cp.clientConn = nil
		cp.clientClosed = true
	}
	cp.clientMu.Unlock()
}

func (cp *ControlPlane) acceptLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		cp.serverMu.Lock()
		ln := cp.listener
		cp.serverMu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			// listener closed
			return
		}
		go cp.handleClient(conn)
	}
}

func (cp *ControlPlane) handleClient(conn net.Conn) {
	peer := conn.RemoteAddr().String()

	cp.clientMu.Lock()
	if cp.clientConn != nil {
		_ = cp.clientConn.Close()
	}
	cp.clientConn = conn
	cp.clientClosed = false
	cp.clientMu.Unlock()

	cp.Log.WithField("peer", peer).Info("control client connected")
	cp.EmitRaw(map[string]any{"ts": utcISONow(), "cat": "control", "event": "control_connected", "peer": peer})

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var cmd map[string]any
		if err := json.Unmarshal(line, &cmd); err != nil {
			cp.EmitRaw(map[string]any{"ts": utcISONow(), "cat": "control", "event": "control_error", "error": "bad_json"})
			continue
		}
		cp.handleCmd(cmd)
	}

	cp.clientMu.Lock()
	if cp.clientConn == conn {
		cp.clientConn = nil
		cp.clientClosed = true
	}
	cp.clientMu.Unlock()
	_ = conn.Close()
	cp.Log.WithField("peer", peer).Info("control client disconnected")
}

func (cp *ControlPlane) reply(replyTo string, payload map[string]any) {
	ev := map[string]any{"ts": utcISONow(), "cat": "control", "event": "control_reply", "reply_to": replyTo}
	for k, v := range payload {
		ev[k] = v
	}
	cp.EmitRaw(ev)
}

func (cp *ControlPlane) handleCmd(cmd map[string]any) {
	c := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", cmd["cmd"])))

	cp.cbMu.Lock()
	cb := cp.cb
	cp.cbMu.Unlock()

	switch c {
	case "ping", "hello":
		cp.reply(c, map[string]any{"ok": true})
	case "stats":
		s := map[string]any{}
		if cb.Stats != nil {
			s = cb.Stats()
		}
		s["control_bytes_out"] = cp.BytesOut()
		s["control_events_dropped"] = cp.EventsDropped()
		cp.reply(c, map[string]any{"ok": true, "stats": s})
	case "subscribe":
		lst, ok := cmd["cats"].([]any)
		if !ok {
			cp.reply(c, map[string]any{"ok": false, "error": "cats must be list"})
			return
		}
		cats := make([]string, 0, len(lst))
		for _, x := range lst {
			cats = append(cats, fmt.Sprintf("%v", x))
		}
		cp.Subscribe(cats)
		cp.reply(c, map[string]any{"ok": true, "cats": cp.Cats()})
	case "subscribe_default":
		cp.ResetSubscribe()
		cp.reply(c, map[string]any{"ok": true, "cats": cp.Cats()})
	case "list_connections":
		lst := []map[string]any{}
		if cb.ListConnections != nil {
			lst = cb.ListConnections()
		}
		cp.reply(c, map[string]any{"ok": true, "connections": lst})
	case "get_connection":
		id, ok := connectionID(cmd)
		if !ok {
			cp.reply(c, map[string]any{"ok": false, "error": "missing_connection_id"})
			return
		}
		var s map[string]any
		if cb.GetConnection != nil {
			s = cb.GetConnection(id)
		}
		if len(s) == 0 {
			cp.reply(c, map[string]any{"ok": false, "error": "not_found"})
			return
		}
		cp.reply(c, map[string]any{"ok": true, "connection": s})
	case "close_connection":
		id, ok := connectionID(cmd)
		if !ok {
			cp.reply(c, map[string]any{"ok": false, "error": "missing_connection_id"})
			return
		}
		closed := false
		if cb.CloseConnection != nil {
			closed = cb.CloseConnection(id, "control_close")
		}
		cp.reply(c, map[string]any{"ok": closed, "connection_id": id})
	default:
		cp.reply(c, map[string]any{"ok": false, "error": "unknown_cmd"})
	}
}

func (cp *ControlPlane) eventPump(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-cp.events:
			cp.writeEvent(ev)
		}
	}
}

func (cp *ControlPlane) writeEvent(ev map[string]any) {
	cp.clientMu.Lock()
	conn := cp.clientConn
	closed := cp.clientClosed
	cp.clientMu.Unlock()
	if conn == nil || closed {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		cp.Log.WithError(err).Warn("control plane: dropping unencodable event")
		return
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		return
	}
	cp.bytesOut.Add(int64(len(b)))
}

func connectionID(cmd map[string]any) (int, bool) {
	switch v := cmd["connection_id"].(type) {
	case float64:
		return int(v), true
	case string:
		id, err := strconv.Atoi(strings.TrimSpace(v))
		return id, err == nil
	}
	return 0, false
}

func toSet(xs []string) map[string]bool {
	m := map[string]bool{}
	for _, x := range xs {
		x = strings.TrimSpace(x)
		if x != "" {
			m[x] = true
		}
	}
	return m
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func utcISONow() string { return time.Now().UTC().Format("2006-01-02T15:04:05Z") }
