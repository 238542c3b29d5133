package service

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"stethoscope/internal/capture"
	"stethoscope/internal/ftp"
	"stethoscope/internal/report"
)

// connection is the tracked state of one TCP connection.
type connection struct {
	id        int
	key       string
	flow      capture.Flow // client to server
	firstSeen time.Time
	lastSeen  time.Time
	ended     map[capture.Direction]bool

	// streaming mode
	decided  bool
	declined bool
	conv     *ftp.Conversation

	// batch mode
	chunks []capture.Chunk

	layers []ftp.Layer
	reason string
}

func newConnection(id int, ch capture.Chunk) *connection {
	flow := ch.Flow
	if ch.Direction == capture.DirServerToClient {
		flow = flow.Reverse()
	}
	return &connection{
		id:        id,
		key:       ch.Key,
		flow:      flow,
		firstSeen: ch.SeenAt,
		lastSeen:  ch.SeenAt,
		ended:     map[capture.Direction]bool{},
	}
}

func (c *connection) closed() bool {
	return c.ended[capture.DirClientToServer] && c.ended[capture.DirServerToClient]
}

// batch returns the buffered segments ordered by capture time and the first
// server-side segment as probe.
func (c *connection) batch() (probe []byte, segments [][]byte) {
	sort.SliceStable(c.chunks, func(i, j int) bool {
		return c.chunks[i].SeenAt.Before(c.chunks[j].SeenAt)
	})
	segments = make([][]byte, 0, len(c.chunks))
	for _, ch := range c.chunks {
		if probe == nil && ch.Direction == capture.DirServerToClient {
			probe = ch.Data
		}
		segments = append(segments, ch.Data)
	}
	return probe, segments
}

func (c *connection) report() *report.Connection {
	rc := &report.Connection{
		ID:          c.id,
		Flow:        c.flow.String(),
		FirstSeen:   c.firstSeen,
		LastSeen:    c.lastSeen,
		Declined:    c.declined,
		CloseReason: c.reason,
		Layers:      c.layers,
	}
	if !c.declined {
		rc.Protocol = ftp.ProtocolName
		rc.Summary = ftp.Summary
	}
	if c.conv != nil {
		sess := c.conv.Session()
		rc.Session = &sess
	}
	return rc
}

func (c *connection) brief() map[string]any {
	m := map[string]any{
		"id":         c.id,
		"flow":       c.flow.String(),
		"first_seen": c.firstSeen.UTC().Format(time.RFC3339Nano),
		"last_seen":  c.lastSeen.UTC().Format(time.RFC3339Nano),
		"layers":     len(c.layers),
		"buffered":   len(c.chunks),
		"declined":   c.declined,
	}
	if c.conv != nil {
		m["user"] = c.conv.Session().User.Username
	}
	return m
}

// tracker bounds the number of live connections. Callers serialize access.
type tracker struct {
	cache  *lru.Cache[string, *connection]
	byID   map[int]string
	nextID int
}

func newTracker(size int, onClose func(*connection)) (*tracker, error) {
	t := &tracker{byID: map[int]string{}}
	cache, err := lru.NewWithEvict[string, *connection](size, func(key string, c *connection) {
		delete(t.byID, c.id)
		if c.reason == "" {
			c.reason = report.ReasonEvicted
		}
		onClose(c)
	})
	if err != nil {
		return nil, err
	}
	t.cache = cache
	return t, nil
}

// get returns the connection for ch, creating it on first sight.
func (t *tracker) get(ch capture.Chunk) (*connection, bool) {
	if c, ok := t.cache.Get(ch.Key); ok {
		return c, false
	}
	t.nextID++
	c := newConnection(t.nextID, ch)
	t.byID[c.id] = c.key
	t.cache.Add(c.key, c)
	return c, true
}

func (t *tracker) find(key string) (*connection, bool) {
	return t.cache.Get(key)
}

func (t *tracker) lookup(id int) (*connection, bool) {
	key, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return t.cache.Peek(key)
}

func (t *tracker) close(c *connection, reason string) {
	if c.reason == "" {
		c.reason = reason
	}
	t.cache.Remove(c.key)
}

// closeAll finalizes every open connection, oldest first.
func (t *tracker) closeAll(reason string) {
	for _, key := range t.cache.Keys() {
		if c, ok := t.cache.Peek(key); ok {
			t.close(c, reason)
		}
	}
}

func (t *tracker) open() []*connection {
	out := make([]*connection, 0, t.cache.Len())
	for _, key := range t.cache.Keys() {
		if c, ok := t.cache.Peek(key); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
