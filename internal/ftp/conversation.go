package ftp

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Conversation is the dissection state of a single connection. It must be
// fed from one goroutine.
type Conversation struct {
	d       *Dissector
	session Session
	layers  []Layer

	started         bool
	isResponse      bool
	insideMultiline bool
	multilineCode   string
}

// NewConversation starts a conversation at the server greeting.
func (d *Dissector) NewConversation() *Conversation {
	return &Conversation{d: d, session: NewSession(), isResponse: true}
}

// Session returns a copy of the current session state.
func (c *Conversation) Session() Session { return c.session }

// Multiline reports whether a multi-line reply is still open and its code.
func (c *Conversation) Multiline() (bool, string) { return c.insideMultiline, c.multilineCode }

// Feed dissects the next segment. Empty segments are ignored and yield false.
func (c *Conversation) Feed(segment []byte) (Layer, bool) {
	if len(segment) == 0 {
		return Layer{}, false
	}
	c.classify(segment)

	dir := Request
	if c.isResponse {
		dir = Response
	}
	layer := newLayer(dir, segment)
	text := string(layer.Payload)
	if dir == Response {
		layer.Lines = c.handleResponse(text)
	} else {
		layer.Lines = c.handleRequest(text)
	}
	c.d.metrics.observeLayer(dir)
	c.layers = append(c.layers, layer)
	return layer, true
}

// Result snapshots everything dissected so far.
func (c *Conversation) Result() *Dissection {
	layers := make([]Layer, len(c.layers))
	copy(layers, c.layers)
	return &Dissection{
		Protocol: ProtocolName,
		Summary:  Summary,
		Layers:   layers,
		Session:  c.session,
	}
}

func (c *Conversation) classify(segment []byte) {
	switch {
	case hasReplyCode(segment):
		c.isResponse = true
	case c.started && !c.insideMultiline:
		c.isResponse = !c.isResponse
	}
	c.started = true
}

func (c *Conversation) handleRequest(text string) []string {
	var lines []string
	for _, raw := range physicalLines(text) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		line, verb, known := dispatchCommand(&c.session, raw)
		c.d.metrics.observeCommand(verb, known)
		if !known {
			c.d.log.WithField("command", verb).Debug("ftp: unknown command")
		}
		lines = append(lines, line)
	}
	return lines
}

func (c *Conversation) handleResponse(text string) []string {
	if c.insideMultiline {
		if c.terminates(text) {
			c.endMultiline()
		}
		return nil
	}

	first := physicalLines(text)[0]
	if strings.TrimSpace(first) == "" {
		return nil
	}
	if len(text) >= 4 && text[3] == '-' && hasReplyCode([]byte(text)) {
		c.insideMultiline = true
		c.multilineCode = text[:3]
		c.d.metrics.observeMultiline()
		c.d.log.WithField("code", c.multilineCode).Debug("ftp: multi-line reply started")
		if c.terminates(text) {
			c.endMultiline()
		}
		first = first[:3] + " " + first[4:]
	}

	line, code, known := describeReply(first)
	c.d.metrics.observeReply(code, known)
	return []string{line}
}

// terminates looks for the end of the open multi-line reply: either the
// literal "<code> End" or a line starting with "<code> ".
func (c *Conversation) terminates(text string) bool {
	marker := c.multilineCode + " "
	if strings.Contains(text, marker+"End") {
		return true
	}
	for _, l := range physicalLines(text) {
		if strings.HasPrefix(l, marker) {
			return true
		}
	}
	return false
}

func (c *Conversation) endMultiline() {
	c.d.log.WithFields(logrus.Fields{"code": c.multilineCode}).Debug("ftp: multi-line reply finished")
	c.insideMultiline = false
	c.multilineCode = ""
}

func hasReplyCode(b []byte) bool {
	if len(b) < 3 {
		return false
	}
	for _, ch := range b[:3] {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// physicalLines splits on CRLF or bare LF. It always returns at least one
// element.
func physicalLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
