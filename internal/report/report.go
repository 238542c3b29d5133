// Package report renders dissected connections as text, JSON lines or YAML
// documents.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"stethoscope/internal/config"
	"stethoscope/internal/ftp"
)

// Close reasons.
const (
	ReasonClosed   = "closed"
	ReasonEvicted  = "evicted"
	ReasonEOF      = "end_of_input"
	ReasonControl  = "control_close"
	ReasonDeclined = "declined"
)

// Connection is what gets reported for one tracked TCP connection.
type Connection struct {
	ID          int          `json:"id" yaml:"id"`
	Flow        string       `json:"flow" yaml:"flow"`
	Protocol    string       `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Summary     string       `json:"summary,omitempty" yaml:"summary,omitempty"`
	FirstSeen   time.Time    `json:"first_seen" yaml:"first_seen"`
	LastSeen    time.Time    `json:"last_seen" yaml:"last_seen"`
	Declined    bool         `json:"declined,omitempty" yaml:"declined,omitempty"`
	CloseReason string       `json:"close_reason,omitempty" yaml:"close_reason,omitempty"`
	Layers      []ftp.Layer  `json:"layers,omitempty" yaml:"layers,omitempty"`
	Session     *ftp.Session `json:"session,omitempty" yaml:"session,omitempty"`
}

// Event is the JSON/YAML envelope, shaped like the control plane events.
type Event struct {
	TS         string      `json:"ts" yaml:"ts"`
	Cat        string      `json:"cat" yaml:"cat"`
	Event      string      `json:"event" yaml:"event"`
	ID         int         `json:"id" yaml:"id"`
	Flow       string      `json:"flow" yaml:"flow"`
	Layer      *ftp.Layer  `json:"layer,omitempty" yaml:"layer,omitempty"`
	Connection *Connection `json:"connection,omitempty" yaml:"connection,omitempty"`
}

// Event names.
const (
	EventOpen     = "connection_open"
	EventLayer    = "layer"
	EventClose    = "connection_close"
	EventDeclined = "connection_declined"
	EventFull     = "connection"
)

// Writer serializes report output. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	enc    *yaml.Encoder
	rows   []Connection
}

// NewWriter validates format and wraps w.
func NewWriter(w io.Writer, format string) (*Writer, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	rw := &Writer{w: w, format: format}
	switch format {
	case config.FormatText, config.FormatJSON:
	case config.FormatYAML:
		rw.enc = yaml.NewEncoder(w)
		rw.enc.SetIndent(2)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
	return rw, nil
}

// Format returns the normalized output format.
func (rw *Writer) Format() string { return rw.format }

// Open announces a connection whose layers will follow one by one.
func (rw *Writer) Open(c *Connection) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.format == config.FormatText {
		return rw.textHeader(c)
	}
	return rw.event(Event{TS: utcISO(c.FirstSeen), Cat: "ftp", Event: EventOpen, ID: c.ID, Flow: c.Flow})
}

// Layer reports a single layer of an opened connection.
func (rw *Writer) Layer(c *Connection, l ftp.Layer, seen time.Time) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.format == config.FormatText {
		return rw.textLayer(l)
	}
	return rw.event(Event{TS: utcISO(seen), Cat: "ftp", Event: EventLayer, ID: c.ID, Flow: c.Flow, Layer: &l})
}

// Close finishes a connection announced with Open. Layers already reported
// are not repeated.
func (rw *Writer) Close(c *Connection) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.rows = append(rw.rows, *c)
	if rw.format == config.FormatText {
		return rw.textFooter(c)
	}
	brief := *c
	brief.Layers = nil
	ev := EventClose
	if c.Declined {
		ev = EventDeclined
	}
	return rw.event(Event{TS: utcISO(c.LastSeen), Cat: "ftp", Event: ev, ID: c.ID, Flow: c.Flow, Connection: &brief})
}

// Connection reports a complete connection at once.
func (rw *Writer) Connection(c *Connection) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.rows = append(rw.rows, *c)
	if rw.format != config.FormatText {
		ev := EventFull
		if c.Declined {
			ev = EventDeclined
		}
		return rw.event(Event{TS: utcISO(c.LastSeen), Cat: "ftp", Event: ev, ID: c.ID, Flow: c.Flow, Connection: c})
	}
	if err := rw.textHeader(c); err != nil {
		return err
	}
	for _, l := range c.Layers {
		if err := rw.textLayer(l); err != nil {
			return err
		}
	}
	return rw.textFooter(c)
}

// Summary renders the table of every connection reported so far. Only the
// text format has one.
func (rw *Writer) Summary() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.format != config.FormatText || len(rw.rows) == 0 {
		return nil
	}
	table := tablewriter.NewWriter(rw.w)
	table.SetHeader([]string{"ID", "Flow", "Protocol", "Layers", "User", "Closed"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, c := range rw.rows {
		table.Append(summaryRow(c))
	}
	table.Render()
	return nil
}

// Flush closes the YAML stream, if any.
func (rw *Writer) Flush() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.enc != nil {
		return rw.enc.Close()
	}
	return nil
}

func summaryRow(c Connection) []string {
	proto, user := "-", "-"
	switch {
	case c.Declined:
		proto = "declined"
	case c.Protocol != "":
		proto = c.Protocol
	}
	if c.Session != nil && c.Session.User.Username != "" {
		user = c.Session.User.Username
	}
	return []string{strconv.Itoa(c.ID), c.Flow, proto, strconv.Itoa(len(c.Layers)), user, c.CloseReason}
}

func (rw *Writer) event(ev Event) error {
	if rw.format == config.FormatYAML {
		return rw.enc.Encode(ev)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = rw.w.Write(b)
	return err
}

func (rw *Writer) textHeader(c *Connection) error {
	_, err := fmt.Fprintf(rw.w, "=== connection %d %s ===\n", c.ID, c.Flow)
	return err
}

func (rw *Writer) textLayer(l ftp.Layer) error {
	if _, err := fmt.Fprintf(rw.w, "[%s]\n", l.Name); err != nil {
		return err
	}
	for _, line := range l.Lines {
		if _, err := fmt.Fprintf(rw.w, "    %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func (rw *Writer) textFooter(c *Connection) error {
	if c.Declined {
		_, err := fmt.Fprintf(rw.w, "--- not FTP, %s\n\n", c.CloseReason)
		return err
	}
	_, err := fmt.Fprintf(rw.w, "--- %s: %s, %d layers, %s\n\n", c.Protocol, c.Summary, len(c.Layers), c.CloseReason)
	return err
}

func utcISO(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
