package ftp

import (
	"fmt"
	"strings"
)

// Direction tells which side of the control channel produced a segment.
type Direction int

const (
	Request Direction = iota
	Response
)

const (
	requestPrefix  = "Request: "
	responsePrefix = "Response: "
)

// Prefix is the label prepended to the segment text in a layer name.
func (d Direction) Prefix() string {
	if d == Response {
		return responsePrefix
	}
	return requestPrefix
}

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "request":
		*d = Request
	case "response":
		*d = Response
	default:
		return fmt.Errorf("ftp: unknown direction %q", b)
	}
	return nil
}

// terminatorLen is the CRLF every control-channel segment ends with.
const terminatorLen = 2

// Layer is one dissected segment.
type Layer struct {
	Direction Direction `json:"direction" yaml:"direction"`
	Name      string    `json:"name" yaml:"name"`
	Payload   []byte    `json:"-" yaml:"-"`
	Lines     []string  `json:"lines,omitempty" yaml:"lines,omitempty"`
}

// Text returns the payload without the direction prefix.
func (l Layer) Text() string { return strings.TrimPrefix(l.Name, l.Direction.Prefix()) }

func newLayer(dir Direction, segment []byte) Layer {
	n := len(segment) - terminatorLen
	if n < 0 {
		n = 0
	}
	payload := make([]byte, n)
	copy(payload, segment[:n])
	return Layer{
		Direction: dir,
		Name:      dir.Prefix() + string(payload),
		Payload:   payload,
	}
}
