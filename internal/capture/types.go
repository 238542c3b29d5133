package capture

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Direction enumerates stream directions relative to the FTP server port.
type Direction string

const (
	DirClientToServer Direction = "c2s"
	DirServerToClient Direction = "s2c"
)

// Flow identifies one direction of a TCP connection.
type Flow struct {
	SrcIP   string `json:"src_ip" yaml:"src_ip"`
	SrcPort string `json:"src_port" yaml:"src_port"`
	DstIP   string `json:"dst_ip" yaml:"dst_ip"`
	DstPort string `json:"dst_port" yaml:"dst_port"`
}

func (f Flow) String() string {
	return net.JoinHostPort(f.SrcIP, f.SrcPort) + " -> " + net.JoinHostPort(f.DstIP, f.DstPort)
}

// Reverse swaps source and destination.
func (f Flow) Reverse() Flow {
	return Flow{SrcIP: f.DstIP, SrcPort: f.DstPort, DstIP: f.SrcIP, DstPort: f.SrcPort}
}

// Key names the connection independently of direction.
func (f Flow) Key() string {
	a := net.JoinHostPort(f.SrcIP, f.SrcPort)
	b := net.JoinHostPort(f.DstIP, f.DstPort)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Chunk is one reassembled payload piece, or the end of one half of a
// connection when End is set.
type Chunk struct {
	Key       string
	Flow      Flow
	Direction Direction
	Data      []byte
	SeenAt    time.Time
	End       bool
}

// BPFForPorts builds a capture filter matching TCP traffic on ports.
func BPFForPorts(ports []int) string {
	if len(ports) == 0 {
		return "tcp"
	}
	return "tcp and " + portClause(ports)
}

// FormatBPF expands a user filter template. "{ports}" is replaced by the
// port clause; an empty template falls back to BPFForPorts.
func FormatBPF(tpl string, ports []int) string {
	tpl = strings.TrimSpace(tpl)
	if tpl == "" {
		return BPFForPorts(ports)
	}
	clause := "tcp"
	if len(ports) > 0 {
		clause = portClause(ports)
	}
	return strings.NewReplacer("{ports}", clause).Replace(tpl)
}

func portClause(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("port %d", p)
	}
	return "(" + strings.Join(parts, " or ") + ")"
}
