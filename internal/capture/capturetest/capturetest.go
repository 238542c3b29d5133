// Package capturetest builds synthetic TCP captures for tests.
package capturetest

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

// Start is the timestamp of the first packet written by WritePcap.
var Start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Segment is one payload written by the client or the server.
type Segment struct {
	FromServer bool
	Payload    string
}

// Server and Client are shorthands for building segments.
func Server(p string) Segment { return Segment{FromServer: true, Payload: p} }
func Client(p string) Segment { return Segment{Payload: p} }

// Conn describes the endpoints of one TCP connection.
type Conn struct {
	Client, Server         string
	ClientPort, ServerPort uint16
}

// FTP returns a connection to port 21 from the given client port.
func FTP(clientPort uint16) Conn {
	return Conn{Client: "10.0.0.1", Server: "10.0.0.2", ClientPort: clientPort, ServerPort: 21}
}

// TCP is a single frame description.
type TCP struct {
	Src, Dst     string
	Sport, Dport uint16
	Seq, Ack     uint32
	SYN, ACK     bool
	FIN          bool
	Payload      string
}

// Frames returns the handshake, one frame per segment and, when fin is set,
// a FIN from each side.
func (c Conn) Frames(t testing.TB, segs []Segment, fin bool) [][]byte {
	t.Helper()
	cseq, sseq := uint32(100), uint32(500)
	var out [][]byte
	add := func(f TCP) { out = append(out, Serialize(t, f)) }
	fromClient := func(p string, syn, finFlag bool) TCP {
		return TCP{Src: c.Client, Dst: c.Server, Sport: c.ClientPort, Dport: c.ServerPort, Seq: cseq, Ack: sseq, SYN: syn, ACK: !syn, FIN: finFlag, Payload: p}
	}
	fromServer := func(p string, syn, finFlag bool) TCP {
		return TCP{Src: c.Server, Dst: c.Client, Sport: c.ServerPort, Dport: c.ClientPort, Seq: sseq, Ack: cseq, SYN: syn, ACK: true, FIN: finFlag, Payload: p}
	}

	add(fromClient("", true, false))
	cseq++
	add(fromServer("", true, false))
	sseq++
	add(fromClient("", false, false))

	for _, s := range segs {
		if s.FromServer {
			add(fromServer(s.Payload, false, false))
			sseq += uint32(len(s.Payload))
		} else {
			add(fromClient(s.Payload, false, false))
			cseq += uint32(len(s.Payload))
		}
	}
	if fin {
		add(fromClient("", false, true))
		cseq++
		add(fromServer("", false, true))
		sseq++
		add(fromClient("", false, false))
	}
	return out
}

// Serialize encodes an Ethernet/IPv4/TCP frame.
func Serialize(t testing.TB, f TCP) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(f.Src).To4(),
		DstIP:    net.ParseIP(f.Dst).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.Sport),
		DstPort: layers.TCPPort(f.Dport),
		Seq:     f.Seq,
		Ack:     f.Ack,
		SYN:     f.SYN,
		ACK:     f.ACK,
		FIN:     f.FIN,
		PSH:     f.Payload != "",
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte(f.Payload))))
	return buf.Bytes()
}

// WritePcap writes frames one millisecond apart starting at Start.
func WritePcap(t testing.TB, frames [][]byte) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     Start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &out
}

// WritePcapNg is WritePcap in pcapng format.
func WritePcapNg(t testing.TB, frames [][]byte) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w, err := pcapgo.NewNgWriter(&out, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:      Start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength:  len(data),
			Length:         len(data),
			InterfaceIndex: 0,
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, w.Flush())
	return &out
}
