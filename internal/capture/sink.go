package capture

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

type pcapWriter interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

// Sink copies packets that pass the port filter into a capture file. The
// file is created on the first packet so its link type can be taken from
// the traffic.
type Sink struct {
	path    string
	format  string
	snapLen uint32

	mu      sync.Mutex
	file    *os.File
	w       pcapWriter
	ng      *pcapgo.NgWriter
	written int64
}

// NewSink validates format ("pcap" or "pcapng", default pcapng).
func NewSink(path, format string, snapLen int) (*Sink, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "pcapng"
	}
	if format != "pcap" && format != "pcapng" {
		return nil, fmt.Errorf("unknown dump format %q", format)
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	return &Sink{path: path, format: format, snapLen: uint32(snapLen)}, nil
}

// Written is the number of packets stored so far.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Sink) write(pkt gopacket.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		if err := s.open(linkTypeOf(pkt)); err != nil {
			return err
		}
	}
	ci := pkt.Metadata().CaptureInfo
	ci.InterfaceIndex = 0
	if err := s.w.WritePacket(ci, pkt.Data()); err != nil {
		return err
	}
	s.written++
	return nil
}

func (s *Sink) open(lt layers.LinkType) error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	if s.format == "pcap" {
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(s.snapLen, lt); err != nil {
			f.Close()
			return fmt.Errorf("write pcap header: %w", err)
		}
		s.w = w
	} else {
		w, err := pcapgo.NewNgWriter(f, lt)
		if err != nil {
			f.Close()
			return fmt.Errorf("write pcapng header: %w", err)
		}
		s.w, s.ng = w, w
	}
	s.file = f
	return nil
}

// Close flushes and closes the file. A sink that never saw a packet
// creates no file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	var err error
	if s.ng != nil {
		err = s.ng.Flush()
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file, s.w, s.ng = nil, nil, nil
	return err
}

func linkTypeOf(pkt gopacket.Packet) layers.LinkType {
	ll := pkt.LinkLayer()
	if ll == nil {
		return layers.LinkTypeRaw
	}
	switch ll.LayerType() {
	case layers.LayerTypeEthernet:
		return layers.LinkTypeEthernet
	case layers.LayerTypeLinuxSLL:
		return layers.LinkTypeLinuxSLL
	case layers.LayerTypeLoopback:
		return layers.LinkTypeNull
	default:
		return layers.LinkTypeEthernet
	}
}
