package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// OpenFile opens a pcap or pcapng capture. The caller closes the returned
// closer once the source is drained.
func OpenFile(path string) (*gopacket.PacketSource, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture: %w", err)
	}
	src, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("read capture %s: %w", path, err)
	}
	return src, f, nil
}

// NewReader wraps a pcap or pcapng stream in a packet source.
func NewReader(r io.Reader) (*gopacket.PacketSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	var pr packetReader
	if bytes.Equal(magic, pcapngMagic) {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}

	src := gopacket.NewPacketSource(pr, pr.LinkType())
	src.Lazy = true
	return src, nil
}
