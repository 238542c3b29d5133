// Package live opens network interfaces for capture through libpcap.
package live

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Config describes the sniffing interface.
type Config struct {
	Iface       string
	BPF         string
	SnapLen     int
	Promisc     bool
	BufferBytes int
}

// Handle wraps an activated pcap handle.
type Handle struct {
	h *pcap.Handle
}

// Open activates iface with the configured buffer and filter.
func Open(cfg Config) (*gopacket.PacketSource, *Handle, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Iface)
	if err != nil {
		return nil, nil, fmt.Errorf("pcap inactive handle: %w", err)
	}
	defer inactive.CleanUp()

	snap := cfg.SnapLen
	if snap <= 0 {
		snap = 65535
	}
	_ = inactive.SetSnapLen(snap)
	_ = inactive.SetPromisc(cfg.Promisc)
	// timed reads let the capture loop notice cancellation
	_ = inactive.SetTimeout(time.Second)
	if cfg.BufferBytes > 0 {
		_ = inactive.SetBufferSize(cfg.BufferBytes)
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, nil, fmt.Errorf("pcap activate %s: %w", cfg.Iface, err)
	}
	if cfg.BPF != "" {
		if err := h.SetBPFFilter(cfg.BPF); err != nil {
			h.Close()
			return nil, nil, fmt.Errorf("bpf filter: %w", err)
		}
	}

	src := gopacket.NewPacketSource(h, h.LinkType())
	src.NoCopy = true
	src.Lazy = true
	return src, &Handle{h: h}, nil
}

// Close releases the pcap handle.
func (h *Handle) Close() error {
	h.h.Close()
	return nil
}
