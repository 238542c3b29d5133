package capture

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"
	"github.com/sirupsen/logrus"
)

// Config controls packet filtering and reassembly.
type Config struct {
	// Ports are the server control ports. Packets touching none of them are
	// ignored; an empty list keeps every TCP packet.
	Ports []int
	// IdleTimeout flushes and closes streams without traffic for this long.
	// Zero disables periodic flushing.
	IdleTimeout time.Duration
	// DropOnFull drops chunks instead of blocking when the consumer lags.
	DropOnFull bool
	// Dump, when set, receives every packet that passes the port filter.
	Dump *Sink
}

// Capture drives TCP reassembly over a packet source and emits chunks.
type Capture struct {
	cfg       Config
	log       logrus.FieldLogger
	ports     map[uint16]bool
	assembler *tcpassembly.Assembler
	out       chan<- Chunk
	ctx       context.Context

	packets atomic.Int64
	dropped atomic.Int64
}

func New(cfg Config, log logrus.FieldLogger, out chan<- Chunk) *Capture {
	c := &Capture{cfg: cfg, log: log, out: out, ports: map[uint16]bool{}, ctx: context.Background()}
	for _, p := range cfg.Ports {
		c.ports[uint16(p)] = true
	}
	pool := tcpassembly.NewStreamPool(&streamFactory{c: c})
	c.assembler = tcpassembly.NewAssembler(pool)
	return c
}

// Run consumes src until it is exhausted or ctx is canceled, then flushes
// every stream and closes the output channel.
func (c *Capture) Run(ctx context.Context, src *gopacket.PacketSource) error {
	c.ctx = ctx
	defer close(c.out)

	var tick <-chan time.Time
	if c.cfg.IdleTimeout > 0 {
		ticker := time.NewTicker(c.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		tick = ticker.C
	}

	packets := src.Packets()
	for {
		if err := ctx.Err(); err != nil {
			c.finish()
			return err
		}
		select {
		case <-ctx.Done():
			c.finish()
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				c.finish()
				return nil
			}
			c.handlePacket(pkt)
		case <-tick:
			flushed, closed := c.assembler.FlushOlderThan(time.Now().Add(-c.cfg.IdleTimeout))
			if flushed > 0 || closed > 0 {
				c.log.WithFields(logrus.Fields{"flushed": flushed, "closed": closed}).Debug("idle streams flushed")
			}
		}
	}
}

// Stats returns packets assembled and chunks dropped so far.
func (c *Capture) Stats() (packets, dropped int64) { return c.packets.Load(), c.dropped.Load() }

func (c *Capture) finish() {
	closed := c.assembler.FlushAll()
	c.log.WithFields(logrus.Fields{"packets": c.packets.Load(), "closed_streams": closed, "dropped": c.dropped.Load()}).Info("capture finished")
}

func (c *Capture) handlePacket(pkt gopacket.Packet) {
	tcpL := pkt.Layer(layers.LayerTypeTCP)
	if tcpL == nil {
		return
	}
	t, _ := tcpL.(*layers.TCP)
	if t == nil {
		return
	}
	if len(c.ports) > 0 && !c.ports[uint16(t.SrcPort)] && !c.ports[uint16(t.DstPort)] {
		return
	}

	var netFlow gopacket.Flow
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		netFlow = ip.NetworkFlow()
	case *layers.IPv6:
		netFlow = ip.NetworkFlow()
	default:
		return
	}

	if c.cfg.Dump != nil {
		if err := c.cfg.Dump.write(pkt); err != nil {
			c.log.WithError(err).Warn("dump write failed; disabling dump")
			c.cfg.Dump = nil
		}
	}

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.packets.Add(1)
	c.assembler.AssembleWithTimestamp(netFlow, t, ts)
}

func (c *Capture) direction(srcPort, dstPort uint16) Direction {
	if c.ports[srcPort] && !c.ports[dstPort] {
		return DirServerToClient
	}
	if c.ports[dstPort] {
		return DirClientToServer
	}
	// Without a configured port the lower port is taken as the server.
	if srcPort < dstPort {
		return DirServerToClient
	}
	return DirClientToServer
}

func (c *Capture) emit(ch Chunk) {
	if c.cfg.DropOnFull {
		select {
		case c.out <- ch:
		default:
			c.dropped.Add(1)
			c.log.WithField("key", ch.Key).Warn("dropping chunk; output channel full")
		}
		return
	}
	select {
	case c.out <- ch:
	case <-c.ctx.Done():
	}
}

// streamFactory produces one halfStream per direction for the assembler.
type streamFactory struct {
	c *Capture
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src, dst := netFlow.Endpoints()
	tcpSrc, tcpDst := tcpFlow.Endpoints()
	flow := Flow{SrcIP: src.String(), DstIP: dst.String(), SrcPort: tcpSrc.String(), DstPort: tcpDst.String()}

	var sp, dp uint16
	if len(tcpSrc.Raw()) == 2 && len(tcpDst.Raw()) == 2 {
		sp = uint16(tcpSrc.Raw()[0])<<8 | uint16(tcpSrc.Raw()[1])
		dp = uint16(tcpDst.Raw()[0])<<8 | uint16(tcpDst.Raw()[1])
	}
	s := &halfStream{c: f.c, flow: flow, key: flow.Key(), dir: f.c.direction(sp, dp)}
	f.c.log.WithFields(logrus.Fields{"flow": flow.String(), "direction": s.dir}).Debug("new stream")
	return s
}

// halfStream forwards reassembled bytes of one direction as chunks.
type halfStream struct {
	c    *Capture
	flow Flow
	key  string
	dir  Direction
}

func (s *halfStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip != 0 {
			s.c.log.WithFields(logrus.Fields{"flow": s.flow.String(), "skip": r.Skip}).Debug("gap in stream")
		}
		if len(r.Bytes) == 0 {
			continue
		}
		// The assembler reuses r.Bytes after this call returns.
		data := make([]byte, len(r.Bytes))
		copy(data, r.Bytes)
		s.c.emit(Chunk{Key: s.key, Flow: s.flow, Direction: s.dir, Data: data, SeenAt: r.Seen})
	}
}

func (s *halfStream) ReassemblyComplete() {
	s.c.emit(Chunk{Key: s.key, Flow: s.flow, Direction: s.dir, End: true, SeenAt: time.Now()})
}
