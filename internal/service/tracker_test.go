package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stethoscope/internal/capture"
	"stethoscope/internal/report"
)

func chunk(key string, dir capture.Direction, data string, at time.Duration) capture.Chunk {
	flow := capture.Flow{SrcIP: "10.0.0.1", SrcPort: "40000", DstIP: "10.0.0.2", DstPort: "21"}
	if dir == capture.DirServerToClient {
		flow = flow.Reverse()
	}
	return capture.Chunk{Key: key, Flow: flow, Direction: dir, Data: []byte(data), SeenAt: time.Unix(0, 0).Add(at)}
}

func TestConnection_BatchOrdersByCaptureTime(t *testing.T) {
	c := newConnection(1, chunk("k", capture.DirClientToServer, "USER a\r\n", 2*time.Millisecond))
	c.chunks = []capture.Chunk{
		chunk("k", capture.DirClientToServer, "USER a\r\n", 2*time.Millisecond),
		chunk("k", capture.DirServerToClient, "220 hi\r\n", time.Millisecond),
		chunk("k", capture.DirServerToClient, "331 pw\r\n", 3*time.Millisecond),
	}
	probe, segs := c.batch()
	assert.Equal(t, "220 hi\r\n", string(probe))
	require.Len(t, segs, 3)
	assert.Equal(t, "220 hi\r\n", string(segs[0]))
	assert.Equal(t, "USER a\r\n", string(segs[1]))

	assert.Equal(t, "10.0.0.1:40000 -> 10.0.0.2:21", c.flow.String())
}

func TestTracker_EvictsOldest(t *testing.T) {
	var closed []*connection
	tr, err := newTracker(2, func(c *connection) { closed = append(closed, c) })
	require.NoError(t, err)

	a, created := tr.get(chunk("a", capture.DirServerToClient, "220\r\n", 0))
	assert.True(t, created)
	_, created = tr.get(chunk("a", capture.DirClientToServer, "USER\r\n", 0))
	assert.False(t, created)
	tr.get(chunk("b", capture.DirServerToClient, "220\r\n", 0))
	tr.get(chunk("c", capture.DirServerToClient, "220\r\n", 0))

	require.Len(t, closed, 1)
	assert.Same(t, a, closed[0])
	assert.Equal(t, report.ReasonEvicted, a.reason)
	_, ok := tr.lookup(a.id)
	assert.False(t, ok)

	b, ok := tr.lookup(2)
	require.True(t, ok)
	tr.close(b, report.ReasonControl)
	assert.Equal(t, report.ReasonControl, closed[1].reason)

	tr.closeAll(report.ReasonEOF)
	require.Len(t, closed, 3)
	assert.Equal(t, report.ReasonEOF, closed[2].reason)
	assert.Empty(t, tr.open())
}
