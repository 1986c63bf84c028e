package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piodmx/core"
	"piodmx/protocol"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newMonitor(stale time.Duration) (*Monitor, *clock) {
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := New(stale)
	m.now = clk.now
	return m, clk
}

func frame(rx uint8, slot int, v byte) protocol.Report {
	r := protocol.Report{Kind: protocol.KindFrame, Receiver: rx, Slot: slot}
	for i := range r.Frame {
		r.Frame[i] = v
	}
	return r
}

func TestApplyReportsChanges(t *testing.T) {
	m, _ := newMonitor(time.Second)

	assert.True(t, m.Apply(frame(0, 1, 0)), "first frame")
	assert.False(t, m.Apply(frame(0, 1, 0)))
	assert.True(t, m.Apply(frame(0, 1, 9)))
	assert.True(t, m.Apply(frame(1, 17, 9)), "other receiver")

	assert.False(t, m.Apply(protocol.Report{Kind: protocol.KindFault, Receiver: 1, Slot: 17, Faults: 3}))
	assert.False(t, m.Apply(protocol.Report{Kind: protocol.KindHello, Receivers: 2}))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(3), snap[0].Frames)
	assert.Equal(t, byte(9), snap[0].Frame[15])
	assert.Equal(t, 17, snap[1].Slot)
	assert.Equal(t, uint32(3), snap[1].Faults)
}

func TestStatsUpdateFaults(t *testing.T) {
	m, _ := newMonitor(0)
	m.Apply(protocol.Report{Kind: protocol.KindStats, Receiver: 2, Slot: 33,
		Stats: core.Stats{Frames: 10, Faults: 4}})

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint32(4), snap[0].Faults)
	assert.Equal(t, uint32(10), snap[0].Stats.Frames)
	assert.Zero(t, snap[0].Frames, "no frame seen yet")
	assert.Nil(t, m.Expire(), "staleness disabled")
}

func TestExpire(t *testing.T) {
	m, clk := newMonitor(time.Second)
	m.Apply(frame(0, 1, 1))
	m.Apply(frame(1, 17, 1))

	clk.t = clk.t.Add(500 * time.Millisecond)
	m.Apply(frame(1, 17, 2))
	assert.Empty(t, m.Expire())

	clk.t = clk.t.Add(600 * time.Millisecond)
	stale := m.Expire()
	require.Len(t, stale, 1)
	assert.Equal(t, uint8(0), stale[0].Receiver)
	assert.Empty(t, m.Expire(), "reported once")

	m.Apply(frame(0, 1, 1))
	assert.False(t, m.Snapshot()[0].Stale, "a frame revives it")
}

func TestExpireWithoutFrames(t *testing.T) {
	m, clk := newMonitor(time.Second)
	m.Apply(protocol.Report{Kind: protocol.KindFault, Receiver: 0, Slot: 1, Faults: 1})
	assert.Empty(t, m.Expire())

	clk.t = clk.t.Add(time.Second)
	stale := m.Expire()
	require.Len(t, stale, 1)
	assert.True(t, stale[0].Updated.IsZero(), "no frame yet")
	assert.Equal(t, clk.t.Add(-time.Second), stale[0].Seen)
}

func TestRow(t *testing.T) {
	w := Window{Receiver: 1, Slot: 17}
	for i := range w.Frame {
		w.Frame[i] = byte(i)
	}
	assert.Equal(t,
		"rx1  17-32  | 00 01 02 03 04 05 06 07 08 09 0a 0b 0c 0d 0e 0f |",
		Row(w))

	w.Stale = true
	assert.Contains(t, Row(w), "| stale")
}
