// Package monitor keeps the latest window of every receiver and notices
// when one stops updating.
package monitor

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"piodmx/core"
	"piodmx/protocol"
)

// Window is what is known about one receiver
type Window struct {
	Receiver uint8
	Slot     int
	Frame    core.Frame
	Seen     time.Time // first report of any kind
	Updated  time.Time // last frame; zero before the first
	Frames   uint64    // frames seen here
	Faults   uint32    // last count the receiver reported
	Stats    core.Stats
	Stale    bool
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	windows map[uint8]*Window
	stale   time.Duration
	now     func() time.Time
}

// New returns a monitor that calls a window stale after the given time
// without a frame. Zero disables staleness.
func New(stale time.Duration) *Monitor {
	return &Monitor{
		windows: make(map[uint8]*Window),
		stale:   stale,
		now:     time.Now,
	}
}

func (m *Monitor) window(r protocol.Report) *Window {
	w, ok := m.windows[r.Receiver]
	if !ok {
		w = &Window{Receiver: r.Receiver, Seen: m.now()}
		m.windows[r.Receiver] = w
	}
	w.Slot = r.Slot
	return w
}

// Apply records a report. It returns true when a frame's content differs
// from the previous one for its receiver, or is the first.
func (m *Monitor) Apply(r protocol.Report) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.Kind {
	case protocol.KindFrame:
		w := m.window(r)
		changed := w.Frames == 0 || w.Frame != r.Frame
		w.Frame = r.Frame
		w.Frames++
		w.Updated = m.now()
		w.Stale = false
		return changed
	case protocol.KindFault:
		m.window(r).Faults = r.Faults
	case protocol.KindStats:
		w := m.window(r)
		w.Stats = r.Stats
		w.Faults = r.Stats.Faults
	}
	return false
}

// Expire marks windows stale and returns the ones that just became so.
// A window that never had a frame goes stale a full period after its
// first report.
func (m *Monitor) Expire() []Window {
	if m.stale <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Window
	for _, w := range m.windows {
		last := w.Updated
		if last.IsZero() {
			last = w.Seen
		}
		if !w.Stale && now.Sub(last) >= m.stale {
			w.Stale = true
			out = append(out, *w)
		}
	}
	sortWindows(out)
	return out
}

// Snapshot returns a copy of every window, ordered by receiver.
func (m *Monitor) Snapshot() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, *w)
	}
	sortWindows(out)
	return out
}

func sortWindows(ws []Window) {
	slices.SortFunc(ws, func(a, b Window) int { return int(a.Receiver) - int(b.Receiver) })
}

// Row formats a window as one line: receiver, first slot and the 16 values
// in hex.
func Row(w Window) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "rx%d %3d-%-3d |", w.Receiver, w.Slot, w.Slot+core.WindowSlots-1)
	for _, b := range w.Frame {
		fmt.Fprintf(&sb, " %02x", b)
	}
	sb.WriteString(" |")
	if w.Stale {
		sb.WriteString(" stale")
	}
	return sb.String()
}
