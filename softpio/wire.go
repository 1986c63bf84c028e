// Package softpio runs pioasm programs on a cycle-accurate software state
// machine clocked at 1 MHz against a recorded input line.
//
// Time is counted in sequencer cycles (microseconds). A Wire holds the
// line level from the moment it was created up to its present; machines
// run lazily, catching up to the present whenever the host looks at them,
// which is indistinguishable from free-running hardware for a host that
// only ever polls.
package softpio

import (
	"sort"
	"sync"
)

// compactAt is the edge count that triggers dropping history no machine
// can still read.
const compactAt = 4096

type edge struct {
	at    uint64
	level bool
}

// Wire is the recorded level of one input line. The line idles high
// (DMX MARK). Any number of machines may sample the same wire.
type Wire struct {
	mu sync.RWMutex

	initial bool   // level before the first recorded edge
	edges   []edge // strictly increasing times, alternating levels
	end     uint64 // levels are known for every t < end

	late     uint64 // edges recorded after the present had passed them
	machines map[*StateMachine]struct{}
}

// NewWire returns an idle line at time zero.
func NewWire() *Wire {
	return &Wire{
		initial:  true,
		machines: make(map[*StateMachine]struct{}),
	}
}

// Now returns the wire's present, in cycles.
func (w *Wire) Now() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.end
}

// Level returns the current line level.
func (w *Wire) Level() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastLevel()
}

// Late counts edges that arrived after the present had moved past them.
func (w *Wire) Late() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.late
}

// Drive holds level for the given number of cycles, starting at the
// present, and advances the present past it.
func (w *Wire) Drive(level bool, cycles uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appendEdge(w.end, level)
	w.end += cycles
	w.compact()
}

// Edge records a transition to level at an absolute time, as reported by
// an edge-capturing input. The present moves up to at. Edges older than
// the present are clamped to it and counted as late.
func (w *Wire) Edge(at uint64, level bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if at < w.end {
		w.late++
		at = w.end
	}
	w.appendEdge(at, level)
	w.end = at
	w.compact()
}

// AdvanceTo moves the present forward without a transition.
func (w *Wire) AdvanceTo(t uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t > w.end {
		w.end = t
	}
}

func (w *Wire) lastLevel() bool {
	if len(w.edges) == 0 {
		return w.initial
	}
	return w.edges[len(w.edges)-1].level
}

func (w *Wire) appendEdge(at uint64, level bool) {
	if level == w.lastLevel() {
		return
	}
	if n := len(w.edges); n > 0 && w.edges[n-1].at == at {
		// zero-length pulse: the earlier edge never lasted a cycle
		w.edges = w.edges[:n-1]
		if level == w.lastLevel() {
			return
		}
	}
	w.edges = append(w.edges, edge{at: at, level: level})
}

// levelAt returns the level at cycle t. Callers hold mu.
func (w *Wire) levelAt(t uint64) bool {
	i := sort.Search(len(w.edges), func(i int) bool { return w.edges[i].at > t })
	if i == 0 {
		return w.initial
	}
	return w.edges[i-1].level
}

// nextEdge returns the time of the first transition after t, or the
// present if none is recorded yet. Callers hold mu.
func (w *Wire) nextEdge(t uint64) uint64 {
	i := sort.Search(len(w.edges), func(i int) bool { return w.edges[i].at > t })
	if i == len(w.edges) {
		return w.end
	}
	return w.edges[i].at
}

// compact drops edges every attached machine has already passed.
// Callers hold mu for writing.
func (w *Wire) compact() {
	if len(w.edges) < compactAt {
		return
	}
	oldest := w.end
	for sm := range w.machines {
		if sm.now < oldest {
			oldest = sm.now
		}
	}
	i := sort.Search(len(w.edges), func(i int) bool { return w.edges[i].at > oldest })
	if i == 0 {
		return
	}
	w.initial = w.edges[i-1].level
	w.edges = append(w.edges[:0], w.edges[i:]...)
}

func (w *Wire) attach(sm *StateMachine) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.machines[sm] = struct{}{}
}

func (w *Wire) detach(sm *StateMachine) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.machines, sm)
}
