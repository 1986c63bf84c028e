package core

import "fmt"

// DMX512 universe geometry
const (
	UniverseSlots = 512
	WindowSlots   = 16
	FrameWords    = WindowSlots / 4 // 32-bit RX FIFO words per frame

	// MaxOffset is the highest internal offset that still leaves a full
	// window inside the universe.
	MaxOffset = UniverseSlots - WindowSlots
)

// Frame holds the 16 slots of one window, in ascending slot order, all
// taken from a single physical DMX frame.
type Frame [WindowSlots]byte

// UnpackFrame rebuilds a frame from the RX FIFO words. The decoder shifts
// right with a 32-bit autopush, so each word carries four slots with the
// earliest one in the low byte.
func UnpackFrame(words [FrameWords]uint32) Frame {
	var f Frame
	for i, w := range words {
		f[i*4] = byte(w)
		f[i*4+1] = byte(w >> 8)
		f[i*4+2] = byte(w >> 16)
		f[i*4+3] = byte(w >> 24)
	}
	return f
}

// Bytes returns a copy of the slot values.
func (f *Frame) Bytes() []byte {
	b := make([]byte, WindowSlots)
	copy(b, f[:])
	return b
}

// Slot returns the value of a public slot number, given the public number
// of the window's first slot.
func (f *Frame) Slot(first, slot int) (byte, bool) {
	i := slot - first
	if i < 0 || i >= WindowSlots {
		return 0, false
	}
	return f[i], true
}

func (f Frame) String() string {
	return fmt.Sprintf("% x", f[:])
}
