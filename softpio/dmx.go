package softpio

// BitTime is one DMX512 bit at 250 kbit/s, in sequencer cycles.
const BitTime = 4

// Timing of a generated DMX packet, in cycles (µs).
type Timing struct {
	MarkBeforeBreak  uint64
	Break            uint64
	MarkAfterBreak   uint64
	MarkBetweenSlots uint64
}

// DefaultTiming is a typical transmitter: twice the minimum BREAK and a
// 12 µs MARK AFTER BREAK.
func DefaultTiming() Timing {
	return Timing{
		MarkBeforeBreak:  20,
		Break:            176,
		MarkAfterBreak:   12,
		MarkBetweenSlots: 0,
	}
}

type frameOptions struct {
	timing    Timing
	startCode byte
	broken    map[int]bool
}

// FrameOption adjusts a generated packet.
type FrameOption func(*frameOptions)

func WithTiming(t Timing) FrameOption {
	return func(o *frameOptions) { o.timing = t }
}

func WithStartCode(code byte) FrameOption {
	return func(o *frameOptions) { o.startCode = code }
}

// WithBrokenStopBit pulls the first stop bit of a slot low. Slot -1 is the
// START CODE, 0 the first data slot.
func WithBrokenStopBit(slot int) FrameOption {
	return func(o *frameOptions) {
		if o.broken == nil {
			o.broken = make(map[int]bool)
		}
		o.broken[slot] = true
	}
}

// WriteFrame appends one complete packet: BREAK, MARK AFTER BREAK, START
// CODE and the given data slots.
func (w *Wire) WriteFrame(slots []byte, opts ...FrameOption) {
	o := frameOptions{timing: DefaultTiming()}
	for _, opt := range opts {
		opt(&o)
	}

	w.Break(o.timing)
	w.slot(o.startCode, !o.broken[-1])
	for i, b := range slots {
		if o.timing.MarkBetweenSlots > 0 {
			w.Idle(o.timing.MarkBetweenSlots)
		}
		w.slot(b, !o.broken[i])
	}
}

// Break appends the reset sequence: MARK BEFORE BREAK, BREAK and MARK AFTER
// BREAK.
func (w *Wire) Break(t Timing) {
	if t.MarkBeforeBreak > 0 {
		w.Idle(t.MarkBeforeBreak)
	}
	w.Drive(false, t.Break)
	w.Drive(true, t.MarkAfterBreak)
}

// Slot appends one well-formed 11-bit slot.
func (w *Wire) Slot(b byte) {
	w.slot(b, true)
}

// Idle holds the line at MARK.
func (w *Wire) Idle(cycles uint64) {
	w.Drive(true, cycles)
}

// slot sends the start bit, eight data bits LSB first and two stop bits.
func (w *Wire) slot(b byte, stopOK bool) {
	w.Drive(false, BitTime)
	for i := range 8 {
		w.Drive(b>>i&1 == 1, BitTime)
	}
	w.Drive(stopOK, BitTime)
	w.Drive(true, BitTime)
}
