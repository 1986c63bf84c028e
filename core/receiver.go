package core

import (
	"fmt"
	"iter"
)

// ReceiverConfig configures one 16-slot receiver
type ReceiverConfig struct {
	// Pin carries the single-ended DMX signal
	Pin GPIOPin

	// OneBased numbers public slots from 1 instead of 0
	OneBased bool

	// Offset is the internal, 0-based, even offset of the first slot
	Offset int

	// Revision selects the minimum MARK AFTER BREAK
	Revision MarkRevision

	// Driver builds the sequencer; nil uses the registered driver
	Driver SequencerDriver
}

// Status is the outcome of one Receive poll
type Status uint8

const (
	NoData Status = iota
	FrameReady
	Fault
)

func (s Status) String() string {
	switch s {
	case NoData:
		return "no data"
	case FrameReady:
		return "frame"
	case Fault:
		return "fault"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Result of one Receive poll. Frame is valid only when Status is FrameReady.
type Result struct {
	Status Status
	Frame  Frame
}

// Stats counts receiver activity since construction
type Stats struct {
	Frames   uint32 // frames delivered
	Faults   uint32 // broken frames detected
	Rebuilds uint32 // sequencers constructed
	Restarts uint32 // cheap restarts of a live sequencer
}

// Receiver captures a window of 16 consecutive DMX slots from one pin.
//
// The decoder runs on its own sequencer; the receiver only arms it and
// polls it, never blocking. A Receiver is not safe for concurrent use, but
// several receivers may run side by side on distinct sequencers, reading
// the same or different pins.
type Receiver struct {
	pin      GPIOPin
	basis    int
	offset   int
	revision MarkRevision
	driver   SequencerDriver

	seq   Sequencer
	armed int // offset baked into seq, -1 when nothing is armed

	stats Stats
	err   error
}

// NewReceiver validates the configuration. It does not arm the hardware;
// that happens on the first Arm, Receive or Next.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if err := ValidateOffset(cfg.Offset); err != nil {
		return nil, err
	}
	if !cfg.Revision.valid() {
		return nil, fmt.Errorf("unsupported mark-after-break revision %v", cfg.Revision)
	}

	r := &Receiver{
		pin:      cfg.Pin,
		offset:   cfg.Offset,
		revision: cfg.Revision,
		driver:   cfg.Driver,
		armed:    -1,
	}
	if cfg.OneBased {
		r.basis = 1
	}
	return r, nil
}

// ValidateOffset checks an internal offset: even, and leaving a full
// window inside the universe.
func ValidateOffset(offset int) error {
	switch {
	case offset < 0:
		return &SlotError{Value: offset, Reason: "offset shall be 0 or greater"}
	case offset > MaxOffset:
		return &SlotError{Value: offset, Reason: fmt.Sprintf("offset shall be %d or less", MaxOffset)}
	case offset%2 != 0:
		return &SlotError{Value: offset, Reason: "offset must be even"}
	}
	return nil
}

func (r *Receiver) Pin() GPIOPin           { return r.pin }
func (r *Receiver) Basis() int             { return r.basis }
func (r *Receiver) Offset() int            { return r.offset }
func (r *Receiver) Revision() MarkRevision { return r.revision }
func (r *Receiver) Stats() Stats           { return r.stats }

// Slot returns the public number of the first slot in the window.
func (r *Receiver) Slot() int {
	return r.offset + r.basis
}

// SetSlot moves the window to start at a public slot number. The internal
// offset must stay even, so with 1-based numbering only odd slots are
// accepted. The sequencer is rebuilt on the next arm, not here.
func (r *Receiver) SetSlot(slot int) error {
	offset := slot - r.basis
	switch {
	case offset < 0:
		return &SlotError{Value: slot, Reason: fmt.Sprintf("slot shall be %d or greater", r.basis)}
	case offset > MaxOffset:
		return &SlotError{Value: slot, Reason: fmt.Sprintf("slot shall be %d or less", MaxOffset+r.basis)}
	case offset%2 != 0:
		parity := "even"
		if r.basis == 1 {
			parity = "odd"
		}
		return &SlotError{Value: slot, Reason: "slot must be an " + parity + " number"}
	}
	r.offset = offset
	return nil
}

// Armed reports the offset the live sequencer was built with.
func (r *Receiver) Armed() (offset int, ok bool) {
	if r.seq == nil {
		return 0, false
	}
	return r.armed, true
}

// Arm prepares the sequencer for the next frame at the current offset.
func (r *Receiver) Arm() error {
	return r.arm()
}

// ArmAt moves the window to an internal offset and arms for it.
func (r *Receiver) ArmAt(offset int) error {
	if err := ValidateOffset(offset); err != nil {
		return err
	}
	r.offset = offset
	return r.arm()
}

// arm restarts the live sequencer when its baked-in offset still matches,
// otherwise tears it down and constructs a new one.
func (r *Receiver) arm() error {
	if r.seq != nil && r.armed == r.offset {
		r.seq.ClearRxFIFO()
		r.seq.ClearTxStall()
		r.seq.Restart()
		r.stats.Restarts++
		return nil
	}

	if err := r.teardown(); err != nil {
		return err
	}

	prog, err := DecoderProgram(r.revision)
	if err != nil {
		return err
	}
	init, err := prog.Resolve(InitSequence(r.offset))
	if err != nil {
		return err
	}

	driver := r.driver
	if driver == nil {
		driver = MustSequencer()
	}
	seq, err := driver.Start(SequencerConfig{
		Program:        prog,
		Init:           init,
		Pin:            r.pin,
		FrequencyHz:    SequencerHz,
		ShiftRight:     true,
		AutoPush:       true,
		PushThreshold:  32,
		SidesetInitial: idleSideset,
	})
	if err != nil {
		return fmt.Errorf("%w: gpio %d offset %d: %w", ErrSequencerUnavailable, r.pin, r.offset, err)
	}

	r.seq = seq
	r.armed = r.offset
	r.stats.Rebuilds++
	debugf("dmx: gpio %d armed at offset %d", r.pin, r.offset)
	return nil
}

func (r *Receiver) teardown() error {
	if r.seq == nil {
		return nil
	}
	seq := r.seq
	r.seq = nil
	r.armed = -1
	return seq.Close()
}

// Receive polls for a complete window without waiting.
//
// NoData: fewer than 16 slots are queued yet. FrameReady: the sequencer was
// stopped, drained and re-armed for the next frame. A full window wins over
// the fail state: near the end of the universe the decoder is still in its
// data loop when the next BREAK arrives and fails a stop-bit check, and the
// re-arm clears that. Fault: the decoder hit its fail state before the
// window was complete; the receiver re-armed and the error wraps
// ErrProtocolFault, so the following call tries a fresh frame. Errors that
// do not wrap ErrProtocolFault come from (re)building the sequencer.
func (r *Receiver) Receive() (Result, error) {
	if r.seq == nil || r.armed != r.offset {
		if err := r.arm(); err != nil {
			return Result{}, err
		}
	}

	if r.seq.RxLevel() < FrameWords {
		if !r.seq.TxStalled() {
			return Result{Status: NoData}, nil
		}
		r.stats.Faults++
		debugf("dmx: gpio %d offset %d: broken frame", r.pin, r.offset)
		if err := r.arm(); err != nil {
			return Result{Status: Fault}, err
		}
		return Result{Status: Fault}, fmt.Errorf("gpio %d slot %d: %w", r.pin, r.Slot(), ErrProtocolFault)
	}

	r.seq.Stop()
	var words [FrameWords]uint32
	for i := range words {
		words[i] = r.seq.RxGet()
	}
	res := Result{Status: FrameReady, Frame: UnpackFrame(words)}
	r.stats.Frames++

	if err := r.arm(); err != nil {
		return res, err
	}
	return res, nil
}

// Next is one pull of the frame stream: a frame, or nil when nothing is
// ready. Protocol faults are absorbed into nil after re-arming; only
// sequencer construction failures are returned. A drained frame is
// returned even when re-arming after it failed.
func (r *Receiver) Next() (*Frame, error) {
	res, err := r.Receive()
	if res.Status == FrameReady {
		f := res.Frame
		return &f, err
	}
	if res.Status == Fault && (err == nil || isProtocolFault(err)) {
		return nil, nil
	}
	return nil, err
}

// Frames returns the endless frame stream. Ranging over it arms the
// receiver and then yields one value per poll: a frame, or nil when no
// frame is ready or a broken frame was dropped. Callers that need to see
// faults use Receive instead. The stream ends early only if the sequencer
// cannot be built; Err reports why.
func (r *Receiver) Frames() iter.Seq[*Frame] {
	return func(yield func(*Frame) bool) {
		r.err = nil
		if err := r.arm(); err != nil {
			r.err = err
			return
		}
		for {
			f, err := r.Next()
			if f != nil && !yield(f) {
				return
			}
			if err != nil {
				r.err = err
				return
			}
			if f == nil && !yield(nil) {
				return
			}
		}
	}
}

// Err returns the error that ended the last Frames iteration.
func (r *Receiver) Err() error {
	return r.err
}

// Close tears down the sequencer. The receiver can be armed again later.
func (r *Receiver) Close() error {
	return r.teardown()
}
