package core

import (
	"fmt"
	"sync"

	"piodmx/pioasm"
)

// Decoder timing. The sequencer runs at 1 MHz so one 250 kbit/s DMX bit
// lasts four cycles.
const (
	SequencerHz  = 1_000_000
	CyclesPerBit = 4

	// 21 samples, 4 cycles apart from the second cycle after the falling
	// edge: a BREAK must last at least 83 µs. The DMX minimum is 88 µs.
	breakLoopPreload = 20

	// 16 passes of a 2-cycle loop keep the START CODE's start bit and
	// eight data bits under watch.
	nullStartPreload = 15

	dataBits = 8

	// IN bits shifted after the two skip nybbles so the ISR stays below
	// the 32-bit autopush threshold while Y is loaded from it.
	preloadPadBits = 23

	sidesetBits = 3
	idleSideset = 0
)

// MarkRevision selects how long MARK AFTER BREAK must last. The zero value
// is the current standard.
//
// The MARK is only watched from 88 µs after the BREAK began. After a BREAK
// shorter than that, a MARK too short to be sampled is missed: the START
// CODE's stop bits are taken for it, and when the first slot is zero the
// window lands one slot late.
type MarkRevision uint8

const (
	// MarkRevision1990 samples the MARK three times over 6 µs. DMX512/1990
	// specifies 8 µs.
	MarkRevision1990 MarkRevision = iota
	// MarkRevision1986 samples it once and accepts 2 µs. The original
	// standard specifies 4 µs.
	MarkRevision1986
)

// preload is the count of the 2-cycle MARK check loop
func (r MarkRevision) preload() uint8 {
	if r == MarkRevision1986 {
		return 0
	}
	return 2
}

func (r MarkRevision) valid() bool {
	return r == MarkRevision1990 || r == MarkRevision1986
}

func (r MarkRevision) String() string {
	switch r {
	case MarkRevision1990:
		return "1990"
	case MarkRevision1986:
		return "1986"
	}
	return fmt.Sprintf("MarkRevision(%d)", uint8(r))
}

// Program labels
const (
	labelFail      = "fail"
	labelBreak     = "break"
	labelSpace     = "space"
	labelMark      = "mark_after_break"
	labelMarkOK    = "ok"
	labelNullStart = "null_start"
	labelNullCheck = "null_start_check"
	labelNullStop2 = "null_stop_2"
	labelDataStart = "data_start"
	labelBitLoop   = "bitloop"
	labelDataStop2 = "data_stop_2"
	labelGoodData  = "good_data"
)

// buildDecoderProgram assembles the DMX512 frame decoder.
//
// X counts timing loops and data bits, Y counts slots still to skip. The
// input pin is both the IN base and the JMP pin. The program never touches
// the TX FIFO except in the fail state, where a blocking PULL stalls the
// machine and raises its TX-stall flag for the host to see.
func buildDecoderProgram(rev MarkRevision) (*pioasm.Program, error) {
	s := func(in pioasm.Instr) pioasm.Instr { return in.Side(idleSideset) }
	b := pioasm.NewBuilder("dmx512rx_mab"+rev.String(), sidesetBits)

	// FAIL: run once and stall
	b.Label(labelFail).Add(s(pioasm.Pull(false, true)))

	// BREAK-WAIT
	b.Label(labelBreak).Add(
		s(pioasm.Set(pioasm.SetX, breakLoopPreload)),
		s(pioasm.Wait(false, pioasm.WaitPin, 0)).Delay(1),
	)
	// SPACE-FOR-BREAK: any high sample restarts
	b.Label(labelSpace).Add(
		s(pioasm.Jmp(pioasm.JmpPin, labelBreak)),
		s(pioasm.Jmp(pioasm.JmpXNZeroDec, labelSpace)).Delay(2),
	)

	// MARK-AFTER-BREAK
	b.Add(
		s(pioasm.Set(pioasm.SetX, rev.preload())).Delay(1),
		s(pioasm.Wait(true, pioasm.WaitPin, 0)),
	)
	b.Label(labelMark).Add(
		s(pioasm.Jmp(pioasm.JmpPin, labelMarkOK)),
		s(pioasm.Jmp(pioasm.JmpAlways, labelBreak)),
	)
	b.Label(labelMarkOK).Add(s(pioasm.Jmp(pioasm.JmpXNZeroDec, labelMark)))

	// NULL START CODE: every data bit low, both stop bits high
	b.Label(labelNullStart).Add(
		s(pioasm.Wait(false, pioasm.WaitPin, 0)),
		s(pioasm.Set(pioasm.SetX, nullStartPreload)),
	)
	b.Label(labelNullCheck).Add(
		s(pioasm.Jmp(pioasm.JmpPin, labelBreak)),
		s(pioasm.Jmp(pioasm.JmpXNZeroDec, labelNullCheck)),
		s(pioasm.Nop()).Delay(1),
		s(pioasm.Jmp(pioasm.JmpPin, labelNullStop2)).Delay(2),
		s(pioasm.Jmp(pioasm.JmpAlways, labelBreak)),
	)
	b.Label(labelNullStop2).Add(
		s(pioasm.Jmp(pioasm.JmpPin, labelDataStart)),
		s(pioasm.Jmp(pioasm.JmpAlways, labelBreak)),
	)

	// DATA-LOOP: discard skipped slots
	b.Label(labelDataStart).Add(s(pioasm.Mov(pioasm.MovDestISR, pioasm.MovNone, pioasm.MovSrcNull)))
	b.WrapTarget()
	b.Add(
		s(pioasm.Wait(false, pioasm.WaitPin, 0)),
		s(pioasm.Set(pioasm.SetX, dataBits-1)),
		s(pioasm.Jmp(pioasm.JmpPin, labelFail)),
		s(pioasm.Nop()),
	)
	b.Label(labelBitLoop).Add(
		s(pioasm.In(pioasm.InPins, 1)),
		s(pioasm.Jmp(pioasm.JmpXNZeroDec, labelBitLoop)).Delay(2),
		s(pioasm.Jmp(pioasm.JmpPin, labelDataStop2)).Delay(3),
		s(pioasm.Jmp(pioasm.JmpAlways, labelFail)),
	)
	b.Label(labelDataStop2).Add(
		s(pioasm.Jmp(pioasm.JmpPin, labelGoodData)),
		s(pioasm.Jmp(pioasm.JmpAlways, labelFail)),
	)
	// CAPTURE: once Y runs out every slot is kept, 32-bit autopush fills
	// the RX FIFO and stalls the machine when it is full.
	b.Label(labelGoodData).Add(
		s(pioasm.Jmp(pioasm.JmpYNZeroDec, labelDataStart)),
		s(pioasm.Set(pioasm.SetY, 0)),
	)
	b.Wrap()

	return b.Assemble()
}

var decoderPrograms [2]struct {
	once sync.Once
	prog *pioasm.Program
	err  error
}

// DecoderProgram returns the shared, immutable decoder program for a MARK
// revision. It is assembled on first use and referenced by every receiver.
func DecoderProgram(rev MarkRevision) (*pioasm.Program, error) {
	if !rev.valid() {
		return nil, fmt.Errorf("unsupported mark-after-break revision %v", rev)
	}
	slot := &decoderPrograms[rev]
	slot.once.Do(func() {
		slot.prog, slot.err = buildDecoderProgram(rev)
	})
	return slot.prog, slot.err
}

// SkipPreload splits an even offset into the two 4-bit values the init
// sequence loads into Y: most and least significant nybble of offset/2.
func SkipPreload(offset int) (msn, lsn uint8) {
	half := offset / 2
	return uint8(half / 16), uint8(half % 16)
}

// InitSequence is the one-shot code executed before the decoder starts.
// It rebuilds offset in Y from two SET-sized nybbles by shifting them
// through the ISR, clears the ISR and jumps into BREAK-WAIT. The offset is
// baked in: changing it needs a new sequencer.
func InitSequence(offset int) []pioasm.Instr {
	msn, lsn := SkipPreload(offset)
	s := func(in pioasm.Instr) pioasm.Instr { return in.Side(idleSideset) }
	return []pioasm.Instr{
		s(pioasm.Set(pioasm.SetY, lsn)),
		s(pioasm.In(pioasm.InY, 4)),
		s(pioasm.Set(pioasm.SetY, msn)),
		s(pioasm.In(pioasm.InY, 4)),
		s(pioasm.In(pioasm.InNull, preloadPadBits)),
		s(pioasm.Mov(pioasm.MovDestY, pioasm.MovNone, pioasm.MovSrcISR)),
		s(pioasm.Mov(pioasm.MovDestISR, pioasm.MovNone, pioasm.MovSrcNull)),
		s(pioasm.Jmp(pioasm.JmpAlways, labelBreak)),
	}
}

// State is a protocol state of the decoder program
type State uint8

const (
	StateFail State = iota
	StateBreakWait
	StateSpaceForBreak
	StateMarkAfterBreak
	StateNullStart
	StateDataLoop
	StateCapture
)

var stateNames = [...]string{
	StateFail:           "FAIL",
	StateBreakWait:      "BREAK-WAIT",
	StateSpaceForBreak:  "SPACE-FOR-BREAK",
	StateMarkAfterBreak: "MARK-AFTER-BREAK",
	StateNullStart:      "NULL-START",
	StateDataLoop:       "DATA-LOOP",
	StateCapture:        "CAPTURE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// StateAt maps a program counter of the decoder to its protocol state.
// PCs inside the data loop report CAPTURE once the skip counter is spent,
// which the caller signals with capturing.
func StateAt(p *pioasm.Program, pc uint8, capturing bool) State {
	switch {
	case pc < p.MustLabel(labelBreak):
		return StateFail
	case pc < p.MustLabel(labelSpace):
		return StateBreakWait
	case pc < p.MustLabel(labelSpace)+2:
		return StateSpaceForBreak
	case pc < p.MustLabel(labelNullStart):
		return StateMarkAfterBreak
	case pc < p.MustLabel(labelDataStart):
		return StateNullStart
	case capturing:
		return StateCapture
	default:
		return StateDataLoop
	}
}
