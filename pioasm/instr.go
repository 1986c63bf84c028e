// Package pioasm builds symbolic programs for RP2040-style programmable I/O
// state machines.
//
// A program is a list of micro-ops (JMP, WAIT, IN, PUSH, PULL, MOV, SET) with
// labels, a wrap range and a side-set width. The same Program drives the
// hardware backend (through Encode) and the software sequencer in softpio.
package pioasm

import (
	"fmt"
	"strings"
)

// Op is the instruction class (bits 15:13 of an encoded instruction)
type Op uint8

const (
	OpJmp Op = iota
	OpWait
	OpIn
	OpOut
	OpPush
	OpPull
	OpMov
	OpIRQ
	OpSet
)

// Opcode base values, PUSH and PULL share 0b100 and are split by bit 7
const (
	encJmp  = 0x0000
	encWait = 0x2000
	encIn   = 0x4000
	encPush = 0x8000
	encPull = 0x8080
	encMov  = 0xa000
	encSet  = 0xe000
)

// JmpCond selects the JMP condition
type JmpCond uint8

const (
	JmpAlways     JmpCond = iota // always
	JmpXZero                     // !x
	JmpXNZeroDec                 // x--
	JmpYZero                     // !y
	JmpYNZeroDec                 // y--
	JmpXNotEqualY                // x!=y
	JmpPin                       // pin
	JmpOSRNEmpty                 // !osre
)

// WaitSource selects what a WAIT polls
type WaitSource uint8

const (
	WaitGPIO WaitSource = iota
	WaitPin
	WaitIRQ
)

// InSource selects the data shifted by IN
type InSource uint8

const (
	InPins InSource = 0
	InX    InSource = 1
	InY    InSource = 2
	InNull InSource = 3
	InISR  InSource = 6
	InOSR  InSource = 7
)

// MovDest selects the destination of MOV
type MovDest uint8

const (
	MovDestPins MovDest = 0
	MovDestX    MovDest = 1
	MovDestY    MovDest = 2
	MovDestExec MovDest = 4
	MovDestPC   MovDest = 5
	MovDestISR  MovDest = 6
	MovDestOSR  MovDest = 7
)

// MovSrc selects the source of MOV
type MovSrc uint8

const (
	MovSrcPins   MovSrc = 0
	MovSrcX      MovSrc = 1
	MovSrcY      MovSrc = 2
	MovSrcNull   MovSrc = 3
	MovSrcStatus MovSrc = 5
	MovSrcISR    MovSrc = 6
	MovSrcOSR    MovSrc = 7
)

// MovOp is the operation applied while moving
type MovOp uint8

const (
	MovNone MovOp = iota
	MovInvert
	MovReverse
)

// SetDest selects the destination of SET
type SetDest uint8

const (
	SetPins    SetDest = 0
	SetX       SetDest = 1
	SetY       SetDest = 2
	SetPindirs SetDest = 4
)

// Instr is one symbolic micro-op. Instructions are values; the modifier
// methods (Delay, Side) return modified copies so programs read like
// pioasm source.
type Instr struct {
	Op Op

	// JMP
	Cond   JmpCond
	Target string // label, resolved by the Builder or Program.Resolve
	Addr   uint8  // resolved address relative to the program start

	// WAIT
	Polarity bool
	WaitSrc  WaitSource
	Index    uint8

	// IN
	InSrc InSource
	Count uint8 // 1..32

	// PUSH / PULL
	IfFlag bool // iffull / ifempty
	Block  bool

	// MOV
	MovDest MovDest
	MovSrc  MovSrc
	MovOp   MovOp

	// SET
	SetDest SetDest
	Value   uint8

	delay   uint8
	side    uint8
	hasSide bool
}

// Jmp jumps to label when cond holds.
func Jmp(cond JmpCond, label string) Instr {
	return Instr{Op: OpJmp, Cond: cond, Target: label}
}

// JmpAddr jumps to an address relative to the program start.
func JmpAddr(cond JmpCond, addr uint8) Instr {
	return Instr{Op: OpJmp, Cond: cond, Addr: addr}
}

// Wait stalls until the selected source equals polarity.
func Wait(polarity bool, src WaitSource, index uint8) Instr {
	return Instr{Op: OpWait, Polarity: polarity, WaitSrc: src, Index: index}
}

// In shifts count bits from src into the ISR.
func In(src InSource, count uint8) Instr {
	return Instr{Op: OpIn, InSrc: src, Count: count}
}

func Push(ifFull, block bool) Instr {
	return Instr{Op: OpPush, IfFlag: ifFull, Block: block}
}

func Pull(ifEmpty, block bool) Instr {
	return Instr{Op: OpPull, IfFlag: ifEmpty, Block: block}
}

func Mov(dest MovDest, op MovOp, src MovSrc) Instr {
	return Instr{Op: OpMov, MovDest: dest, MovOp: op, MovSrc: src}
}

// Set writes a 5-bit immediate to dest.
func Set(dest SetDest, value uint8) Instr {
	return Instr{Op: OpSet, SetDest: dest, Value: value}
}

// Nop assembles to "mov y, y".
func Nop() Instr {
	return Mov(MovDestY, MovNone, MovSrcY)
}

// Delay returns a copy of the instruction with n idle cycles appended.
func (in Instr) Delay(n uint8) Instr {
	in.delay = n
	return in
}

// Side returns a copy of the instruction that drives v on the side-set pins.
func (in Instr) Side(v uint8) Instr {
	in.side = v
	in.hasSide = true
	return in
}

// Delay cycles and side-set value carried by the instruction.
func (in Instr) DelayCycles() uint8 { return in.delay }
func (in Instr) SideValue() uint8   { return in.side }

// check validates the delay/side-set field against the side-set width.
func (in Instr) check(sidesetBits uint8) error {
	if sidesetBits > 5 {
		return fmt.Errorf("side-set width %d exceeds 5 bits", sidesetBits)
	}
	maxDelay := uint8(1)<<(5-sidesetBits) - 1
	if in.delay > maxDelay {
		return fmt.Errorf("%w: delay %d exceeds %d", ErrFieldRange, in.delay, maxDelay)
	}
	if sidesetBits > 0 && in.side >= 1<<sidesetBits {
		return fmt.Errorf("%w: side-set value %d exceeds %d bits", ErrFieldRange, in.side, sidesetBits)
	}
	if !in.hasSide && in.side != 0 {
		return fmt.Errorf("%w: side-set value without side-set", ErrFieldRange)
	}
	switch in.Op {
	case OpIn:
		if in.Count == 0 || in.Count > 32 {
			return fmt.Errorf("%w: in bit count %d", ErrFieldRange, in.Count)
		}
	case OpSet:
		if in.Value > 31 {
			return fmt.Errorf("%w: set value %d", ErrFieldRange, in.Value)
		}
	case OpWait:
		if in.Index > 31 {
			return fmt.Errorf("%w: wait index %d", ErrFieldRange, in.Index)
		}
	case OpJmp, OpPush, OpPull, OpMov:
	default:
		return fmt.Errorf("%w: op %d", ErrUnsupported, in.Op)
	}
	return nil
}

// Encode produces the 16-bit RP2040 opcode. origin is the load offset added
// to jump targets.
func (in Instr) Encode(sidesetBits, origin uint8) uint16 {
	field := uint16(in.delay)
	if sidesetBits > 0 {
		field |= uint16(in.side) << (5 - sidesetBits)
	}
	var w uint16
	switch in.Op {
	case OpJmp:
		w = encJmp | uint16(in.Cond)<<5 | uint16((in.Addr+origin)&0x1f)
	case OpWait:
		w = encWait | uint16(in.WaitSrc)<<5 | uint16(in.Index&0x1f)
		if in.Polarity {
			w |= 1 << 7
		}
	case OpIn:
		w = encIn | uint16(in.InSrc)<<5 | uint16(in.Count&0x1f) // 32 encodes as 0
	case OpPush:
		w = encPush
		if in.IfFlag {
			w |= 1 << 6
		}
		if in.Block {
			w |= 1 << 5
		}
	case OpPull:
		w = encPull
		if in.IfFlag {
			w |= 1 << 6
		}
		if in.Block {
			w |= 1 << 5
		}
	case OpMov:
		w = encMov | uint16(in.MovDest)<<5 | uint16(in.MovOp)<<3 | uint16(in.MovSrc)
	case OpSet:
		w = encSet | uint16(in.SetDest)<<5 | uint16(in.Value&0x1f)
	}
	return w | field<<8
}

var (
	jmpCondNames = [...]string{"", "!x, ", "x--, ", "!y, ", "y--, ", "x!=y, ", "pin, ", "!osre, "}
	inSrcNames   = map[InSource]string{InPins: "pins", InX: "x", InY: "y", InNull: "null", InISR: "isr", InOSR: "osr"}
	movDstNames  = map[MovDest]string{MovDestPins: "pins", MovDestX: "x", MovDestY: "y", MovDestExec: "exec", MovDestPC: "pc", MovDestISR: "isr", MovDestOSR: "osr"}
	movSrcNames  = map[MovSrc]string{MovSrcPins: "pins", MovSrcX: "x", MovSrcY: "y", MovSrcNull: "null", MovSrcStatus: "status", MovSrcISR: "isr", MovSrcOSR: "osr"}
	setDstNames  = map[SetDest]string{SetPins: "pins", SetX: "x", SetY: "y", SetPindirs: "pindirs"}
	waitSrcNames = [...]string{"gpio", "pin", "irq"}
)

// String renders the instruction in pioasm syntax.
func (in Instr) String() string {
	var sb strings.Builder
	switch in.Op {
	case OpJmp:
		target := in.Target
		if target == "" {
			target = fmt.Sprint(in.Addr)
		}
		sb.WriteString("jmp " + jmpCondNames[in.Cond] + target)
	case OpWait:
		pol := 0
		if in.Polarity {
			pol = 1
		}
		fmt.Fprintf(&sb, "wait %d %s %d", pol, waitSrcNames[in.WaitSrc], in.Index)
	case OpIn:
		fmt.Fprintf(&sb, "in %s, %d", inSrcNames[in.InSrc], in.Count)
	case OpPush, OpPull:
		if in.Op == OpPush {
			sb.WriteString("push")
			if in.IfFlag {
				sb.WriteString(" iffull")
			}
		} else {
			sb.WriteString("pull")
			if in.IfFlag {
				sb.WriteString(" ifempty")
			}
		}
		if !in.Block {
			sb.WriteString(" noblock")
		}
	case OpMov:
		if in.MovDest == MovDestY && in.MovSrc == MovSrcY && in.MovOp == MovNone {
			sb.WriteString("nop")
			break
		}
		op := ""
		switch in.MovOp {
		case MovInvert:
			op = "~"
		case MovReverse:
			op = "::"
		}
		fmt.Fprintf(&sb, "mov %s, %s%s", movDstNames[in.MovDest], op, movSrcNames[in.MovSrc])
	case OpSet:
		fmt.Fprintf(&sb, "set %s, %d", setDstNames[in.SetDest], in.Value)
	default:
		return fmt.Sprintf("<op %d>", in.Op)
	}
	if in.hasSide {
		fmt.Fprintf(&sb, " side %d", in.side)
	}
	if in.delay > 0 {
		fmt.Fprintf(&sb, " [%d]", in.delay)
	}
	return sb.String()
}
