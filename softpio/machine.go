package softpio

import (
	"math/bits"
	"sync"

	"piodmx/core"
	"piodmx/pioasm"
)

// fifoDepth is the RX FIFO depth of an unjoined state machine
const fifoDepth = 4

type outcome uint8

const (
	advance outcome = iota
	jumped
	stalled
)

// StateMachine interprets one program against one wire. It implements
// core.Sequencer.
//
// The machine is lazy: every host-facing call first runs it up to the
// wire's present. WAITs and stalls skip straight to the next edge, so
// idle time costs nothing.
type StateMachine struct {
	mu sync.Mutex

	drv   *Driver
	block int
	index int

	gpio core.GPIOPin
	wire *Wire
	prog *pioasm.Program
	init []pioasm.Instr

	shiftRight bool
	autoPush   bool
	threshold  uint8

	pc       uint8
	x, y     uint32
	isr      uint32
	isrCount uint8
	osr      uint32
	osrCount uint8
	delay    uint8

	rx      []uint32
	txStall bool
	enabled bool
	closed  bool

	now uint64 // next cycle to execute
}

func newStateMachine(drv *Driver, block, index int, wire *Wire, cfg core.SequencerConfig) *StateMachine {
	threshold := cfg.PushThreshold
	if threshold == 0 || threshold > 32 {
		threshold = 32
	}
	return &StateMachine{
		drv:        drv,
		block:      block,
		index:      index,
		gpio:       cfg.Pin,
		wire:       wire,
		prog:       cfg.Program,
		init:       cfg.Init,
		shiftRight: cfg.ShiftRight,
		autoPush:   cfg.AutoPush,
		threshold:  threshold,
		rx:         make([]uint32, 0, fifoDepth),
	}
}

// sync runs the machine up to the present of its wire. Callers hold sm.mu.
func (sm *StateMachine) sync() {
	if !sm.enabled {
		return
	}
	sm.wire.mu.RLock()
	defer sm.wire.mu.RUnlock()
	sm.run(sm.wire.end)
}

// run executes cycles [now, until). Callers hold the wire's read lock.
func (sm *StateMachine) run(until uint64) {
	for sm.enabled && sm.now < until {
		if sm.delay > 0 {
			d := min(uint64(sm.delay), until-sm.now)
			sm.now += d
			sm.delay -= uint8(d)
			continue
		}

		in := sm.prog.At(sm.pc)
		switch sm.exec(in) {
		case stalled:
			if in.Op == pioasm.OpWait {
				if t := sm.wire.nextEdge(sm.now); t < until {
					sm.now = t
					continue
				}
			}
			sm.now = until
			return
		case advance:
			sm.step()
		}
		sm.now++
		sm.delay = in.DelayCycles()
	}
}

func (sm *StateMachine) step() {
	target, wrap := sm.prog.Wrap()
	if sm.pc == wrap {
		sm.pc = target
		return
	}
	sm.pc = uint8((int(sm.pc) + 1) % sm.prog.Len())
}

func (sm *StateMachine) pin() bool {
	return sm.wire.levelAt(sm.now)
}

func (sm *StateMachine) exec(in pioasm.Instr) outcome {
	switch in.Op {
	case pioasm.OpJmp:
		if sm.cond(in.Cond) {
			sm.pc = in.Addr
			return jumped
		}
		return advance

	case pioasm.OpWait:
		var level bool
		switch in.WaitSrc {
		case pioasm.WaitPin:
			if in.Index != 0 {
				return stalled
			}
			level = sm.pin()
		case pioasm.WaitGPIO:
			if core.GPIOPin(in.Index) != sm.gpio {
				return stalled
			}
			level = sm.pin()
		default:
			return stalled
		}
		if level != in.Polarity {
			return stalled
		}
		return advance

	case pioasm.OpIn:
		return sm.in(in.InSrc, in.Count)

	case pioasm.OpPush:
		if in.IfFlag && sm.isrCount < sm.threshold {
			return advance
		}
		if len(sm.rx) == fifoDepth {
			if in.Block {
				return stalled
			}
		} else {
			sm.rx = append(sm.rx, sm.isr)
		}
		sm.isr, sm.isrCount = 0, 0
		return advance

	case pioasm.OpPull:
		// The TX FIFO is never written: a blocking PULL stalls for good.
		if in.Block {
			sm.txStall = true
			return stalled
		}
		sm.osr, sm.osrCount = sm.x, 0
		return advance

	case pioasm.OpMov:
		return sm.mov(in)

	case pioasm.OpSet:
		switch in.SetDest {
		case pioasm.SetX:
			sm.x = uint32(in.Value)
		case pioasm.SetY:
			sm.y = uint32(in.Value)
		}
		return advance
	}
	return advance
}

func (sm *StateMachine) cond(c pioasm.JmpCond) bool {
	switch c {
	case pioasm.JmpAlways:
		return true
	case pioasm.JmpXZero:
		return sm.x == 0
	case pioasm.JmpXNZeroDec:
		taken := sm.x != 0
		sm.x--
		return taken
	case pioasm.JmpYZero:
		return sm.y == 0
	case pioasm.JmpYNZeroDec:
		taken := sm.y != 0
		sm.y--
		return taken
	case pioasm.JmpXNotEqualY:
		return sm.x != sm.y
	case pioasm.JmpPin:
		return sm.pin()
	case pioasm.JmpOSRNEmpty:
		return sm.osrCount < 32
	}
	return false
}

func (sm *StateMachine) in(src pioasm.InSource, n uint8) outcome {
	if n == 0 || n > 32 {
		n = 32
	}
	push := sm.autoPush && sm.isrCount+n >= sm.threshold
	if push && len(sm.rx) == fifoDepth {
		return stalled
	}

	var data uint32
	switch src {
	case pioasm.InPins:
		if sm.pin() {
			data = 1
		}
	case pioasm.InX:
		data = sm.x
	case pioasm.InY:
		data = sm.y
	case pioasm.InISR:
		data = sm.isr
	case pioasm.InOSR:
		data = sm.osr
	}
	if n < 32 {
		data &= 1<<n - 1
	}

	if sm.shiftRight {
		sm.isr = sm.isr>>n | data<<(32-n)
	} else {
		sm.isr = sm.isr<<n | data
	}
	sm.isrCount = min(sm.isrCount+n, 32)

	if push {
		sm.rx = append(sm.rx, sm.isr)
		sm.isr, sm.isrCount = 0, 0
	}
	return advance
}

func (sm *StateMachine) mov(in pioasm.Instr) outcome {
	var v uint32
	switch in.MovSrc {
	case pioasm.MovSrcPins:
		if sm.pin() {
			v = 1
		}
	case pioasm.MovSrcX:
		v = sm.x
	case pioasm.MovSrcY:
		v = sm.y
	case pioasm.MovSrcStatus:
		// status level is zero: the FIFO is never below it
		v = 0
	case pioasm.MovSrcISR:
		v = sm.isr
	case pioasm.MovSrcOSR:
		v = sm.osr
	}
	switch in.MovOp {
	case pioasm.MovInvert:
		v = ^v
	case pioasm.MovReverse:
		v = bits.Reverse32(v)
	}

	switch in.MovDest {
	case pioasm.MovDestX:
		sm.x = v
	case pioasm.MovDestY:
		sm.y = v
	case pioasm.MovDestPC:
		sm.pc = uint8(v % uint32(sm.prog.Len()))
		return jumped
	case pioasm.MovDestISR:
		sm.isr, sm.isrCount = v, 0
	case pioasm.MovDestOSR:
		sm.osr, sm.osrCount = v, 0
	}
	return advance
}

// runInit executes the one-shot init code in zero time.
func (sm *StateMachine) runInit() {
	for _, in := range sm.init {
		if in.Op == pioasm.OpJmp {
			if sm.cond(in.Cond) {
				sm.pc = in.Addr
			}
			continue
		}
		sm.exec(in)
	}
}

// RxLevel implements core.Sequencer.
func (sm *StateMachine) RxLevel() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	return len(sm.rx)
}

// RxGet implements core.Sequencer. An empty FIFO reads as zero.
func (sm *StateMachine) RxGet() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	if len(sm.rx) == 0 {
		return 0
	}
	v := sm.rx[0]
	sm.rx = append(sm.rx[:0], sm.rx[1:]...)
	return v
}

// TxStalled implements core.Sequencer.
func (sm *StateMachine) TxStalled() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	return sm.txStall
}

func (sm *StateMachine) ClearRxFIFO() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	sm.rx = sm.rx[:0]
}

func (sm *StateMachine) ClearTxStall() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	sm.txStall = false
}

// Restart clears the shift registers and any stall, runs the init code
// and enables the machine at the wire's present. X, Y and the FIFO keep
// their contents.
func (sm *StateMachine) Restart() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return
	}
	sm.wire.mu.RLock()
	defer sm.wire.mu.RUnlock()

	sm.isr, sm.isrCount = 0, 0
	sm.osr, sm.osrCount = 0, 0
	sm.delay = 0
	sm.pc = 0
	sm.now = sm.wire.end
	sm.runInit()
	sm.enabled = true
}

// Stop disables the machine after catching it up to the present.
func (sm *StateMachine) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	sm.wire.mu.RLock()
	sm.enabled = false
	sm.wire.mu.RUnlock()
}

// Close stops the machine and hands its unit back to the driver.
func (sm *StateMachine) Close() error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil
	}
	sm.closed = true
	sm.wire.mu.RLock()
	sm.enabled = false
	sm.wire.mu.RUnlock()
	sm.mu.Unlock()

	sm.wire.detach(sm)
	sm.drv.release(sm)
	return nil
}

// PC returns the program counter after catching up.
func (sm *StateMachine) PC() uint8 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	return sm.pc
}

func (sm *StateMachine) X() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	return sm.x
}

func (sm *StateMachine) Y() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	return sm.y
}

// Now returns the machine's clock in cycles.
func (sm *StateMachine) Now() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	return sm.now
}

// State maps the machine's position to a DMX decoder state. It is only
// meaningful while running core.DecoderProgram.
func (sm *StateMachine) State() core.State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sync()
	return core.StateAt(sm.prog, sm.pc, sm.y == 0)
}

// Unit returns the block and state machine index the driver assigned.
func (sm *StateMachine) Unit() (block, index int) {
	return sm.block, sm.index
}
