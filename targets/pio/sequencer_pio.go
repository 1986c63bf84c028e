//go:build rp2040

package pio

// PIO sequencer backend using tinygo-org/pio. Each receiver gets one state
// machine running the DMX decoder with its init sequence replayed through
// the SMx_INSTR register on every restart.

import (
	"device/rp"
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"piodmx/core"
)

func hw(blockNum int) *rp2pio.PIO {
	if blockNum == 0 {
		return rp2pio.PIO0
	}
	return rp2pio.PIO1
}

func unloadProgram(blockNum int, offset, n uint8) {
	hw(blockNum).ClearProgramSection(offset, n)
}

// clockDivider returns the integer and 8-bit fractional divider that brings
// the system clock down to hz.
func clockDivider(hz uint32) (whole uint16, frac uint8, err error) {
	if hz == 0 {
		return 0, 0, ErrClockRate
	}
	sys := machine.CPUFrequency()
	div := sys / hz
	if div < 1 || div > 0xffff {
		return 0, 0, ErrClockRate
	}
	rem := sys % hz
	return uint16(div), uint8(uint64(rem) * 256 / uint64(hz)), nil
}

// Start implements core.SequencerDriver
func (d *Driver) Start(cfg core.SequencerConfig) (core.Sequencer, error) {
	whole, frac, err := clockDivider(cfg.FrequencyHz)
	if err != nil {
		return nil, err
	}

	blockNum, smNum, fresh, err := d.claim(cfg.Program)
	if err != nil {
		return nil, err
	}
	pio := hw(blockNum)
	sm := pio.StateMachine(uint8(smNum))
	// CRITICAL: Claim the state machine first!
	if !sm.TryClaim() {
		return nil, ErrNoFreeUnit
	}

	b := &d.blocks[blockNum]
	if fresh {
		// the decoder fills the whole instruction memory, so it can only
		// load at 0
		offset, err := pio.AddProgram(cfg.Program.Encode(0), 0)
		if err != nil {
			sm.Unclaim()
			return nil, err
		}
		b.prog = cfg.Program
		b.offset = offset
	}
	b.used[smNum] = true

	pin := machine.Pin(cfg.Pin)
	pin.Configure(machine.PinConfig{Mode: pio.PinMode()})

	smCfg := rp2pio.DefaultStateMachineConfig()
	smCfg.SetInPins(pin)
	smCfg.SetJmpPin(pin)
	smCfg.SetInShift(cfg.ShiftRight, cfg.AutoPush, uint16(cfg.PushThreshold))
	target, wrap := cfg.Program.Wrap()
	smCfg.SetWrap(b.offset+wrap, b.offset+target)
	smCfg.SetSidesetParams(cfg.Program.SidesetBits(), false, false)
	smCfg.SetClkDivIntFrac(whole, frac)

	s := &sequencer{
		drv:      d,
		pio:      pio,
		sm:       sm,
		blockNum: blockNum,
		smNum:    smNum,
		offset:   b.offset,
		init:     cfg.Program.EncodeExec(cfg.Init, b.offset),
	}

	// Initialize state machine FIRST, then run the init sequence
	sm.Init(b.offset, smCfg)
	s.Restart()
	return s, nil
}

type sequencer struct {
	drv      *Driver
	pio      *rp2pio.PIO
	sm       rp2pio.StateMachine
	blockNum int
	smNum    int
	offset   uint8
	init     []uint16
	closed   bool
}

func (s *sequencer) RxLevel() int {
	return int(s.sm.RxFIFOLevel())
}

func (s *sequencer) RxGet() uint32 {
	if s.sm.IsRxFIFOEmpty() {
		return 0
	}
	return s.sm.RxGet()
}

func (s *sequencer) stallMask() uint32 {
	return 1 << (rp.PIO0_FDEBUG_TXSTALL_Pos + uint32(s.smNum))
}

// TxStalled reads the sticky TXSTALL bit of this machine in FDEBUG.
func (s *sequencer) TxStalled() bool {
	return s.pio.HW().FDEBUG.HasBits(s.stallMask())
}

func (s *sequencer) ClearRxFIFO() {
	s.sm.ClearFIFOs()
}

// ClearTxStall writes 1 to clear.
func (s *sequencer) ClearTxStall() {
	s.pio.HW().FDEBUG.Set(s.stallMask())
}

func (s *sequencer) Restart() {
	s.sm.SetEnabled(false)
	s.sm.ClearFIFOs()
	s.sm.Restart()
	// SMx_INSTR executes immediately even with the machine disabled
	for _, instr := range s.init {
		s.sm.Exec(instr)
	}
	s.ClearTxStall()
	s.sm.SetEnabled(true)
}

func (s *sequencer) Stop() {
	s.sm.SetEnabled(false)
}

func (s *sequencer) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.Stop()
	s.sm.ClearFIFOs()
	s.sm.Unclaim()
	s.drv.release(s.blockNum, s.smNum)
	return nil
}
