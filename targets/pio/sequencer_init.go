//go:build rp2040

package pio

import (
	"errors"

	"piodmx/core"
	"piodmx/pioasm"
)

// RP2040 has 2 PIO blocks (PIO0, PIO1) with 4 state machines each. A block
// holds one program at a time, shared by all of its state machines.
const (
	numBlocks      = 2
	machinesPerPIO = 4
)

var (
	ErrNoFreeUnit     = errors.New("pio: no free state machine")
	ErrNoProgramSpace = errors.New("pio: no block free for another program")
	ErrClockRate      = errors.New("pio: clock rate out of range")
)

type blockState struct {
	prog   *pioasm.Program
	offset uint8
	used   [machinesPerPIO]bool
}

func (b *blockState) free() int {
	for i, u := range b.used {
		if !u {
			return i
		}
	}
	return -1
}

func (b *blockState) inUse() int {
	n := 0
	for _, u := range b.used {
		if u {
			n++
		}
	}
	return n
}

// Driver hands out state machines to receivers. Not safe for concurrent
// use; the firmware arms receivers from its main loop only.
type Driver struct {
	blocks [numBlocks]blockState
}

var driver Driver

// InitSequencers registers the PIO driver with core and returns it.
func InitSequencers() *Driver {
	core.SetSequencerDriver(&driver)
	return &driver
}

// claim finds a block already running prog, or an empty one.
func (d *Driver) claim(prog *pioasm.Program) (blockNum, smNum int, fresh bool, err error) {
	for i := range d.blocks {
		b := &d.blocks[i]
		if b.prog == prog {
			if sm := b.free(); sm >= 0 {
				return i, sm, false, nil
			}
		}
	}
	for i := range d.blocks {
		b := &d.blocks[i]
		if b.prog == nil {
			return i, 0, true, nil
		}
	}
	for i := range d.blocks {
		if d.blocks[i].prog == prog {
			return 0, 0, false, ErrNoFreeUnit
		}
	}
	return 0, 0, false, ErrNoProgramSpace
}

func (d *Driver) release(blockNum, smNum int) {
	b := &d.blocks[blockNum]
	b.used[smNum] = false
	if b.inUse() == 0 && b.prog != nil {
		unloadProgram(blockNum, b.offset, uint8(b.prog.Len()))
		b.prog = nil
	}
}

// AllocationStatus returns which state machines are claimed, for debugging
func (d *Driver) AllocationStatus() [numBlocks][machinesPerPIO]bool {
	var out [numBlocks][machinesPerPIO]bool
	for i := range d.blocks {
		out[i] = d.blocks[i].used
	}
	return out
}
