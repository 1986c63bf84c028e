package softpio

import (
	"errors"
	"fmt"
	"sync"

	"piodmx/core"
	"piodmx/pioasm"
)

// Resource limits of an RP2040: two blocks of four state machines, each
// block with one 32-instruction memory shared by its machines.
const (
	NumBlocks       = 2
	MachinesPerPIO  = 4
	InstructionSlot = pioasm.MaxInstructions
)

var (
	ErrNoFreeUnit      = errors.New("no free state machine")
	ErrNoProgramSpace  = errors.New("no instruction memory for program")
	ErrPinNotConnected = errors.New("pin not connected to a wire")
	ErrClockRate       = errors.New("unsupported sequencer clock")
)

type block struct {
	prog     *pioasm.Program // loaded program, nil when memory is free
	machines [MachinesPerPIO]*StateMachine
	used     int
}

// Driver hands out software state machines with the same allocation rules
// as the hardware: a program occupies a block's instruction memory and
// every machine on that block must run it. It implements
// core.SequencerDriver.
type Driver struct {
	mu     sync.Mutex
	wires  map[core.GPIOPin]*Wire
	blocks [NumBlocks]block
}

func NewDriver() *Driver {
	return &Driver{wires: make(map[core.GPIOPin]*Wire)}
}

// Connect routes a wire to a GPIO pin. Several pins may share one wire.
func (d *Driver) Connect(pin core.GPIOPin, w *Wire) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wires[pin] = w
}

// Wire returns the wire connected to pin.
func (d *Driver) Wire(pin core.GPIOPin) (*Wire, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.wires[pin]
	return w, ok
}

// InUse returns the number of claimed state machines.
func (d *Driver) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for i := range d.blocks {
		n += d.blocks[i].used
	}
	return n
}

// Start claims a state machine, loads the program into a block if needed
// and starts it through its init code.
func (d *Driver) Start(cfg core.SequencerConfig) (core.Sequencer, error) {
	if cfg.Program == nil {
		return nil, errors.New("softpio: no program")
	}
	if cfg.Program.Len() > InstructionSlot {
		return nil, fmt.Errorf("softpio: %s: %w", cfg.Program.Name(), pioasm.ErrProgramSize)
	}
	if cfg.FrequencyHz != core.SequencerHz {
		return nil, fmt.Errorf("softpio: %d Hz: %w", cfg.FrequencyHz, ErrClockRate)
	}
	for i, in := range cfg.Init {
		if in.Op == pioasm.OpWait {
			return nil, fmt.Errorf("softpio: init %d (%s): %w", i, in, pioasm.ErrUnsupported)
		}
	}

	d.mu.Lock()
	w, ok := d.wires[cfg.Pin]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("softpio: gpio %d: %w", cfg.Pin, ErrPinNotConnected)
	}
	bi, si, err := d.claim(cfg.Program)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("softpio: %s: %w", cfg.Program.Name(), err)
	}
	sm := newStateMachine(d, bi, si, w, cfg)
	d.blocks[bi].machines[si] = sm
	d.mu.Unlock()

	w.attach(sm)
	sm.Restart()
	return sm, nil
}

// claim prefers a block already holding the program, then an empty block.
// Callers hold d.mu.
func (d *Driver) claim(prog *pioasm.Program) (int, int, error) {
	loadable := -1
	for bi := range d.blocks {
		b := &d.blocks[bi]
		switch {
		case b.prog == prog && b.used < MachinesPerPIO:
			return bi, b.free(), nil
		case b.prog == nil && loadable < 0:
			loadable = bi
		}
	}
	if loadable < 0 {
		for bi := range d.blocks {
			if d.blocks[bi].prog == prog {
				return 0, 0, ErrNoFreeUnit
			}
		}
		return 0, 0, ErrNoProgramSpace
	}
	b := &d.blocks[loadable]
	b.prog = prog
	return loadable, b.free(), nil
}

func (b *block) free() int {
	for i, sm := range b.machines {
		if sm == nil {
			b.used++
			return i
		}
	}
	panic("softpio: block has no free machine")
}

// release frees the machine and, with it, the block's program memory once
// no machine runs it.
func (d *Driver) release(sm *StateMachine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := &d.blocks[sm.block]
	if b.machines[sm.index] != sm {
		return
	}
	b.machines[sm.index] = nil
	b.used--
	if b.used == 0 {
		b.prog = nil
	}
}
