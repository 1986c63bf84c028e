package core

import "piodmx/pioasm"

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// SequencerConfig describes one decoder instance. The init sequence is
// baked in: it runs when the sequencer starts and again on every Restart.
type SequencerConfig struct {
	Program *pioasm.Program
	Init    []pioasm.Instr // resolved against Program

	// Pin is both the first IN pin and the JMP pin. It is only ever
	// sampled, so several sequencers may share it.
	Pin GPIOPin

	FrequencyHz uint32

	// Input shift register: direction and autopush threshold in bits
	ShiftRight    bool
	AutoPush      bool
	PushThreshold uint8

	// Level driven on the side-set pins before the program runs
	SidesetInitial uint8
}

// Sequencer is one running decoder instance on a dedicated state machine.
// It runs independently of the host; every method returns immediately.
type Sequencer interface {
	// RxLevel returns the number of 32-bit words waiting in the RX FIFO
	RxLevel() int

	// RxGet pops one word from the RX FIFO (zero if empty)
	RxGet() uint32

	// TxStalled reports the sticky flag raised when the program stalls on
	// a blocking PULL, which the decoder only does in its fail state
	TxStalled() bool

	ClearRxFIFO()
	ClearTxStall()

	// Restart resets the shift registers, re-runs the init sequence and
	// enables the machine
	Restart()

	// Stop disables the machine; it stops sampling until Restart
	Stop()

	// Close stops the machine and releases it with its program memory
	Close() error
}

// SequencerDriver constructs sequencers. Platform code registers one with
// SetSequencerDriver; tests usually pass theirs through ReceiverConfig.
type SequencerDriver interface {
	Start(cfg SequencerConfig) (Sequencer, error)
}

// Global singleton used when a receiver has no explicit driver.
var sequencerDriver SequencerDriver

// SetSequencerDriver is called by target-specific code to register its driver.
func SetSequencerDriver(d SequencerDriver) {
	sequencerDriver = d
}

// MustSequencer returns the configured driver or panics if missing.
func MustSequencer() SequencerDriver {
	if sequencerDriver == nil {
		panic("sequencer driver not configured")
	}
	return sequencerDriver
}
