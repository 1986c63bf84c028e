package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSlot reports a slot window that is out of range or on an
	// odd internal offset. Raised only while configuring a receiver.
	ErrInvalidSlot = errors.New("invalid DMX slot")

	// ErrProtocolFault reports a broken DMX frame: the decoder stalled in
	// its fail state. The receiver has already re-armed when this is
	// returned, so the next Receive tries a fresh frame.
	ErrProtocolFault = errors.New("broken DMX frame detected")

	// ErrSequencerUnavailable reports that a sequencer could not be
	// loaded or started. It is not retried.
	ErrSequencerUnavailable = errors.New("sequencer unavailable")
)

// SlotError describes a rejected slot or offset
type SlotError struct {
	Value  int
	Reason string
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%v %d: %s", ErrInvalidSlot, e.Value, e.Reason)
}

func (e *SlotError) Unwrap() error {
	return ErrInvalidSlot
}

func isProtocolFault(err error) bool {
	return errors.Is(err, ErrProtocolFault)
}
