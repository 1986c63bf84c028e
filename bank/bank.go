// Package bank runs a set of receivers on one DMX input and forwards what
// they capture to a Reporter. The firmware points it at the USB encoder;
// the host points it at a protocol.Sink.
package bank

import (
	"errors"
	"fmt"

	"piodmx/core"
)

// MaxReceivers is the number of sequencers on the chip.
const MaxReceivers = 8

var ErrNoReceivers = errors.New("bank: no receivers configured")

// Reporter is satisfied by protocol.Encoder and protocol.Sink.
type Reporter interface {
	Frame(receiver uint8, slot int, f *core.Frame) error
	Fault(receiver uint8, slot int, faults uint32) error
	Stats(receiver uint8, slot int, st core.Stats) error
}

// Config describes the receivers of one bank
type Config struct {
	Pin      core.GPIOPin
	Slots    []int // public number of each receiver's first slot
	OneBased bool
	Revision core.MarkRevision
	Driver   core.SequencerDriver
}

// Bank owns its receivers. Not safe for concurrent use.
type Bank struct {
	recvs []*core.Receiver
}

// New validates every slot and builds the receivers without arming them.
func New(cfg Config) (*Bank, error) {
	if len(cfg.Slots) == 0 {
		return nil, ErrNoReceivers
	}
	if len(cfg.Slots) > MaxReceivers {
		return nil, fmt.Errorf("bank: %d receivers, at most %d", len(cfg.Slots), MaxReceivers)
	}

	b := &Bank{recvs: make([]*core.Receiver, 0, len(cfg.Slots))}
	for i, slot := range cfg.Slots {
		r, err := core.NewReceiver(core.ReceiverConfig{
			Pin:      cfg.Pin,
			OneBased: cfg.OneBased,
			Revision: cfg.Revision,
			Driver:   cfg.Driver,
		})
		if err != nil {
			return nil, fmt.Errorf("receiver %d: %w", i, err)
		}
		if err := r.SetSlot(slot); err != nil {
			return nil, fmt.Errorf("receiver %d: %w", i, err)
		}
		b.recvs = append(b.recvs, r)
	}
	return b, nil
}

func (b *Bank) Len() int {
	return len(b.recvs)
}

func (b *Bank) Receiver(i int) *core.Receiver {
	return b.recvs[i]
}

// Arm starts every receiver. A sequencer shortage shows up here rather
// than on the first poll.
func (b *Bank) Arm() error {
	for i, r := range b.recvs {
		if err := r.Arm(); err != nil {
			return fmt.Errorf("receiver %d: %w", i, err)
		}
	}
	return nil
}

// Poll checks each receiver once and reports frames and faults. It
// returns how many reports were written. Protocol faults are reported,
// not returned; an error means a sequencer could not be rebuilt or the
// reporter failed.
func (b *Bank) Poll(rep Reporter) (int, error) {
	n := 0
	for i, r := range b.recvs {
		id := uint8(i)
		res, err := r.Receive()
		switch res.Status {
		case core.FrameReady:
			if werr := rep.Frame(id, r.Slot(), &res.Frame); werr != nil {
				return n, werr
			}
			n++
		case core.Fault:
			if werr := rep.Fault(id, r.Slot(), r.Stats().Faults); werr != nil {
				return n, werr
			}
			n++
		}
		if err != nil && !errors.Is(err, core.ErrProtocolFault) {
			return n, fmt.Errorf("receiver %d: %w", i, err)
		}
	}
	return n, nil
}

// ReportStats writes the counters of every receiver.
func (b *Bank) ReportStats(rep Reporter) error {
	for i, r := range b.recvs {
		if err := rep.Stats(uint8(i), r.Slot(), r.Stats()); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every sequencer.
func (b *Bank) Close() error {
	var errs []error
	for _, r := range b.recvs {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
