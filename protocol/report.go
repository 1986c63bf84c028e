package protocol

import (
	"errors"
	"fmt"
	"io"

	"piodmx/core"
)

var (
	ErrMessageTooLong = errors.New("message too long")
	ErrUnknownReport  = errors.New("unknown report")
	ErrMalformed      = errors.New("malformed report")
)

// Report is one decoded firmware message. Which fields are set depends on
// Kind.
type Report struct {
	Kind Kind
	Seq  uint8

	// hello
	Version   string
	Receivers int

	// frame, fault, stats
	Receiver uint8
	Slot     int
	Frame    core.Frame
	Faults   uint32
	Stats    core.Stats
}

// Encoder writes reports from the firmware. It does not allocate and is
// not safe for concurrent use.
type Encoder struct {
	w       io.Writer
	seq     uint8
	scratch ScratchOutput
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Hello announces the report format and the number of receivers.
func (e *Encoder) Hello(receivers int) error {
	return e.send(KindHello, func(out OutputBuffer) {
		EncodeVLQString(out, Version)
		EncodeVLQUint(out, uint32(receivers))
	})
}

// Frame reports a captured window by the public number of its first slot.
func (e *Encoder) Frame(receiver uint8, slot int, f *core.Frame) error {
	return e.send(KindFrame, func(out OutputBuffer) {
		EncodeVLQUint(out, uint32(receiver))
		EncodeVLQUint(out, uint32(slot))
		EncodeVLQBytes(out, f[:])
	})
}

// Fault reports a broken frame with the receiver's running fault count.
func (e *Encoder) Fault(receiver uint8, slot int, faults uint32) error {
	return e.send(KindFault, func(out OutputBuffer) {
		EncodeVLQUint(out, uint32(receiver))
		EncodeVLQUint(out, uint32(slot))
		EncodeVLQUint(out, faults)
	})
}

func (e *Encoder) Stats(receiver uint8, slot int, st core.Stats) error {
	return e.send(KindStats, func(out OutputBuffer) {
		EncodeVLQUint(out, uint32(receiver))
		EncodeVLQUint(out, uint32(slot))
		EncodeVLQUint(out, st.Frames)
		EncodeVLQUint(out, st.Faults)
		EncodeVLQUint(out, st.Rebuilds)
		EncodeVLQUint(out, st.Restarts)
	})
}

func (e *Encoder) send(kind Kind, args func(out OutputBuffer)) error {
	out := &e.scratch
	out.Reset()

	out.Output([]byte{0, MessageDest | e.seq&MessageSeqMask})
	EncodeVLQUint(out, uint32(kind))
	args(out)

	msgLen := out.CurPosition() + MessageTrailerSize
	if msgLen > MessageLengthMax {
		return fmt.Errorf("%v report: %w: %d bytes", kind, ErrMessageTooLong, msgLen)
	}
	out.Update(MessagePositionLen, uint8(msgLen))
	appendCRC(out, CRC16(out.DataSince(0)))

	e.seq = (e.seq + 1) & MessageSeqMask
	_, err := e.w.Write(out.Result())
	return err
}

// ParseReport decodes the payload of one framed message.
func ParseReport(seq uint8, payload []byte) (Report, error) {
	r := Report{Seq: seq & MessageSeqMask}
	data := payload

	kind, err := DecodeVLQUint(&data)
	if err != nil {
		return r, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	r.Kind = Kind(kind)

	var fields []uint32
	switch r.Kind {
	case KindHello:
		if r.Version, err = DecodeVLQString(&data); err != nil {
			return r, fmt.Errorf("%w: hello: %w", ErrMalformed, err)
		}
		n, err := DecodeVLQUint(&data)
		if err != nil {
			return r, fmt.Errorf("%w: hello: %w", ErrMalformed, err)
		}
		r.Receivers = int(n)
		return r, nil

	case KindFrame:
		if fields, err = decodeFields(&data, 2); err == nil {
			var b []byte
			if b, err = DecodeVLQBytes(&data); err == nil && len(b) != core.WindowSlots {
				err = fmt.Errorf("%d slots", len(b))
			}
			copy(r.Frame[:], b)
		}

	case KindFault:
		if fields, err = decodeFields(&data, 3); err == nil {
			r.Faults = fields[2]
		}

	case KindStats:
		if fields, err = decodeFields(&data, 6); err == nil {
			r.Stats = core.Stats{
				Frames:   fields[2],
				Faults:   fields[3],
				Rebuilds: fields[4],
				Restarts: fields[5],
			}
		}

	default:
		return r, fmt.Errorf("%w: kind %d", ErrUnknownReport, kind)
	}
	if err != nil {
		return r, fmt.Errorf("%w: %v: %w", ErrMalformed, r.Kind, err)
	}
	r.Receiver = uint8(fields[0])
	r.Slot = int(fields[1])
	return r, nil
}

func decodeFields(data *[]byte, n int) ([]uint32, error) {
	out := make([]uint32, n)
	for i := range out {
		v, err := DecodeVLQUint(data)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Sink receives reports as values instead of bytes. It has the same
// methods as Encoder, so a receiver loop can feed either.
type Sink func(Report)

func (s Sink) Frame(receiver uint8, slot int, f *core.Frame) error {
	s(Report{Kind: KindFrame, Receiver: receiver, Slot: slot, Frame: *f})
	return nil
}

func (s Sink) Fault(receiver uint8, slot int, faults uint32) error {
	s(Report{Kind: KindFault, Receiver: receiver, Slot: slot, Faults: faults})
	return nil
}

func (s Sink) Stats(receiver uint8, slot int, st core.Stats) error {
	s(Report{Kind: KindStats, Receiver: receiver, Slot: slot, Stats: st})
	return nil
}
