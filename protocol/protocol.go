// Package protocol carries DMX frame reports from the bridge firmware to the
// host over a byte stream (USB CDC serial).
//
// Each message is framed the Klipper way: a length byte, a sequence byte,
// a VLQ payload, a CRC16 and a trailing sync byte. The host resynchronises
// on the sync byte after any framing or CRC error.
package protocol

// Version of the report format
const Version = "1.0.0"

// Message framing
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E

	// Sequence byte: fixed high nibble, 4-bit counter in the low nibble
	MessageDest     = 0x10
	MessageSeqMask  = 0x0F
	MessageSeqShift = 4

	// scratch space for one message
	MessageMax = 2 * MessageLengthMax
)

// Kind identifies a report, encoded as the first VLQ of the payload
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindFrame
	KindFault
	KindStats
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindFrame:
		return "frame"
	case KindFault:
		return "fault"
	case KindStats:
		return "stats"
	}
	return "unknown"
}
