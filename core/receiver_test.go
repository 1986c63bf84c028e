package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"piodmx/core"
	"piodmx/softpio"
)

const dmxPin core.GPIOPin = 1

type rig struct {
	drv  *softpio.Driver
	wire *softpio.Wire
}

func newRig() *rig {
	r := &rig{drv: softpio.NewDriver(), wire: softpio.NewWire()}
	r.drv.Connect(dmxPin, r.wire)
	return r
}

func (rg *rig) receiver(t testing.TB, cfg core.ReceiverConfig) *core.Receiver {
	t.Helper()
	cfg.Pin = dmxPin
	cfg.Driver = rg.drv
	r, err := core.NewReceiver(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// universe returns n slots whose values equal their index
func universe(n int) []byte {
	u := make([]byte, n)
	for i := range u {
		u[i] = byte(i)
	}
	return u
}

func window(u []byte, offset int) core.Frame {
	var f core.Frame
	copy(f[:], u[offset:offset+core.WindowSlots])
	return f
}

func TestReceiverDoesNotArmOnConstruction(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{Offset: 10})

	_, ok := r.Armed()
	assert.False(t, ok)
	assert.Equal(t, 0, rg.drv.InUse())
	assert.Equal(t, 10, r.Offset())
	assert.Equal(t, 10, r.Slot())
	assert.Equal(t, core.MarkRevision1990, r.Revision())
}

func TestReceiveWindowAtOffsetZero(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{})
	require.NoError(t, r.Arm())

	u := universe(64)
	rg.wire.WriteFrame(u)

	res, err := r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 0), res.Frame)
}

func TestReceiveOneBasedSlot(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{OneBased: true})
	require.NoError(t, r.SetSlot(33))
	assert.Equal(t, 32, r.Offset())
	require.NoError(t, r.Arm())

	u := universe(512)
	rg.wire.WriteFrame(u)

	res, err := r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 32), res.Frame)

	v, ok := res.Frame.Slot(r.Slot(), 40)
	require.True(t, ok)
	assert.Equal(t, byte(39), v)
}

func TestReceiveLastWindow(t *testing.T) {
	for _, offset := range []int{494, core.MaxOffset} {
		rg := newRig()
		r := rg.receiver(t, core.ReceiverConfig{Offset: offset})
		require.NoError(t, r.Arm())

		u := universe(core.UniverseSlots)
		rg.wire.WriteFrame(u)

		res, err := r.Receive()
		require.NoError(t, err)
		require.Equal(t, core.FrameReady, res.Status, "offset %d", offset)
		assert.Equal(t, window(u, offset), res.Frame)
	}
}

func TestReceiveEdgeWindowBeforeNextBreak(t *testing.T) {
	// The next packet's BREAK reaches the decoder before the poll. Near the
	// end of the universe it is still in its data loop and fails a stop-bit
	// check, but the window in the FIFO is complete.
	for _, offset := range []int{492, 494, core.MaxOffset} {
		rg := newRig()
		r := rg.receiver(t, core.ReceiverConfig{Offset: offset})
		require.NoError(t, r.Arm())

		u := universe(core.UniverseSlots)
		rg.wire.WriteFrame(u)
		rg.wire.WriteFrame(u[:4])

		res, err := r.Receive()
		require.NoError(t, err, "offset %d", offset)
		require.Equal(t, core.FrameReady, res.Status, "offset %d", offset)
		assert.Equal(t, window(u, offset), res.Frame)
		assert.Zero(t, r.Stats().Faults)

		res, err = r.Receive()
		require.NoError(t, err)
		assert.Equal(t, core.NoData, res.Status, "re-armed clean")
	}
}

func TestReceiveNoDataUntilWindowComplete(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{Offset: 4})
	require.NoError(t, r.Arm())

	res, err := r.Receive()
	require.NoError(t, err)
	assert.Equal(t, core.NoData, res.Status)

	u := universe(32)
	rg.wire.WriteFrame(u[:12])
	res, err = r.Receive()
	require.NoError(t, err)
	assert.Equal(t, core.NoData, res.Status)

	for _, b := range u[12:20] {
		rg.wire.Slot(b)
	}
	res, err = r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 4), res.Frame)
}

func TestReceiveConsecutiveFrames(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{Offset: 2})
	require.NoError(t, r.Arm())

	first := universe(40)
	second := make([]byte, 40)
	for i := range second {
		second[i] = 0xff - byte(i)
	}

	rg.wire.WriteFrame(first)
	res, err := r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(first, 2), res.Frame)

	rg.wire.WriteFrame(second)
	res, err = r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(second, 2), res.Frame)

	st := r.Stats()
	assert.Equal(t, uint32(2), st.Frames)
	assert.Equal(t, uint32(1), st.Rebuilds)
	assert.Equal(t, uint32(2), st.Restarts)
}

func TestReceiveFaultRearms(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{})
	require.NoError(t, r.Arm())

	u := universe(32)
	rg.wire.WriteFrame(u, softpio.WithBrokenStopBit(3))

	res, err := r.Receive()
	assert.Equal(t, core.Fault, res.Status)
	require.ErrorIs(t, err, core.ErrProtocolFault)
	assert.NotErrorIs(t, err, core.ErrSequencerUnavailable)

	off, ok := r.Armed()
	require.True(t, ok, "re-armed after the fault")
	assert.Equal(t, 0, off)

	rg.wire.WriteFrame(u)
	res, err = r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 0), res.Frame)
	assert.Equal(t, uint32(1), r.Stats().Faults)
}

func TestReceiveFaultInSkippedSlot(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{Offset: 20})
	require.NoError(t, r.Arm())

	rg.wire.WriteFrame(universe(64), softpio.WithBrokenStopBit(7))
	res, err := r.Receive()
	assert.Equal(t, core.Fault, res.Status)
	assert.ErrorIs(t, err, core.ErrProtocolFault)
}

func TestReceiveShortUniverseFaultsAtNextBreak(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{Offset: 8})
	require.NoError(t, r.Arm())

	rg.wire.WriteFrame(universe(12))
	rg.wire.WriteFrame(universe(12))

	res, err := r.Receive()
	assert.Equal(t, core.Fault, res.Status)
	assert.ErrorIs(t, err, core.ErrProtocolFault)
}

func TestReceiveRejectsBadFrames(t *testing.T) {
	short := softpio.DefaultTiming()
	short.Break = 60

	tests := []struct {
		name string
		opts []softpio.FrameOption
	}{
		{"non-null start code", []softpio.FrameOption{softpio.WithStartCode(0xcc)}},
		{"text packet", []softpio.FrameOption{softpio.WithStartCode(0x17)}},
		{"short break", []softpio.FrameOption{softpio.WithTiming(short)}},
		{"broken start code stop bit", []softpio.FrameOption{softpio.WithBrokenStopBit(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rg := newRig()
			r := rg.receiver(t, core.ReceiverConfig{})
			require.NoError(t, r.Arm())

			rg.wire.WriteFrame(universe(64), tt.opts...)
			res, err := r.Receive()
			require.NoError(t, err)
			assert.Equal(t, core.NoData, res.Status)
		})
	}
}

func TestReceiveMarkAfterBreakRevision(t *testing.T) {
	timing := softpio.DefaultTiming()
	timing.MarkAfterBreak = 4
	u := universe(32)

	rg := newRig()
	modern := rg.receiver(t, core.ReceiverConfig{Revision: core.MarkRevision1990})
	legacy := rg.receiver(t, core.ReceiverConfig{Revision: core.MarkRevision1986})
	require.NoError(t, modern.Arm())
	require.NoError(t, legacy.Arm())

	rg.wire.WriteFrame(u, softpio.WithTiming(timing))

	res, err := modern.Receive()
	require.NoError(t, err)
	assert.Equal(t, core.NoData, res.Status, "4 µs MARK is too short since 1990")

	res, err = legacy.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 0), res.Frame)
}

func TestReceiveResetTimingThresholds(t *testing.T) {
	tests := []struct {
		name     string
		rev      core.MarkRevision
		brk, mab uint64
		want     core.Status
	}{
		{"break 82", core.MarkRevision1990, 82, 12, core.NoData},
		{"break 83", core.MarkRevision1990, 83, 12, core.FrameReady},
		{"break 84", core.MarkRevision1990, 84, 12, core.FrameReady},
		{"break 88 mark 6", core.MarkRevision1990, 88, 6, core.FrameReady},
		{"mark 5", core.MarkRevision1990, 176, 5, core.NoData},
		{"mark 6", core.MarkRevision1990, 176, 6, core.FrameReady},
		{"1986 mark 1", core.MarkRevision1986, 176, 1, core.NoData},
		{"1986 mark 2", core.MarkRevision1986, 176, 2, core.FrameReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timing := softpio.DefaultTiming()
			timing.Break = tt.brk
			timing.MarkAfterBreak = tt.mab

			rg := newRig()
			r := rg.receiver(t, core.ReceiverConfig{Revision: tt.rev})
			require.NoError(t, r.Arm())

			u := universe(64)
			rg.wire.WriteFrame(u, softpio.WithTiming(timing))
			res, err := r.Receive()
			require.NoError(t, err)
			require.Equal(t, tt.want, res.Status)
			if tt.want == core.FrameReady {
				assert.Equal(t, window(u, 0), res.Frame)
			}
		})
	}
}

func TestReceiveShortMarkAfterShortBreakSlipsOneSlot(t *testing.T) {
	// An 84 µs BREAK ends before the MARK check starts, so a 4 µs MARK is
	// never sampled; the START CODE's stop bits pass for it and a zero
	// first slot passes for the START CODE.
	timing := softpio.DefaultTiming()
	timing.Break = 84
	timing.MarkAfterBreak = 4

	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{})
	require.NoError(t, r.Arm())

	u := universe(64)
	rg.wire.WriteFrame(u, softpio.WithTiming(timing))
	res, err := r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 1), res.Frame)
}

func TestReceiveWithMarkBetweenSlots(t *testing.T) {
	timing := softpio.DefaultTiming()
	timing.MarkBetweenSlots = 17
	timing.MarkBeforeBreak = 1000

	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{Offset: 6})
	require.NoError(t, r.Arm())

	u := universe(30)
	rg.wire.WriteFrame(u, softpio.WithTiming(timing))
	res, err := r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 6), res.Frame)
}

func TestSetSlotRebuildsOnNextArm(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{})
	require.NoError(t, r.Arm())

	require.NoError(t, r.SetSlot(32))
	off, ok := r.Armed()
	require.True(t, ok)
	assert.Equal(t, 0, off, "SetSlot does not re-arm")

	res, err := r.Receive()
	require.NoError(t, err)
	assert.Equal(t, core.NoData, res.Status)
	off, _ = r.Armed()
	assert.Equal(t, 32, off)
	assert.Equal(t, uint32(2), r.Stats().Rebuilds)
	assert.Equal(t, 1, rg.drv.InUse(), "old sequencer released")

	u := universe(64)
	rg.wire.WriteFrame(u)
	res, err = r.Receive()
	require.NoError(t, err)
	require.Equal(t, core.FrameReady, res.Status)
	assert.Equal(t, window(u, 32), res.Frame)
}

func TestArmAtValidates(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{})

	require.ErrorIs(t, r.ArmAt(3), core.ErrInvalidSlot)
	require.ErrorIs(t, r.ArmAt(498), core.ErrInvalidSlot)
	_, ok := r.Armed()
	assert.False(t, ok)

	require.NoError(t, r.ArmAt(100))
	off, ok := r.Armed()
	require.True(t, ok)
	assert.Equal(t, 100, off)
	assert.Equal(t, 100, r.Offset())
}

func TestReceiversShareWire(t *testing.T) {
	rg := newRig()
	offsets := []int{0, 100, 250, core.MaxOffset}
	var rs []*core.Receiver
	for _, off := range offsets {
		r := rg.receiver(t, core.ReceiverConfig{Offset: off})
		require.NoError(t, r.Arm())
		rs = append(rs, r)
	}

	u := make([]byte, core.UniverseSlots)
	for i := range u {
		u[i] = byte(i*7 + 3)
	}
	rg.wire.WriteFrame(u)

	for i, r := range rs {
		res, err := r.Receive()
		require.NoError(t, err)
		require.Equal(t, core.FrameReady, res.Status, "offset %d", offsets[i])
		assert.Equal(t, window(u, offsets[i]), res.Frame)
	}
}

func TestSequencerExhaustion(t *testing.T) {
	rg := newRig()
	for i := range softpio.NumBlocks * softpio.MachinesPerPIO {
		r := rg.receiver(t, core.ReceiverConfig{Offset: 2 * i})
		require.NoError(t, r.Arm())
	}

	r := rg.receiver(t, core.ReceiverConfig{})
	err := r.Arm()
	require.ErrorIs(t, err, core.ErrSequencerUnavailable)
	assert.ErrorIs(t, err, softpio.ErrNoFreeUnit)
	assert.NotErrorIs(t, err, core.ErrProtocolFault)

	_, err = r.Next()
	assert.ErrorIs(t, err, core.ErrSequencerUnavailable, "resource errors are not swallowed")
}

func TestRevisionsNeedSeparateBlocks(t *testing.T) {
	rg := newRig()
	for range softpio.MachinesPerPIO {
		r := rg.receiver(t, core.ReceiverConfig{})
		require.NoError(t, r.Arm())
	}
	legacy := rg.receiver(t, core.ReceiverConfig{Revision: core.MarkRevision1986})
	require.NoError(t, legacy.Arm())

	r := rg.receiver(t, core.ReceiverConfig{})
	assert.ErrorIs(t, r.Arm(), softpio.ErrNoFreeUnit)

	require.NoError(t, legacy.Close())
	assert.NoError(t, r.Arm())
}

func TestNextSwallowsFaults(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{})

	f, err := r.Next()
	require.NoError(t, err)
	assert.Nil(t, f, "first call only arms")

	u := universe(24)
	rg.wire.WriteFrame(u, softpio.WithBrokenStopBit(0))
	f, err = r.Next()
	require.NoError(t, err)
	assert.Nil(t, f)

	rg.wire.WriteFrame(u)
	f, err = r.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, window(u, 0), *f)
	assert.Equal(t, uint32(1), r.Stats().Faults)
}

func TestFramesStream(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{Offset: 16})
	u := universe(48)

	var got []*core.Frame
	for f := range r.Frames() {
		got = append(got, f)
		switch len(got) {
		case 1:
			rg.wire.WriteFrame(u, softpio.WithBrokenStopBit(20))
		case 2:
			rg.wire.WriteFrame(u)
		}
		if len(got) == 3 {
			break
		}
	}
	require.NoError(t, r.Err())
	require.Len(t, got, 3)
	assert.Nil(t, got[0])
	assert.Nil(t, got[1])
	require.NotNil(t, got[2])
	assert.Equal(t, window(u, 16), *got[2])
	assert.Equal(t, uint32(1), r.Stats().Faults)
}

func TestFramesStopsOnResourceError(t *testing.T) {
	drv := softpio.NewDriver()
	r, err := core.NewReceiver(core.ReceiverConfig{Pin: 7, Driver: drv})
	require.NoError(t, err)

	n := 0
	for range r.Frames() {
		n++
	}
	assert.Zero(t, n)
	require.ErrorIs(t, r.Err(), core.ErrSequencerUnavailable)
	assert.ErrorIs(t, r.Err(), softpio.ErrPinNotConnected)
}

func TestCloseReleasesSequencer(t *testing.T) {
	rg := newRig()
	r := rg.receiver(t, core.ReceiverConfig{})
	require.NoError(t, r.Arm())
	assert.Equal(t, 1, rg.drv.InUse())

	require.NoError(t, r.Close())
	assert.Equal(t, 0, rg.drv.InUse())
	_, ok := r.Armed()
	assert.False(t, ok)

	require.NoError(t, r.Arm(), "a closed receiver can be armed again")
	assert.Equal(t, 1, rg.drv.InUse())
}

func TestNewReceiverValidation(t *testing.T) {
	_, err := core.NewReceiver(core.ReceiverConfig{Offset: 497})
	assert.ErrorIs(t, err, core.ErrInvalidSlot)

	_, err = core.NewReceiver(core.ReceiverConfig{Offset: 7})
	var se *core.SlotError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 7, se.Value)

	_, err = core.NewReceiver(core.ReceiverConfig{Revision: core.MarkRevision(9)})
	assert.Error(t, err)
}

func TestOffsetValidationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.IntRange(-600, 1200).Draw(t, "offset")
		valid := v >= 0 && v <= core.MaxOffset && v%2 == 0

		err := core.ValidateOffset(v)
		_, nerr := core.NewReceiver(core.ReceiverConfig{Offset: v})
		if valid {
			require.NoError(t, err)
			require.NoError(t, nerr)
		} else {
			require.ErrorIs(t, err, core.ErrInvalidSlot)
			require.ErrorIs(t, nerr, core.ErrInvalidSlot)
		}
	})
}

func TestSetSlotRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		oneBased := rapid.Bool().Draw(t, "oneBased")
		slot := rapid.IntRange(-20, 530).Draw(t, "slot")

		r, err := core.NewReceiver(core.ReceiverConfig{OneBased: oneBased})
		require.NoError(t, err)

		offset := slot - r.Basis()
		valid := offset >= 0 && offset <= core.MaxOffset && offset%2 == 0

		err = r.SetSlot(slot)
		if valid {
			require.NoError(t, err)
			require.Equal(t, slot, r.Slot())
			require.Equal(t, offset, r.Offset())
		} else {
			require.ErrorIs(t, err, core.ErrInvalidSlot)
			require.Equal(t, 0, r.Offset(), "rejected slot leaves the window alone")
		}
		_, armed := r.Armed()
		require.False(t, armed)
	})
}

func TestCapturedWindowProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		offset := 2 * rapid.IntRange(0, core.MaxOffset/2).Draw(t, "half")
		n := rapid.IntRange(offset+core.WindowSlots, core.UniverseSlots).Draw(t, "slots")
		u := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "universe")

		rg := newRig()
		r, err := core.NewReceiver(core.ReceiverConfig{Pin: dmxPin, Driver: rg.drv, Offset: offset})
		require.NoError(t, err)
		defer r.Close()
		require.NoError(t, r.Arm())

		rg.wire.WriteFrame(u)
		res, err := r.Receive()
		require.NoError(t, err)
		require.Equal(t, core.FrameReady, res.Status)
		require.Equal(t, window(u, offset), res.Frame)
	})
}
