package softpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piodmx/core"
	"piodmx/pioasm"
)

const testPin core.GPIOPin = 4

func assemble(t *testing.T, b *pioasm.Builder) *pioasm.Program {
	t.Helper()
	p, err := b.Assemble()
	require.NoError(t, err)
	return p
}

func start(t *testing.T, d *Driver, cfg core.SequencerConfig) *StateMachine {
	t.Helper()
	cfg.Pin = testPin
	cfg.FrequencyHz = core.SequencerHz
	seq, err := d.Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seq.Close() })
	return seq.(*StateMachine)
}

func newRig() (*Driver, *Wire) {
	d := NewDriver()
	w := NewWire()
	d.Connect(testPin, w)
	return d, w
}

func samplerProgram(t *testing.T) *pioasm.Program {
	b := pioasm.NewBuilder("sampler", 0)
	b.Add(pioasm.In(pioasm.InPins, 1).Delay(3))
	return assemble(t, b)
}

func TestMachineSamplesBitsRightShift(t *testing.T) {
	d, w := newRig()
	sm := start(t, d, core.SequencerConfig{
		Program:       samplerProgram(t),
		ShiftRight:    true,
		AutoPush:      true,
		PushThreshold: 8,
	})

	const b = 0xa5
	for i := range 8 {
		w.Drive(b>>i&1 == 1, BitTime)
	}

	require.Equal(t, 1, sm.RxLevel())
	assert.Equal(t, uint32(b)<<24, sm.RxGet())
	assert.Equal(t, 0, sm.RxLevel())
}

func TestMachineSamplesBitsLeftShift(t *testing.T) {
	d, w := newRig()
	sm := start(t, d, core.SequencerConfig{
		Program:       samplerProgram(t),
		AutoPush:      true,
		PushThreshold: 8,
	})

	for _, bit := range []bool{true, false, false, false, false, false, true, true} {
		w.Drive(bit, BitTime)
	}
	require.Equal(t, 1, sm.RxLevel())
	assert.Equal(t, uint32(0x83), sm.RxGet())
}

func TestMachineStallsOnFullFIFO(t *testing.T) {
	d, w := newRig()
	sm := start(t, d, core.SequencerConfig{
		Program:       samplerProgram(t),
		ShiftRight:    true,
		AutoPush:      true,
		PushThreshold: 8,
	})

	w.Idle(8 * BitTime * 10)
	assert.Equal(t, fifoDepth, sm.RxLevel())
	pc := sm.PC()

	assert.Equal(t, uint32(0xff000000), sm.RxGet())
	w.Idle(8 * BitTime)
	assert.Equal(t, fifoDepth, sm.RxLevel())
	assert.Equal(t, pc, sm.PC())
}

func TestMachineWaitSkipsToEdge(t *testing.T) {
	d, w := newRig()
	b := pioasm.NewBuilder("edges", 0)
	b.Add(
		pioasm.Wait(false, pioasm.WaitPin, 0),
		pioasm.Set(pioasm.SetX, 5),
		pioasm.Wait(true, pioasm.WaitPin, 0),
		pioasm.Set(pioasm.SetX, 7),
	)
	sm := start(t, d, core.SequencerConfig{Program: assemble(t, b)})

	w.Idle(100)
	assert.Equal(t, uint8(0), sm.PC())
	assert.Equal(t, uint64(100), sm.Now())

	w.Drive(false, 10)
	assert.Equal(t, uint32(5), sm.X())
	assert.Equal(t, uint8(2), sm.PC())

	w.Drive(true, 5)
	assert.Equal(t, uint32(7), sm.X())
	assert.Equal(t, uint8(0), sm.PC())
	assert.Equal(t, uint64(115), sm.Now())
}

func TestMachineBlockingPullRaisesTxStall(t *testing.T) {
	d, w := newRig()
	b := pioasm.NewBuilder("stall", 0)
	b.Add(pioasm.Pull(false, true))
	sm := start(t, d, core.SequencerConfig{Program: assemble(t, b)})

	assert.False(t, sm.TxStalled(), "nothing has run yet")
	w.Idle(1)
	assert.True(t, sm.TxStalled())

	sm.ClearTxStall()
	assert.False(t, sm.TxStalled())
	w.Idle(1)
	assert.True(t, sm.TxStalled(), "still stalled on the same PULL")
}

func TestMachineStopHoldsState(t *testing.T) {
	d, w := newRig()
	sm := start(t, d, core.SequencerConfig{
		Program:       samplerProgram(t),
		ShiftRight:    true,
		AutoPush:      true,
		PushThreshold: 8,
	})

	w.Idle(8 * BitTime)
	sm.Stop()
	w.Idle(8 * BitTime * 3)
	assert.Equal(t, 1, sm.RxLevel())

	sm.ClearRxFIFO()
	sm.Restart()
	w.Idle(8 * BitTime)
	assert.Equal(t, 1, sm.RxLevel())
	assert.Equal(t, uint64(8*BitTime*5), sm.Now())
}

func TestDecoderInitLoadsSkipCount(t *testing.T) {
	prog, err := core.DecoderProgram(core.MarkRevision1990)
	require.NoError(t, err)

	for _, offset := range []int{0, 2, 30, 32, 254, 256, 494, 496} {
		d, w := newRig()
		init, err := prog.Resolve(core.InitSequence(offset))
		require.NoError(t, err)
		sm := start(t, d, core.SequencerConfig{
			Program:       prog,
			Init:          init,
			ShiftRight:    true,
			AutoPush:      true,
			PushThreshold: 32,
		})

		assert.Equal(t, uint32(offset), sm.Y(), "offset %d", offset)
		w.Idle(50)
		assert.Equal(t, core.StateBreakWait, sm.State(), "offset %d", offset)
		assert.Equal(t, prog.MustLabel("break")+1, sm.PC())
	}
}

func TestDecoderStateWalk(t *testing.T) {
	prog, err := core.DecoderProgram(core.MarkRevision1990)
	require.NoError(t, err)
	init, err := prog.Resolve(core.InitSequence(0))
	require.NoError(t, err)

	d, w := newRig()
	sm := start(t, d, core.SequencerConfig{
		Program:       prog,
		Init:          init,
		ShiftRight:    true,
		AutoPush:      true,
		PushThreshold: 32,
	})

	w.Idle(20)
	w.Drive(false, 40)
	assert.Equal(t, core.StateSpaceForBreak, sm.State())

	w.Drive(false, 136)
	w.Drive(true, 12)
	assert.Equal(t, core.StateNullStart, sm.State())

	w.Slot(0x00)
	assert.Equal(t, core.StateCapture, sm.State())

	w.Slot(0x01)
	assert.Equal(t, core.StateCapture, sm.State())
	assert.Equal(t, uint32(0), sm.Y())

	w.slot(0x02, false)
	assert.Equal(t, core.StateFail, sm.State())
	assert.True(t, sm.TxStalled())
	assert.Equal(t, 0, sm.RxLevel())
}

func TestDriverAllocation(t *testing.T) {
	d, _ := newRig()
	progA := samplerProgram(t)
	bb := pioasm.NewBuilder("other", 0)
	bb.Add(pioasm.Pull(false, true))
	progB := assemble(t, bb)

	cfg := func(p *pioasm.Program) core.SequencerConfig {
		return core.SequencerConfig{Program: p, Pin: testPin, FrequencyHz: core.SequencerHz}
	}

	var a []core.Sequencer
	for range MachinesPerPIO {
		seq, err := d.Start(cfg(progA))
		require.NoError(t, err)
		a = append(a, seq)
	}
	for i, s := range a {
		blk, idx := s.(*StateMachine).Unit()
		assert.Equal(t, 0, blk, "one program shares a block")
		assert.Equal(t, i, idx)
	}
	b1, err := d.Start(cfg(progB))
	require.NoError(t, err)
	blk, idx := b1.(*StateMachine).Unit()
	assert.Equal(t, 1, blk)
	assert.Equal(t, 0, idx)
	assert.Equal(t, MachinesPerPIO+1, d.InUse())

	_, err = d.Start(cfg(progA))
	assert.ErrorIs(t, err, ErrNoFreeUnit)

	require.NoError(t, b1.Close())
	seq, err := d.Start(cfg(progA))
	require.NoError(t, err, "the freed block takes the program")
	blk, _ = seq.(*StateMachine).Unit()
	assert.Equal(t, 1, blk)
	a = append(a, seq)

	_, err = d.Start(cfg(progB))
	assert.ErrorIs(t, err, ErrNoProgramSpace)

	for _, s := range a {
		require.NoError(t, s.Close())
	}
	assert.Equal(t, 0, d.InUse())
	require.NoError(t, a[0].Close(), "double close")
}

func TestDriverRejectsBadConfig(t *testing.T) {
	d, _ := newRig()
	prog := samplerProgram(t)

	_, err := d.Start(core.SequencerConfig{Program: prog, Pin: 9, FrequencyHz: core.SequencerHz})
	assert.ErrorIs(t, err, ErrPinNotConnected)

	_, err = d.Start(core.SequencerConfig{Program: prog, Pin: testPin, FrequencyHz: 2_000_000})
	assert.ErrorIs(t, err, ErrClockRate)
}
