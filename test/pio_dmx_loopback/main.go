//go:build rp2040

package main

// PIO DMX loopback test - jumper txPin to rxPin.
// Bit-bangs DMX packets on txPin and checks every receiver window against
// what was sent. Results go to the USB console.

import (
	"device/rp"
	"machine"
	"runtime/interrupt"
	"time"

	"piodmx/bank"
	"piodmx/core"
	"piodmx/protocol"
	"piodmx/targets/pio"
)

const (
	txPin = machine.GPIO0
	rxPin = machine.GPIO1

	universeSize = 128
	bitTime      = 4 // µs at 250 kbit/s
)

var windowSlots = []int{1, 17, 33, 49, 97, 113}

// Packet variants: timing in µs plus whether the receivers should accept it
var packetTests = []struct {
	name     string
	brk, mab uint32
	accept   bool
}{
	{"typical", 176, 12, true},
	{"minimum break", 92, 12, true},
	{"short break", 60, 12, false},
	{"1986 mark after break", 176, 4, false},
}

func main() {
	time.Sleep(3 * time.Second)

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	txPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	txPin.High()

	println("=== PIO DMX Loopback Test ===")
	println("TX: GP0 -> RX: GP1")

	drv := pio.InitSequencers()
	bk, err := bank.New(bank.Config{Pin: core.GPIOPin(rxPin), Slots: windowSlots, OneBased: true})
	if err == nil {
		err = bk.Arm()
	}
	if err != nil {
		println("Init error:", err.Error())
		for {
			led.High()
			time.Sleep(100 * time.Millisecond)
			led.Low()
			time.Sleep(100 * time.Millisecond)
		}
	}
	println("Init OK!")
	for block, sms := range drv.AllocationStatus() {
		for sm, used := range sms {
			if used {
				println("  PIO", block, "SM", sm, "claimed")
			}
		}
	}

	var universe [universeSize]byte
	cycle := 0
	for {
		cycle++
		println("\n=== Cycle", cycle, "===")

		for _, test := range packetTests {
			for i := range universe {
				universe[i] = byte(i*7 + cycle)
			}
			led.High()
			sendPacket(test.brk, test.mab, universe[:])
			led.Low()

			var got []protocol.Report
			if _, err := bk.Poll(protocol.Sink(func(r protocol.Report) { got = append(got, r) })); err != nil {
				println("  poll error:", err.Error())
			}
			println(test.name+":", check(got, universe[:], test.accept))
			time.Sleep(100 * time.Millisecond)
		}
		time.Sleep(time.Second)
	}
}

// check compares the reports of one packet with the windows that were sent.
func check(got []protocol.Report, universe []byte, accept bool) string {
	if !accept {
		if len(got) == 0 {
			return "PASS (ignored)"
		}
		return "FAIL (accepted a bad packet)"
	}
	if len(got) != len(windowSlots) {
		return "FAIL (missing windows)"
	}
	for _, r := range got {
		if r.Kind != protocol.KindFrame {
			return "FAIL (" + r.Kind.String() + ")"
		}
		want := universe[r.Slot-1 : r.Slot-1+core.WindowSlots]
		for i, b := range r.Frame {
			if b != want[i] {
				return "FAIL (data)"
			}
		}
	}
	return "PASS"
}

func micros() uint32 {
	return rp.TIMER.TIMERAWL.Get()
}

// hold waits for start, drives level and returns when it should end.
func hold(level bool, start, us uint32) uint32 {
	for int32(micros()-start) < 0 {
	}
	txPin.Set(level)
	return start + us
}

// sendPacket bit-bangs BREAK, MARK AFTER BREAK, a null START CODE and the
// slots with interrupts off so bit edges stay on the microsecond grid.
func sendPacket(brk, mab uint32, slots []byte) {
	state := interrupt.Disable()
	defer interrupt.Restore(state)

	t := micros() + 10
	t = hold(true, t, 20)
	t = hold(false, t, brk)
	t = hold(true, t, mab)
	for i := -1; i < len(slots); i++ {
		var b byte
		if i >= 0 {
			b = slots[i]
		}
		t = hold(false, t, bitTime)
		for bit := range 8 {
			t = hold(b>>bit&1 == 1, t, bitTime)
		}
		t = hold(true, t, 2*bitTime)
	}
	hold(true, t, 0)
}
