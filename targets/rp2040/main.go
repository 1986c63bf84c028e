//go:build rp2040

// Firmware for a DMX512 bridge: receivers on one PIO input report their
// 16-slot windows to the host over USB.
package main

import (
	"image/color"
	"machine"
	"time"

	"tinygo.org/x/drivers/ws2812"

	"piodmx/bank"
	"piodmx/core"
	"piodmx/protocol"
	"piodmx/targets/pio"
)

// Board layout. dmxPin is fed by an RS-485 transceiver's RO output.
var (
	dmxPin    = machine.GPIO1
	statusPin = machine.GPIO16 // WS2812 on RP2040-Zero style boards

	receiverSlots = []int{1, 17, 33, 49}
	oneBased      = true
	revision      = core.MarkRevision1990
)

const (
	helloInterval = 1_000_000 // µs
	statsInterval = 5_000_000
)

var (
	usb       usbPort
	msgerrors uint32
)

func main() {
	// CRITICAL: Disable watchdog on boot to clear any previous state
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	InitUSB()
	pio.InitSequencers()

	bk, err := bank.New(bank.Config{
		Pin:      core.GPIOPin(dmxPin),
		Slots:    receiverSlots,
		OneBased: oneBased,
		Revision: revision,
	})
	if err != nil {
		halt()
	}
	if err := bk.Arm(); err != nil {
		halt()
	}

	status := newStatusPixel(statusPin)
	enc := protocol.NewEncoder(&usb)
	rep := statusReporter{Reporter: enc, px: status}

	var lastHello, lastStats uint64
	for {
		func() {
			// Recover from panics in the main loop to prevent a firmware crash
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
				}
			}()

			if every(&lastHello, helloInterval) {
				if enc.Hello(bk.Len()) != nil {
					msgerrors++
				}
			}
			if _, err := bk.Poll(rep); err != nil {
				msgerrors++
			}
			if every(&lastStats, statsInterval) {
				if bk.ReportStats(enc) != nil {
					msgerrors++
				}
			}
		}()

		// Yield to the USB stack
		time.Sleep(50 * time.Microsecond)
	}
}

// statusReporter shows the first receiver's first three slots as an RGB
// colour on the status pixel, so the board doubles as a one-pixel fixture.
type statusReporter struct {
	bank.Reporter
	px *statusPixel
}

func (s statusReporter) Frame(receiver uint8, slot int, f *core.Frame) error {
	if receiver == 0 {
		s.px.set(color.RGBA{R: f[0], G: f[1], B: f[2]})
	}
	return s.Reporter.Frame(receiver, slot, f)
}

func (s statusReporter) Fault(receiver uint8, slot int, faults uint32) error {
	if receiver == 0 {
		s.px.set(color.RGBA{R: 0x20})
	}
	return s.Reporter.Fault(receiver, slot, faults)
}

type statusPixel struct {
	dev  ws2812.Device
	last color.RGBA
	buf  [1]color.RGBA
}

func newStatusPixel(pin machine.Pin) *statusPixel {
	pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p := &statusPixel{dev: ws2812.New(pin)}
	p.set(color.RGBA{})
	return p
}

// set writes only on change; a WS2812 write blocks interrupts for ~30 µs.
func (p *statusPixel) set(c color.RGBA) {
	if c == p.last {
		return
	}
	p.last = c
	p.buf[0] = c
	_ = p.dev.WriteColors(p.buf[:])
}

// halt flashes the LED rapidly to indicate a configuration error
func halt() {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		led.High()
		time.Sleep(100 * time.Millisecond)
		led.Low()
		time.Sleep(100 * time.Millisecond)
	}
}
