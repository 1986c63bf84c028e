//go:build rp2040

package main

import (
	"errors"
	"machine"
)

// maxWriteFailures is how many failed writes in a row mean the host went
// away.
const maxWriteFailures = 10

var errUSBStalled = errors.New("usb: no progress")

// InitUSB initializes USB serial communication
// TinyGo automatically sets up USB CDC-ACM on RP2040
func InitUSB() {
	// machine.Serial is USB CDC on RP2040, not UART
	_ = machine.Serial.Configure(machine.UARTConfig{})
}

// usbPort writes reports to the host. Once the host looks gone, a failing
// message is dropped instead of reported so stale frames do not pile up.
type usbPort struct {
	failures uint32
	dropped  uint32
}

func (u *usbPort) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := machine.Serial.Write(p[written:])
		if err == nil && n == 0 {
			err = errUSBStalled
		}
		if err != nil {
			u.failures++
			if u.failures > maxWriteFailures {
				u.failures = 0
				u.dropped++
				return len(p), nil
			}
			return written, err
		}
		written += n
	}
	u.failures = 0
	return written, nil
}
