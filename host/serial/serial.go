package serial

import (
	"io"
	"time"
)

// Port is the byte stream to a DMX bridge. Tests substitute an io.Pipe.
type Port interface {
	io.ReadWriteCloser

	// Flush discards buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate. USB CDC ignores it but the driver still requires a value.
	Baud int

	// ReadTimeout bounds each Read. Zero blocks until data arrives.
	ReadTimeout time.Duration
}

// DefaultConfig returns the settings the bridge firmware expects.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}
