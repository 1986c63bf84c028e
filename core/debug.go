package core

import "fmt"

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

var (
	// debugPrintln is the platform debug sink (USB println, a host logger)
	debugPrintln DebugWriter = func(s string) {}

	// Off by default; formatting on every re-arm costs time on the MCU
	debugEnabled bool
)

// SetDebugWriter sets the platform-specific debug output function.
// Passing nil restores the no-op writer.
func SetDebugWriter(writer DebugWriter) {
	if writer == nil {
		writer = func(string) {}
	}
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

func debugf(format string, args ...any) {
	if !debugEnabled {
		return
	}
	debugPrintln(fmt.Sprintf(format, args...))
}
