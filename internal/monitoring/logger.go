// Package monitoring holds the diagnostic logging hook shared by the ring,
// capture and export packages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger so tests can capture or silence dump progress output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Every returns a logger that forwards only every n-th call to Logf. It is
// used for per-packet progress lines during capture replay.
func Every(n int) func(format string, v ...interface{}) {
	if n < 1 {
		n = 1
	}
	calls := 0
	return func(format string, v ...interface{}) {
		calls++
		if calls%n == 0 {
			Logf(format, v...)
		}
	}
}
