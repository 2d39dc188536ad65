package serialmux

import "io"

// SerialPorter is the subset of a serial port the mux needs, so tests can
// substitute in-memory ports.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
