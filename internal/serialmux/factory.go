package serialmux

import (
	"fmt"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Open opens the serial device at path with opts and wraps it in a mux.
func Open(path string, opts PortOptions, logger *zap.Logger) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	m := NewSerialMux[serial.Port](port, logger)
	m.log.Info("serial port open", zap.String("path", path), zap.Int("baud", mode.BaudRate))
	return m, nil
}
