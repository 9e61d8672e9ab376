//go:build windows
// +build windows

package bmp

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// OpenSerial opens the probe's GDB server through its virtual serial port
func OpenSerial(path string, timeout time.Duration) (Transport, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: 115200})
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", path, err)
	}
	if timeout > 0 {
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set timeout on %s: %w", path, err)
		}
	}
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to raise DTR on %s: %w", path, err)
	}
	return port, nil
}
