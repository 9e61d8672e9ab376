//go:build !windows
// +build !windows

package bmp

import (
	"fmt"
	"time"

	"github.com/pkg/term"
)

// OpenSerial opens the probe's GDB server through its virtual serial port
func OpenSerial(path string, timeout time.Duration) (Transport, error) {
	options := []func(*term.Term) error{term.RawMode, term.Speed(115200)}
	if timeout > 0 {
		options = append(options, term.ReadTimeout(timeout))
	}
	port, err := term.Open(path, options...)
	if err != nil {
		return nil, fmt.Errorf("opening term(%s): %w", path, err)
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("flushing term(%s): %w", path, err)
	}
	return port, nil
}
