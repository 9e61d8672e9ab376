package bmp

import (
	"errors"
	"fmt"

	"github.com/blackmagic-debug/bmpflash/pkg/remote"
)

var (
	// ErrTooLarge is returned when the probe rejects a request as too large
	// for it to service. The caller may retry with a smaller transfer.
	ErrTooLarge = errors.New("bmp: request too large for the probe")

	// ErrBusInactive is returned for SPI operations outside a Begin/End pair
	ErrBusInactive = errors.New("bmp: no SPI bus is active")

	// ErrBusActive is returned when Begin is called on an active session
	ErrBusActive = errors.New("bmp: an SPI bus is already active")

	// ErrFirmwareTooOld is returned when the probe speaks a remote protocol
	// older than MinProtocolVersion
	ErrFirmwareTooOld = errors.New("probe is running firmware that is too old, please update it")

	// ErrNoProbe is returned when discovery finds nothing to talk to
	ErrNoProbe = errors.New("could not find any Black Magic Probes")

	// ErrAmbiguousProbe is returned when several probes match and none was picked
	ErrAmbiguousProbe = errors.New("multiple probes found, please use a serial number to select a specific one")
)

// CommsError is a communications fault with the probe. The session should
// be considered unusable once one has been returned.
type CommsError struct {
	// Op is the request that failed
	Op string

	// Status is the response status if a response was received
	Status remote.Status

	// Err is the underlying transport or decode error, if any
	Err error
}

func (e *CommsError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("communications failure with Black Magic Probe during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("communications failure with Black Magic Probe during %s: %s", e.Op, e.Status)
}

func (e *CommsError) Unwrap() error { return e.Err }

// IsCommsError returns true if err is or wraps a CommsError
func IsCommsError(err error) bool {
	var comms *CommsError
	return errors.As(err, &comms)
}
