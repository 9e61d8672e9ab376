package provision

import (
	"errors"
	"fmt"
)

// ErrHeaderCRC is returned when a flash header page fails its checksum
var ErrHeaderCRC = errors.New("provision: flash header checksum mismatch")

// FormatError reports a firmware image or flash header that cannot be used
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid firmware image: %s: %v", e.Reason, e.Err)
	}
	return "invalid firmware image: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }
