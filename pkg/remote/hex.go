package remote

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidHex is returned when a payload from the probe is not a properly
// formed run of hex digit pairs
var ErrInvalidHex = errors.New("remote: payload is not properly hex encoded")

// EncodeHex converts data into lowercase hex, two characters per byte
func EncodeHex(data []byte) string {
	return hex.EncodeToString(data)
}

// DecodeHex fills dst from the leading 2*len(dst) characters of src.
// Trailing characters beyond that are ignored.
func DecodeHex(src string, dst []byte) error {
	if len(src) < len(dst)*2 {
		return fmt.Errorf("%w: have %d characters, need %d", ErrInvalidHex, len(src), len(dst)*2)
	}
	if _, err := hex.Decode(dst, []byte(src[:len(dst)*2])); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHex, err)
	}
	return nil
}

// DecodeUint parses a big-endian hex number of at most 16 digits
func DecodeUint(src string) (uint64, error) {
	if len(src) == 0 || len(src) > 16 {
		return 0, fmt.Errorf("%w: %q is not a 64-bit hex number", ErrInvalidHex, src)
	}
	value, err := strconv.ParseUint(src, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a 64-bit hex number", ErrInvalidHex, src)
	}
	return value, nil
}

// Uint8 formats v as 2 hex digits
func Uint8(v uint8) string { return fmt.Sprintf("%02x", v) }

// Uint16 formats v as 4 hex digits
func Uint16(v uint16) string { return fmt.Sprintf("%04x", v) }

// Uint24 formats the low 24 bits of v as 6 hex digits
func Uint24(v uint32) string { return fmt.Sprintf("%06x", v&0x00ffffff) }
