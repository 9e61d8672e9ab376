// Package sfdp reads the JEDEC Serial Flash Discoverable Parameters area of
// an SPI Flash part to work out its geometry.
package sfdp

import (
	"encoding/binary"
	"fmt"
)

// Magic opens every SFDP area
const Magic = "SFDP"

// Fixed structure sizes
const (
	HeaderSize               = 8
	ParameterTableHeaderSize = 8
)

// BasicTableID identifies the Basic Flash Parameter Table
const BasicTableID = 0xff00

// Header is the SFDP area header found at SFDP address 0
type Header struct {
	Magic          [4]byte
	MinorRevision  uint8
	MajorRevision  uint8
	ParamHeaders   uint8 // zero-based count of parameter table headers
	AccessProtocol uint8
}

// ParseHeader decodes a Header from its on-chip representation
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("sfdp: header needs %d bytes, got %d", HeaderSize, len(b))
	}
	var h Header
	copy(h.Magic[:], b[0:4])
	h.MinorRevision = b[4]
	h.MajorRevision = b[5]
	h.ParamHeaders = b[6]
	h.AccessProtocol = b[7]
	return h, nil
}

// Valid reports whether the header carries the SFDP magic
func (h Header) Valid() bool {
	return string(h.Magic[:]) == Magic
}

// TableCount returns how many parameter table headers follow the header
func (h Header) TableCount() int {
	return int(h.ParamHeaders) + 1
}

// Version returns the SFDP revision as major.minor
func (h Header) Version() string {
	return fmt.Sprintf("%d.%d", h.MajorRevision, h.MinorRevision)
}

// ParameterTableHeader locates and describes one parameter table
type ParameterTableHeader struct {
	IDLSB         uint8
	MinorRevision uint8
	MajorRevision uint8
	Length        uint8 // in 32-bit words
	TablePointer  uint32
	IDMSB         uint8
}

// ParseParameterTableHeader decodes a parameter table header
func ParseParameterTableHeader(b []byte) (ParameterTableHeader, error) {
	if len(b) < ParameterTableHeaderSize {
		return ParameterTableHeader{}, fmt.Errorf("sfdp: parameter header needs %d bytes, got %d", ParameterTableHeaderSize, len(b))
	}
	return ParameterTableHeader{
		IDLSB:         b[0],
		MinorRevision: b[1],
		MajorRevision: b[2],
		Length:        b[3],
		TablePointer:  uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16,
		IDMSB:         b[7],
	}, nil
}

// ID returns the 16-bit parameter table ID
func (h ParameterTableHeader) ID() uint16 {
	return uint16(h.IDMSB)<<8 | uint16(h.IDLSB)
}

// TableLength returns the table length in bytes
func (h ParameterTableHeader) TableLength() int {
	return int(h.Length) * 4
}

// Version returns the table revision as major.minor
func (h ParameterTableHeader) Version() string {
	return fmt.Sprintf("%d.%d", h.MajorRevision, h.MinorRevision)
}

// AtLeast reports whether the table revision is major.minor or newer
func (h ParameterTableHeader) AtLeast(major, minor uint8) bool {
	return h.MajorRevision > major || (h.MajorRevision == major && h.MinorRevision >= minor)
}

// Name returns a description of the table's type
func (h ParameterTableHeader) Name() string {
	switch h.ID() {
	case BasicTableID:
		return "Basic Flash Parameter Table"
	case 0xff81:
		return "Sector Map Table"
	case 0xff03:
		return "Replay Protected Monotonic Counters Table"
	case 0xff84:
		return "4-byte Address Instruction Table"
	}
	if h.IDMSB != 0xff {
		return fmt.Sprintf("Vendor specific table (manufacturer bank %d, id 0x%02x)", h.IDMSB, h.IDLSB)
	}
	return fmt.Sprintf("Unknown table 0x%04x", h.ID())
}

// Basic table lengths in bytes for each revision of JESD216
const (
	basicTableLengthV10 = 36
	basicTableLengthV15 = 64
	basicTableLengthV17 = 84
	basicTableLengthV18 = 96
)

// ExpectedLength returns the Basic Flash Parameter Table length a revision
// defines. It returns false for revisions it does not know.
func ExpectedLength(major, minor uint8) (int, bool) {
	if major != 1 {
		return 0, false
	}
	switch {
	case minor <= 4:
		return basicTableLengthV10, true
	case minor <= 6:
		return basicTableLengthV15, true
	case minor == 7:
		return basicTableLengthV17, true
	case minor == 8:
		return basicTableLengthV18, true
	}
	return 0, false
}

// Validate reconciles a Basic Flash Parameter Table header's declared
// length with its declared revision. Overlong tables are truncated to the
// revision's length and short tables have their revision lowered to the
// newest one that fits. It returns false when the revision is unknown, in
// which case the declared length is left alone.
func (h *ParameterTableHeader) Validate() bool {
	expected, known := ExpectedLength(h.MajorRevision, h.MinorRevision)
	if !known {
		return false
	}
	declared := h.TableLength()
	switch {
	case declared > expected:
		h.Length = uint8(expected / 4)
	case declared < expected:
		switch {
		case declared >= basicTableLengthV18:
			h.MajorRevision, h.MinorRevision = 1, 8
		case declared >= basicTableLengthV17:
			h.MajorRevision, h.MinorRevision = 1, 7
		case declared >= basicTableLengthV15:
			h.MajorRevision, h.MinorRevision = 1, 6
		case declared >= basicTableLengthV10:
			h.MajorRevision, h.MinorRevision = 1, 4
		}
	}
	return true
}

// dword reads the n-th (1-based, matching JESD216 numbering) little endian
// 32-bit word of a table, or 0 if the table is too short
func dword(table []byte, n int) uint32 {
	offset := (n - 1) * 4
	if offset+4 > len(table) {
		return 0
	}
	return binary.LittleEndian.Uint32(table[offset:])
}
