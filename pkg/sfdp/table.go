package sfdp

import (
	"fmt"

	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
)

// BasicTableReadLength caps how much of the Basic Flash Parameter Table is
// read; nothing past the 16th dword is used
const BasicTableReadLength = 64

// EraseType is one of the up to four erase granularities a part supports
type EraseType struct {
	SizeExponent uint8
	Opcode       spiflash.Opcode
}

// Supported reports whether the erase type slot is populated
func (e EraseType) Supported() bool { return e.SizeExponent != 0 }

// Size returns the erase granularity in bytes
func (e EraseType) Size() uint32 {
	if !e.Supported() || e.SizeExponent >= 32 {
		return 0
	}
	return 1 << e.SizeExponent
}

// AddressMode is how many address bytes the part accepts, from DW1[18:17]
type AddressMode uint8

const (
	Address3Byte AddressMode = iota
	Address3Or4Byte
	Address4Byte
	AddressReserved
)

func (m AddressMode) String() string {
	switch m {
	case Address3Byte:
		return "3-byte only"
	case Address3Or4Byte:
		return "3- or 4-byte"
	case Address4Byte:
		return "4-byte only"
	}
	return "reserved"
}

// DeepPowerDown holds the instructions for entering and leaving deep
// power-down
type DeepPowerDown struct {
	Enter spiflash.Opcode
	Exit  spiflash.Opcode
}

// BasicParameterTable holds the decoded fields of the Basic Flash Parameter
// Table
type BasicParameterTable struct {
	MajorRevision uint8
	MinorRevision uint8

	// Uniform 4 KiB erase opcode
	SectorEraseOpcode spiflash.Opcode
	// Supports writes of 64 bytes or more at a time
	WriteGranularity64 bool
	AddressMode AddressMode

	// Capacity in bytes
	Density uint64

	EraseTypes [4]EraseType

	PageSizeExponent uint8
	DeepPowerDown    DeepPowerDown
}

// ParseBasicTable decodes a Basic Flash Parameter Table read from the part.
// The header supplies the revision, which decides which fields exist.
func ParseBasicTable(header ParameterTableHeader, table []byte) (*BasicParameterTable, error) {
	if len(table) < 8 {
		return nil, fmt.Errorf("sfdp: basic parameter table too short (%d bytes)", len(table))
	}
	t := &BasicParameterTable{
		MajorRevision: header.MajorRevision,
		MinorRevision: header.MinorRevision,
	}

	dw1 := dword(table, 1)
	t.SectorEraseOpcode = spiflash.Opcode(dw1 >> 8)
	t.WriteGranularity64 = dw1&(1<<2) != 0
	t.AddressMode = AddressMode((dw1 >> 17) & 0x3)

	t.Density = decodeDensity(dword(table, 2))

	dw8, dw9 := dword(table, 8), dword(table, 9)
	for i, raw := range []uint32{dw8, dw8 >> 16, dw9, dw9 >> 16} {
		t.EraseTypes[i] = EraseType{
			SizeExponent: uint8(raw),
			Opcode:       spiflash.Opcode(raw >> 8),
		}
	}

	t.PageSizeExponent = uint8(dword(table, 11)>>4) & 0x0f

	dw14 := dword(table, 14)
	t.DeepPowerDown = DeepPowerDown{
		Enter: spiflash.Opcode(dw14 >> 23),
		Exit:  spiflash.Opcode(dw14 >> 15),
	}
	return t, nil
}

// decodeDensity converts the second dword to bytes. Parts up to 2 Gibit
// store size in bits minus one, larger ones store the bit count's exponent.
func decodeDensity(raw uint32) uint64 {
	if raw&0x80000000 != 0 {
		exponent := raw & 0x7fffffff
		if exponent < 3 || exponent > 63 {
			return 0
		}
		return (uint64(1) << exponent) / 8
	}
	return (uint64(raw) + 1) / 8
}

func (t *BasicParameterTable) atLeast(major, minor uint8) bool {
	return t.MajorRevision > major || (t.MajorRevision == major && t.MinorRevision >= minor)
}

// PageSize returns the program page size. Tables before revision 1.5 do
// not carry one so the 256 byte default is assumed.
func (t *BasicParameterTable) PageSize() uint32 {
	if !t.atLeast(1, 5) || t.PageSizeExponent == 0 {
		return spiflash.DefaultPageSize
	}
	return 1 << t.PageSizeExponent
}

// SectorEraseType returns the erase type whose opcode matches the uniform
// sector erase opcode, or a 4 KiB erase with that opcode if none does
func (t *BasicParameterTable) SectorEraseType() EraseType {
	for _, e := range t.EraseTypes {
		if e.Supported() && e.Opcode == t.SectorEraseOpcode {
			return e
		}
	}
	return EraseType{SizeExponent: 12, Opcode: t.SectorEraseOpcode}
}

// Geometry returns the part's geometry as described by the table
func (t *BasicParameterTable) Geometry() spiflash.Geometry {
	erase := t.SectorEraseType()
	return spiflash.Geometry{
		PageSize:          t.PageSize(),
		SectorSize:        erase.Size(),
		SectorEraseOpcode: erase.Opcode,
		Capacity:          t.Density,
	}
}
