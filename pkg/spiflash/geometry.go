package spiflash

import (
	"errors"
	"fmt"
)

// Default geometry used when the part does not describe itself
const (
	DefaultPageSize   = 256
	DefaultSectorSize = 4096
)

// ErrNoDevice is returned when nothing answers on the selected SPI bus
var ErrNoDevice = errors.New("spiflash: no Flash device found on the SPI bus")

// JedecID is the 3 byte identifier returned by the JEDEC ID opcode
type JedecID struct {
	Manufacturer uint8
	Type         uint8
	Capacity     uint8
}

// Valid reports whether a device actually answered. An all-high read or a
// zero capacity exponent mean the bus is empty.
func (id JedecID) Valid() bool {
	if id.Manufacturer == 0xff && id.Type == 0xff && id.Capacity == 0xff {
		return false
	}
	return id.Capacity != 0 && id.Capacity < 64
}

// CapacityBytes returns the device size implied by the capacity exponent
func (id JedecID) CapacityBytes() uint64 {
	return uint64(1) << id.Capacity
}

func (id JedecID) String() string {
	return fmt.Sprintf("%02x %02x %02x", id.Manufacturer, id.Type, id.Capacity)
}

// Geometry describes how a particular part is erased and programmed
type Geometry struct {
	PageSize          uint32
	SectorSize        uint32
	SectorEraseOpcode Opcode
	Capacity          uint64
}

// DefaultGeometry returns the geometry assumed for a part of the given
// capacity that provides no SFDP data
func DefaultGeometry(capacity uint64) Geometry {
	return Geometry{
		PageSize:          DefaultPageSize,
		SectorSize:        DefaultSectorSize,
		SectorEraseOpcode: OpSectorErase,
		Capacity:          capacity,
	}
}

// GeometryFromID derives a default geometry from a JEDEC ID
func GeometryFromID(id JedecID) (Geometry, error) {
	if !id.Valid() {
		return Geometry{}, ErrNoDevice
	}
	return DefaultGeometry(id.CapacityBytes()), nil
}

// Valid reports whether the geometry describes a usable part
func (g Geometry) Valid() bool {
	return g.Capacity != 0 && g.PageSize != 0 && g.SectorSize != 0
}
