package provision

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// BlockSize is the erase block size the flash layout is built from. The
// header page occupies the first block.
const BlockSize = 4096

// HeaderMagic opens the flash header page
const HeaderMagic = "BMPF"

// Flash header page layout
const (
	crcOffset      = 4
	countOffset    = 8
	recordsOffset  = 12
	sectionRecSize = 16

	// MaxSections is how many section records fit in the header page
	MaxSections = (BlockSize - recordsOffset) / sectionRecSize
)

// FlashSection records where one section's data was placed
type FlashSection struct {
	// Offset of the data from the start of the Flash
	Offset uint32
	// Length of the data in bytes
	Length uint32
	// FlashAddress is the address the data is to be loaded to
	FlashAddress uint64
}

// End returns the offset just past the section's data
func (s FlashSection) End() uint32 { return s.Offset + s.Length }

// FlashHeader is the page written to Flash address 0 describing the
// sections that follow it
type FlashHeader struct {
	Sections []FlashSection
}

// NextOffset returns the block aligned offset for the next section. The
// first section starts in the second erase block.
func (h *FlashHeader) NextOffset() uint32 {
	if len(h.Sections) == 0 {
		return BlockSize
	}
	end := h.Sections[len(h.Sections)-1].End()
	return (end + BlockSize - 1) &^ (BlockSize - 1)
}

var crcTable = crc32.MakeTable(crc32.IEEE)

// headerCRCSeed is the running value the header page checksum starts from
const headerCRCSeed = 0xffffffff

// UpdateCRC continues a standard reflected CRC-32 (IEEE) over p. Seeded
// with 0 it is the usual CRC-32 of p.
func UpdateCRC(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crcTable, p)
}

// Checksum computes the header page CRC-32, seeded the way the bootloader
// checks it
func Checksum(page []byte) uint32 {
	return UpdateCRC(headerCRCSeed, page)
}

// MarshalPage renders the header into a BlockSize page, unused bytes left
// in the erased state
func (h *FlashHeader) MarshalPage() ([]byte, error) {
	if len(h.Sections) > MaxSections {
		return nil, fmt.Errorf("flash header can describe at most %d sections, have %d", MaxSections, len(h.Sections))
	}
	page := make([]byte, BlockSize)
	for i := range page {
		page[i] = 0xff
	}
	copy(page, HeaderMagic)
	binary.LittleEndian.PutUint32(page[countOffset:], uint32(len(h.Sections)))
	for i, section := range h.Sections {
		rec := page[recordsOffset+i*sectionRecSize:]
		binary.LittleEndian.PutUint32(rec[0:], section.Offset)
		binary.LittleEndian.PutUint32(rec[4:], section.Length)
		binary.LittleEndian.PutUint64(rec[8:], section.FlashAddress)
	}
	// The checksum is computed with its own field still erased
	binary.LittleEndian.PutUint32(page[crcOffset:], Checksum(page))
	return page, nil
}

// ParseHeader decodes and verifies a header page read back from Flash
func ParseHeader(page []byte) (*FlashHeader, error) {
	if len(page) < BlockSize {
		return nil, &FormatError{Reason: fmt.Sprintf("flash header page is %d bytes, expected %d", len(page), BlockSize)}
	}
	page = page[:BlockSize]
	if string(page[:4]) != HeaderMagic {
		return nil, &FormatError{Reason: fmt.Sprintf("bad flash header magic %q", page[:4])}
	}

	check := make([]byte, BlockSize)
	copy(check, page)
	for i := crcOffset; i < crcOffset+4; i++ {
		check[i] = 0xff
	}
	if Checksum(check) != binary.LittleEndian.Uint32(page[crcOffset:]) {
		return nil, ErrHeaderCRC
	}

	count := binary.LittleEndian.Uint32(page[countOffset:])
	if count > MaxSections {
		return nil, &FormatError{Reason: fmt.Sprintf("flash header claims %d sections", count)}
	}
	h := &FlashHeader{Sections: make([]FlashSection, count)}
	for i := range h.Sections {
		rec := page[recordsOffset+i*sectionRecSize:]
		h.Sections[i] = FlashSection{
			Offset:       binary.LittleEndian.Uint32(rec[0:]),
			Length:       binary.LittleEndian.Uint32(rec[4:]),
			FlashAddress: binary.LittleEndian.Uint64(rec[8:]),
		}
	}
	return h, nil
}
