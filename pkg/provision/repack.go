package provision

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"io/ioutil"
	"log"
)

// BlockDevice is the Flash the firmware is packed onto. Writes are whole
// erase blocks at block aligned addresses.
type BlockDevice interface {
	WriteBlock(address uint32, block []byte) error
	ReadBlock(address uint32, block []byte) error
}

type logger interface {
	Printf(string, ...interface{})
}

// Progress receives the number of bytes moved to or from the Flash
type Progress interface {
	Add64(int64) error
}

// Config holds optional repacker settings
type Config struct {
	Logger   logger
	Progress Progress
}

// Repacker writes firmware images onto a BlockDevice
type Repacker struct {
	flash    BlockDevice
	progress Progress
	logger
}

// NewRepacker returns a repacker targeting flash
func NewRepacker(flash BlockDevice, cfg *Config) *Repacker {
	r := &Repacker{
		flash:  flash,
		logger: log.New(ioutil.Discard, "", 0),
	}
	if cfg != nil {
		if cfg.Logger != nil {
			r.logger = cfg.Logger
		}
		r.progress = cfg.Progress
	}
	return r
}

func (r *Repacker) log(str string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(str, args...)
	}
}

func (r *Repacker) advance(n int) {
	if r.progress != nil {
		_ = r.progress.Add64(int64(n))
	}
}

// sectionName tolerates images without a section name table
func sectionName(s *elf.Section) string {
	if s.Name == "" {
		return "<unnamed>"
	}
	return s.Name
}

// placement is a section and where its data lands in Flash
type placement struct {
	FlashSection
	section *elf.Section
	index   int
}

// layout picks the sections that fall inside a loadable segment and assigns
// each a block aligned Flash offset, in section header order
func (r *Repacker) layout(img *Image, segments SegmentMap) ([]placement, error) {
	header := &FlashHeader{}
	var placements []placement
	for index, section := range img.Sections {
		name := sectionName(section)
		r.log("Looking for section %d (%s) in segment map. Section has address 0x%08x", index, name, section.Addr)
		segment, ok := segments.Find(section)
		if !ok || section.Offset == 0 {
			continue
		}
		// SHT_NOBITS sections report their memory size but occupy no file space
		if section.FileSize == 0 || section.Type == elf.SHT_NOBITS {
			r.log("Section is empty, skipping")
			continue
		}
		if section.FileSize >= 0xffffffff {
			return nil, &FormatError{Reason: fmt.Sprintf("section %d (%s) is too large", index, name)}
		}
		placed := FlashSection{
			Offset:       header.NextOffset(),
			Length:       uint32(section.FileSize),
			FlashAddress: segment.FlashAddress(section.Addr),
		}
		header.Sections = append(header.Sections, placed)
		placements = append(placements, placement{FlashSection: placed, section: section, index: index})
	}
	if len(placements) > MaxSections {
		return nil, &FormatError{Reason: fmt.Sprintf("image has %d loadable sections, at most %d are supported", len(placements), MaxSections)}
	}
	return placements, nil
}

// Footprint returns how much of the Flash Repack occupies for img: the
// header page plus every section rounded out to whole blocks
func Footprint(img *Image) (uint64, error) {
	segments, err := CollectSegments(img)
	if err != nil {
		return 0, err
	}
	placements, err := NewRepacker(nil, nil).layout(img, segments)
	if err != nil {
		return 0, err
	}
	header := &FlashHeader{}
	for _, p := range placements {
		header.Sections = append(header.Sections, p.FlashSection)
	}
	return uint64(header.NextOffset()), nil
}

// PackedLength returns how many bytes Repack will write for img, header page
// included, for sizing progress displays
func PackedLength(img *Image) (int64, error) {
	segments, err := CollectSegments(img)
	if err != nil {
		return 0, err
	}
	placements, err := NewRepacker(nil, nil).layout(img, segments)
	if err != nil {
		return 0, err
	}
	total := int64(BlockSize)
	for _, p := range placements {
		total += int64(p.Length)
	}
	return total, nil
}

// Repack validates img and writes every section that falls inside a
// loadable segment onto the Flash, then writes the header page describing
// them. The header page is written last.
func (r *Repacker) Repack(img *Image) (*FlashHeader, error) {
	if err := Validate(img); err != nil {
		return nil, err
	}
	segments, err := CollectSegments(img)
	if err != nil {
		return nil, err
	}
	r.log("Found %d usable program headers", len(segments))
	r.log("Found %d section headers", len(img.Sections))

	placements, err := r.layout(img, segments)
	if err != nil {
		return nil, err
	}
	header := &FlashHeader{}
	for _, p := range placements {
		if err := r.packSection(p); err != nil {
			return nil, err
		}
		r.log("Adding section at 0x%x (0x%x) to flash header", p.Offset, p.Length)
		header.Sections = append(header.Sections, p.FlashSection)
	}

	page, err := header.MarshalPage()
	if err != nil {
		return nil, err
	}
	if err := r.flash.WriteBlock(0, page); err != nil {
		return nil, fmt.Errorf("failed to write the Flash header to the on-board Flash: %w", err)
	}
	r.advance(len(page))
	return header, nil
}

func (r *Repacker) packSection(p placement) error {
	r.log("Transferring %d bytes of data to on-board Flash at offset +0x%x", p.Length, p.Offset)
	data := io.NewSectionReader(p.section.ReaderAt, 0, int64(p.Length))
	block := make([]byte, BlockSize)
	for offset := uint32(0); offset < p.Length; offset += BlockSize {
		n, err := io.ReadFull(data, block)
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("cannot get any underlying data for section %d (%s) at address 0x%x: %w",
				p.index, sectionName(p.section), p.section.Addr, err)
		}
		for i := n; i < len(block); i++ {
			block[i] = 0xff
		}
		blockOffset := p.Offset + offset
		if err := r.flash.WriteBlock(blockOffset, block); err != nil {
			return fmt.Errorf("failed to write segment data for 0x%x+0x%x to the on-board Flash at offset +0x%x: %w",
				p.section.Addr, offset, blockOffset, err)
		}
		r.advance(n)
	}
	return nil
}

// ReadHeader reads back and verifies the header page
func (r *Repacker) ReadHeader() (*FlashHeader, error) {
	page := make([]byte, BlockSize)
	if err := r.flash.ReadBlock(0, page); err != nil {
		return nil, fmt.Errorf("failed to read the Flash header: %w", err)
	}
	return ParseHeader(page)
}

// VerifyError reports Flash contents that differ from what was written
type VerifyError struct {
	Offset uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification failed: Flash contents differ at offset +0x%x", e.Offset)
}

// Verify reads back the header page and every section it describes and
// compares them against img
func (r *Repacker) Verify(img *Image) error {
	header, err := r.ReadHeader()
	if err != nil {
		return err
	}
	r.advance(BlockSize)

	segments, err := CollectSegments(img)
	if err != nil {
		return err
	}
	placements, err := r.layout(img, segments)
	if err != nil {
		return err
	}
	if len(header.Sections) != len(placements) {
		return fmt.Errorf("flash header describes %d sections, image has %d", len(header.Sections), len(placements))
	}

	block := make([]byte, BlockSize)
	want := make([]byte, BlockSize)
	for i, p := range placements {
		if header.Sections[i] != p.FlashSection {
			return fmt.Errorf("flash header section %d is %+v, expected %+v", i, header.Sections[i], p.FlashSection)
		}
		data := io.NewSectionReader(p.section.ReaderAt, 0, int64(p.Length))
		for offset := uint32(0); offset < p.Length; offset += BlockSize {
			n, err := io.ReadFull(data, want)
			if err != nil && err != io.ErrUnexpectedEOF {
				return fmt.Errorf("failed to read section %s: %w", sectionName(p.section), err)
			}
			if err := r.flash.ReadBlock(p.Offset+offset, block[:n]); err != nil {
				return err
			}
			if !bytes.Equal(block[:n], want[:n]) {
				return &VerifyError{Offset: p.Offset + offset + uint32(mismatch(block[:n], want[:n]))}
			}
			r.advance(n)
		}
	}
	return nil
}

func mismatch(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}
