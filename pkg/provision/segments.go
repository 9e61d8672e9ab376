package provision

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Segment is a loadable program segment that has file data
type Segment struct {
	VirtualAddress  uint64
	PhysicalAddress uint64
	FileLength      uint64
	MemoryLength    uint64
}

// Contains reports whether a section at address spanning length bytes of
// file data lies within the segment's memory image
func (s Segment) Contains(address, length uint64) bool {
	return address >= s.VirtualAddress && address+length <= s.VirtualAddress+s.MemoryLength
}

// FlashAddress translates a virtual address inside the segment to the
// address it is loaded from
func (s Segment) FlashAddress(address uint64) uint64 {
	return s.PhysicalAddress + (address - s.VirtualAddress)
}

// SegmentMap holds the usable segments ordered by virtual address
type SegmentMap []Segment

// CollectSegments gathers the PT_LOAD segments with file data. Two such
// segments sharing a virtual address make the image ambiguous and are
// rejected.
func CollectSegments(img *Image) (SegmentMap, error) {
	segments := make(SegmentMap, 0, len(img.Progs))
	seen := make(map[uint64]int)
	for i, prog := range img.Progs {
		if prog.Filesz >= 0xffffffff || prog.Off >= 0xffffffff {
			return nil, &FormatError{Reason: fmt.Sprintf("reading program header for chunk %d failed", i)}
		}
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		if other, ok := seen[prog.Vaddr]; ok {
			return nil, &FormatError{Reason: fmt.Sprintf("program headers %d and %d both load to 0x%08x", other, i, prog.Vaddr)}
		}
		seen[prog.Vaddr] = i
		segments = append(segments, Segment{
			VirtualAddress:  prog.Vaddr,
			PhysicalAddress: prog.Paddr,
			FileLength:      prog.Filesz,
			MemoryLength:    prog.Memsz,
		})
	}
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].VirtualAddress < segments[j].VirtualAddress
	})
	return segments, nil
}

// Find returns the lowest addressed segment containing the section
func (m SegmentMap) Find(section *elf.Section) (Segment, bool) {
	for _, segment := range m {
		if segment.Contains(section.Addr, section.FileSize) {
			return segment, true
		}
	}
	return Segment{}, false
}
