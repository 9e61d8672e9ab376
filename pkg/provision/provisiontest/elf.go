// Package provisiontest builds small firmware ELF images for tests.
package provisiontest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// Segment is a program header to emit
type Segment struct {
	Type         elf.ProgType
	VAddr, PAddr uint32
	FileSize     uint32
	MemSize      uint32
}

// Section is a section header to emit. Data is stored in the file unless
// the section is SHT_NOBITS, which takes its size from NoBits.
type Section struct {
	Name   string
	Type   elf.SectionType
	Addr   uint32
	Data   []byte
	NoBits uint32
}

// BuildELF assembles a little endian 32-bit executable with the given
// program headers and sections, plus a section name table
func BuildELF(tb testing.TB, machine elf.Machine, segments []Segment, sections []Section) []byte {
	tb.Helper()
	const (
		headerSize  = 52
		progSize    = 32
		sectionSize = 40
	)

	var names bytes.Buffer
	names.WriteByte(0)
	nameOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffsets[i] = uint32(names.Len())
		names.WriteString(s.Name)
		names.WriteByte(0)
	}
	shstrtabName := uint32(names.Len())
	names.WriteString(".shstrtab")
	names.WriteByte(0)

	var data bytes.Buffer
	dataStart := uint32(headerSize + progSize*len(segments))
	offsets := make([]uint32, len(sections))
	for i, s := range sections {
		offsets[i] = dataStart + uint32(data.Len())
		data.Write(s.Data)
	}
	namesOffset := dataStart + uint32(data.Len())
	data.Write(names.Bytes())
	for data.Len()%4 != 0 {
		data.WriteByte(0)
	}
	shoff := dataStart + uint32(data.Len())

	header := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x08000000,
		Phoff:     headerSize,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(segments)),
		Shentsize: sectionSize,
		Shnum:     uint16(len(sections) + 2),
		Shstrndx:  uint16(len(sections) + 1),
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	write := func(v interface{}) {
		if err := binary.Write(&out, binary.LittleEndian, v); err != nil {
			tb.Fatalf("failed to build ELF: %s", err)
		}
	}
	write(header)
	for _, s := range segments {
		write(elf.Prog32{
			Type:   uint32(s.Type),
			Off:    dataStart,
			Vaddr:  s.VAddr,
			Paddr:  s.PAddr,
			Filesz: s.FileSize,
			Memsz:  s.MemSize,
			Flags:  uint32(elf.PF_R),
			Align:  4,
		})
	}
	out.Write(data.Bytes())

	write(elf.Section32{})
	for i, s := range sections {
		size := uint32(len(s.Data))
		if s.Type == elf.SHT_NOBITS {
			size = s.NoBits
		}
		write(elf.Section32{
			Name:      nameOffsets[i],
			Type:      uint32(s.Type),
			Flags:     uint32(elf.SHF_ALLOC),
			Addr:      s.Addr,
			Off:       offsets[i],
			Size:      size,
			Addralign: 4,
		})
	}
	write(elf.Section32{
		Name:      shstrtabName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       namesOffset,
		Size:      uint32(names.Len()),
		Addralign: 1,
	})
	return out.Bytes()
}

// Pattern returns n bytes of recognisable non-blank data
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

// FirmwareELF is a typical probe firmware image: code in Flash, initialised
// data copied to RAM from just after it, zero-initialised data and a
// comment that is never loaded. Packed, .text lands at 0x1000 and .data at
// 0x3000, so the image occupies 16 KiB of Flash.
func FirmwareELF(tb testing.TB) []byte {
	tb.Helper()
	return BuildELF(tb, elf.EM_ARM,
		[]Segment{
			{Type: elf.PT_LOAD, VAddr: 0x08000000, PAddr: 0x08000000, FileSize: 5000, MemSize: 5000},
			{Type: elf.PT_LOAD, VAddr: 0x20000000, PAddr: 0x08002000, FileSize: 16, MemSize: 0x100},
			{Type: elf.PT_NOTE, VAddr: 0, PAddr: 0, FileSize: 8, MemSize: 8},
		},
		[]Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Addr: 0x08000000, Data: Pattern(5000, 0x5a)},
			{Name: ".data", Type: elf.SHT_PROGBITS, Addr: 0x20000000, Data: Pattern(16, 0xa5)},
			{Name: ".bss", Type: elf.SHT_NOBITS, Addr: 0x20000010, NoBits: 0x40},
			{Name: ".comment", Type: elf.SHT_PROGBITS, Addr: 0, Data: []byte("GCC: 12.2\x00")},
		})
}
