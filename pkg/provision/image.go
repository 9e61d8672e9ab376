// Package provision repacks a firmware ELF image into the layout the probe's
// bootloader expects on its internal SPI Flash: a header page at address 0
// describing where each loadable section lives, followed by the section data
// in 4 KiB aligned blocks.
package provision

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
)

// Image is a firmware ELF file and the storage backing it
type Image struct {
	*elf.File
	backing io.Closer
}

// OpenImage memory-maps the ELF file at path read-only and parses it
func OpenImage(path string) (*Image, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	f, err := elf.NewFile(r)
	if err != nil {
		r.Close()
		return nil, &FormatError{Reason: "file is not a valid ELF file", Err: err}
	}
	return &Image{File: f, backing: r}, nil
}

// NewImage parses an ELF file held in memory
func NewImage(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{Reason: "file is not a valid ELF file", Err: err}
	}
	return &Image{File: f}, nil
}

// Close releases the image's backing storage
func (i *Image) Close() error {
	if i.backing == nil {
		return nil
	}
	err := i.backing.Close()
	i.backing = nil
	return err
}

// Validate checks the image is a 32-bit little endian System V ARM
// executable, the only kind the bootloader can boot
func Validate(img *Image) error {
	h := img.FileHeader
	switch {
	case h.Class != elf.ELFCLASS32:
		return &FormatError{Reason: fmt.Sprintf("unsupported ELF class %s", h.Class)}
	case h.Data != elf.ELFDATA2LSB:
		return &FormatError{Reason: fmt.Sprintf("unsupported ELF data encoding %s", h.Data)}
	case h.Version != elf.EV_CURRENT:
		return &FormatError{Reason: fmt.Sprintf("unsupported ELF version %s", h.Version)}
	case h.OSABI != elf.ELFOSABI_NONE || h.ABIVersion != 0:
		return &FormatError{Reason: fmt.Sprintf("unsupported ABI %s version %d", h.OSABI, h.ABIVersion)}
	case h.Type != elf.ET_EXEC || h.Machine != elf.EM_ARM:
		return &FormatError{Reason: "file does not contain a valid firmware image"}
	}
	return nil
}
