package spiflash

import (
	"fmt"
	"io/ioutil"
	"log"
)

// MaxChunk is the largest page transfer issued in one request. A 256 byte
// page encodes to 512 hex characters which leaves room for the request
// header inside a single remote packet.
const MaxChunk = 256

// Bus is the set of remote SPI primitives the controller is built from
type Bus interface {
	Read(cmd Command, address uint32, data []byte) error
	Write(cmd Command, address uint32, data []byte) error
	RunCommand(cmd Command, address uint32) error
}

type logger interface {
	Printf(string, ...interface{})
}

// Config holds optional controller settings
type Config struct {
	Logger logger
	// MaxPolls bounds the number of status reads WaitIdle performs.
	// Zero polls forever.
	MaxPolls int
}

// Flash drives erase/program/read sequences for one SPI Flash part
type Flash struct {
	Geometry
	bus      Bus
	maxPolls int
	logger
}

// New creates a controller for a part with the given geometry
func New(bus Bus, geometry Geometry, cfg *Config) *Flash {
	f := &Flash{
		Geometry: geometry,
		bus:      bus,
		logger:   log.New(ioutil.Discard, "", 0),
	}
	if cfg != nil {
		if cfg.Logger != nil {
			f.logger = cfg.Logger
		}
		f.maxPolls = cfg.MaxPolls
	}
	return f
}

func (f *Flash) log(str string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Printf(str, args...)
	}
}

// BusyTimeoutError is returned when MaxPolls status reads all report busy
type BusyTimeoutError struct {
	Polls int
}

func (e *BusyTimeoutError) Error() string {
	return fmt.Sprintf("spiflash: device still busy after %d status polls", e.Polls)
}

// WaitIdle polls the status register until the busy bit clears
func (f *Flash) WaitIdle() error {
	status := []byte{StatusBusy}
	for polls := 0; status[0]&StatusBusy != 0; polls++ {
		if f.maxPolls > 0 && polls >= f.maxPolls {
			return &BusyTimeoutError{Polls: polls}
		}
		if err := f.bus.Read(CmdReadStatus, 0, status); err != nil {
			return fmt.Errorf("failed to read SPI Flash status: %w", err)
		}
	}
	return nil
}

func (f *Flash) chunkSize() int {
	size := int(f.PageSize)
	if size <= 0 || size > MaxChunk {
		size = MaxChunk
	}
	return size
}

// EraseSector erases the sector starting at address
func (f *Flash) EraseSector(address uint32) error {
	f.log("Erasing sector at 0x%06x", address)
	if err := f.bus.RunCommand(CmdWriteEnable, 0); err != nil {
		return fmt.Errorf("failed to prepare SPI Flash block for writing: %w", err)
	}
	if err := f.bus.RunCommand(CmdSectorErase.WithOpcode(f.SectorEraseOpcode), address); err != nil {
		return fmt.Errorf("failed to prepare SPI Flash block for writing: %w", err)
	}
	if err := f.WaitIdle(); err != nil {
		return fmt.Errorf("failed to prepare SPI Flash block for writing: %w", err)
	}
	return nil
}

// WriteBlock erases the sector at address and programs block into it a page
// at a time. address must be sector aligned.
func (f *Flash) WriteBlock(address uint32, block []byte) error {
	if err := f.EraseSector(address); err != nil {
		return err
	}

	step := f.chunkSize()
	for offset := 0; offset < len(block); offset += step {
		end := offset + step
		if end > len(block) {
			end = len(block)
		}
		page := block[offset:end]
		pageAddr := address + uint32(offset)

		if err := f.bus.RunCommand(CmdWriteEnable, 0); err != nil {
			return fmt.Errorf("failed to prepare SPI Flash block for writing: %w", err)
		}
		f.log("Writing %d bytes to page at 0x%06x", len(page), pageAddr)
		if err := f.bus.Write(CmdPageProgram, pageAddr, page); err != nil {
			return fmt.Errorf("failed to write data to SPI Flash at offset +0x%x: %w", pageAddr, err)
		}
		if err := f.WaitIdle(); err != nil {
			return fmt.Errorf("failed to write data to SPI Flash at offset +0x%x: %w", pageAddr, err)
		}
	}
	return nil
}

// ReadBlock fills block with the Flash contents starting at address
func (f *Flash) ReadBlock(address uint32, block []byte) error {
	f.log("Reading Flash starting at 0x%06x", address)
	step := f.chunkSize()
	for offset := 0; offset < len(block); offset += step {
		end := offset + step
		if end > len(block) {
			end = len(block)
		}
		if err := f.bus.Read(CmdPageRead, address+uint32(offset), block[offset:end]); err != nil {
			return fmt.Errorf("failed to read data from SPI Flash at offset +0x%x: %w", address+uint32(offset), err)
		}
	}
	return nil
}

// EraseChip erases the whole device
func (f *Flash) EraseChip() error {
	f.log("Erasing whole chip")
	if err := f.bus.RunCommand(CmdWriteEnable, 0); err != nil {
		return err
	}
	if err := f.bus.RunCommand(CmdChipErase, 0); err != nil {
		return err
	}
	return f.WaitIdle()
}

// WakeUp releases the part from deep power-down
func (f *Flash) WakeUp() error {
	return f.bus.RunCommand(CmdWakeUp, 0)
}
