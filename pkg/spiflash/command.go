package spiflash

import "fmt"

// Opcode is a raw SPI Flash instruction byte
type Opcode uint8

// SPI Flash opcodes
const (
	OpOmitted          Opcode = 0x00
	OpJedecID          Opcode = 0x9f
	OpChipErase        Opcode = 0xc7
	OpBlockErase       Opcode = 0xd8
	OpSectorErase      Opcode = 0x20
	OpPageRead         Opcode = 0x03
	OpPageAddressRead  Opcode = 0x13
	OpPageWrite        Opcode = 0x02
	OpPageAddressWrite Opcode = 0x10
	OpStatusRead       Opcode = 0x05
	OpStatusWrite      Opcode = 0x01
	OpWriteEnable      Opcode = 0x06
	OpWriteDisable     Opcode = 0x04
	OpReadSFDP         Opcode = 0x5a
	OpWakeUp           Opcode = 0xab
	OpReset            Opcode = 0xff
)

// OpcodeMode selects whether a command carries a 3 byte address phase
type OpcodeMode uint16

// Opcode modes
const (
	OpcodeOnly    OpcodeMode = 0 << 11
	With3BAddress OpcodeMode = 1 << 11
)

// DataMode selects the direction of a command's data phase
type DataMode uint16

// Data modes
const (
	DataIn  DataMode = 0 << 12
	DataOut DataMode = 1 << 12
)

// Field masks of a Command
const (
	opcodeMask     = 0x00ff
	dummyMask      = 0x0700
	dummyShift     = 8
	opcodeModeMask = 0x0800
	dataModeMask   = 0x1000
)

// Command is the 16-bit composite the probe firmware uses to describe an SPI
// transaction: address mode, data direction, dummy byte count and opcode.
type Command uint16

// NewCommand packs the fields of a Command
func NewCommand(mode OpcodeMode, data DataMode, dummyBytes uint8, op Opcode) Command {
	return Command(uint16(mode) | uint16(data) | ((uint16(dummyBytes) << dummyShift) & dummyMask) | uint16(op))
}

// Composite commands. CmdSectorErase leaves the opcode clear so the erase
// opcode discovered for the part can be ORed in with WithOpcode.
var (
	CmdWriteEnable  = NewCommand(OpcodeOnly, DataIn, 0, OpWriteEnable)
	CmdPageProgram  = NewCommand(With3BAddress, DataOut, 0, OpPageWrite)
	CmdSectorErase  = NewCommand(With3BAddress, DataIn, 0, OpOmitted)
	CmdChipErase    = NewCommand(OpcodeOnly, DataIn, 0, OpChipErase)
	CmdReadStatus   = NewCommand(OpcodeOnly, DataIn, 0, OpStatusRead)
	CmdReadJEDECID  = NewCommand(OpcodeOnly, DataIn, 0, OpJedecID)
	CmdReadSFDP     = NewCommand(With3BAddress, DataIn, 1, OpReadSFDP)
	CmdWakeUp       = NewCommand(OpcodeOnly, DataIn, 0, OpWakeUp)
	CmdPageRead     = NewCommand(With3BAddress, DataIn, 0, OpPageRead)
	CmdWriteDisable = NewCommand(OpcodeOnly, DataIn, 0, OpWriteDisable)
)

// WithOpcode ORs an opcode into the low byte of the command
func (c Command) WithOpcode(op Opcode) Command {
	return c | Command(op)
}

// Opcode returns the instruction byte
func (c Command) Opcode() Opcode { return Opcode(c & opcodeMask) }

// DummyBytes returns the number of dummy bytes clocked after the address
func (c Command) DummyBytes() uint8 { return uint8((c & dummyMask) >> dummyShift) }

// HasAddress reports whether the command has an address phase
func (c Command) HasAddress() bool { return c&opcodeModeMask != 0 }

// DataOut reports whether the data phase is host to device
func (c Command) DataOut() bool { return c&dataModeMask != 0 }

func (c Command) String() string {
	return fmt.Sprintf("%04x", uint16(c))
}

// Status register bits
const (
	StatusBusy         = 1 << 0
	StatusWriteEnabled = 1 << 1
)
