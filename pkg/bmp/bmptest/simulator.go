// Package bmptest provides an in-memory Black Magic Probe that speaks the
// remote protocol, for exercising the probe session and everything above it
// without hardware attached.
package bmptest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"
	"sync"

	"github.com/blackmagic-debug/bmpflash/pkg/remote"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
)

// ErrClosed is returned for I/O on a closed simulator
var ErrClosed = errors.New("bmptest: simulator closed")

// Simulator is an io.ReadWriteCloser that answers remote protocol packets
// from an emulated SPI Flash part. Requests are serviced as soon as their
// terminating '#' is written; responses queue up for Read.
type Simulator struct {
	// Firmware is the version string returned by the init packet
	Firmware string

	// ProtocolVersion is reported by the version packet. A negative value
	// answers as firmware that does not understand the request.
	ProtocolVersion int

	// ID is the JEDEC ID of the emulated part
	ID spiflash.JedecID

	// SFDP is the part's discoverable parameter area. Reads past its end
	// return 0xff, so a nil SFDP emulates a part without one.
	SFDP []byte

	// Flash holds the part's contents
	Flash []byte

	// MaxTransfer rejects reads and writes longer than it with a parameter
	// error. Zero means no limit.
	MaxTransfer int

	// BusyPolls is how many status reads report busy after each program or
	// erase operation
	BusyPolls int

	// PoweredDown emulates a part left in deep power-down: it answers every
	// read with 0xff until it receives the release instruction
	PoweredDown bool

	// Override lets a test replace the response to a request. Returning
	// false falls through to the emulation.
	Override func(request string) (string, bool)

	mu           sync.Mutex
	in           bytes.Buffer
	out          bytes.Buffer
	requests     []string
	bus          int
	writeEnabled bool
	busy         int
	closed       bool
}

// New returns a simulator for a blank part of the given JEDEC ID, with
// protocol version 3 firmware and an SFDP area describing the part
func New(id spiflash.JedecID) *Simulator {
	capacity := id.CapacityBytes()
	flash := make([]byte, capacity)
	for i := range flash {
		flash[i] = 0xff
	}
	return &Simulator{
		Firmware:        "Black Magic Probe v1.10.0",
		ProtocolVersion: 3,
		ID:              id,
		SFDP:            SFDPImage(capacity, spiflash.DefaultPageSize, spiflash.DefaultSectorSize, spiflash.OpSectorErase),
		Flash:           flash,
		bus:             -1,
	}
}

// Requests returns a copy of every packet received so far, without framing
func (s *Simulator) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Write feeds request bytes to the simulator
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.in.Write(p)
	for {
		buf := s.in.Bytes()
		end := bytes.IndexByte(buf, '#')
		if end < 0 {
			break
		}
		request := string(buf[:end])
		s.in.Next(end + 1)
		// A bare '+' is the sync prefix ahead of the first real request
		request = strings.TrimLeft(request, "+")
		if request == "" {
			continue
		}
		s.requests = append(s.requests, request)
		s.out.WriteString(s.respond(request))
	}
	return len(p), nil
}

// Read returns queued response bytes, or io.EOF when there are none
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

// Close marks the simulator closed
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called
func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Active reports whether the emulated firmware has an SPI bus held
func (s *Simulator) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus >= 0
}

func ok(payload string) string { return "&K" + payload + "#" }

const (
	respParameterError = "&P#"
	respError          = "&E#"
	respNotSupported   = "&N#"
)

func (s *Simulator) respond(request string) string {
	if s.Override != nil {
		if resp, handled := s.Override(request); handled {
			return resp
		}
	}
	if len(request) < 3 || request[0] != '!' {
		return respError
	}
	switch request[1:3] {
	case "GA":
		return ok(s.Firmware)
	case "HC":
		if s.ProtocolVersion < 0 {
			return respNotSupported
		}
		return ok(fmt.Sprintf("%x", s.ProtocolVersion))
	case "sB":
		bus, err := field(request, 3, 2)
		if err != nil || bus > 1 {
			return respError
		}
		s.bus = int(bus)
		return ok("")
	case "sE":
		s.bus = -1
		return ok("")
	case "sI":
		if s.bus < 0 {
			return respError
		}
		if s.PoweredDown {
			return ok("ffffff")
		}
		return ok(remote.EncodeHex([]byte{s.ID.Manufacturer, s.ID.Type, s.ID.Capacity}))
	case "sr":
		return s.read(request)
	case "sw":
		return s.write(request)
	case "sc":
		return s.command(request)
	}
	return respNotSupported
}

// field decodes the hex field of the given width at offset
func field(request string, offset, width int) (uint64, error) {
	if len(request) < offset+width {
		return 0, remote.ErrInvalidHex
	}
	return remote.DecodeUint(request[offset : offset+width])
}

// spiRequest is the common prefix of the SPI read, write and command packets
type spiRequest struct {
	command spiflash.Command
	address uint32
}

func (s *Simulator) parseSPI(request string) (spiRequest, bool) {
	if s.bus < 0 {
		return spiRequest{}, false
	}
	bus, err := field(request, 3, 2)
	if err != nil || int(bus) != s.bus {
		return spiRequest{}, false
	}
	if _, err := field(request, 5, 2); err != nil {
		return spiRequest{}, false
	}
	cmd, err := field(request, 7, 4)
	if err != nil {
		return spiRequest{}, false
	}
	addr, err := field(request, 11, 6)
	if err != nil {
		return spiRequest{}, false
	}
	return spiRequest{command: spiflash.Command(cmd), address: uint32(addr)}, true
}

func (s *Simulator) read(request string) string {
	req, valid := s.parseSPI(request)
	if !valid {
		return respError
	}
	length, err := field(request, 17, 4)
	if err != nil {
		return respError
	}
	if s.MaxTransfer > 0 && int(length) > s.MaxTransfer {
		return respParameterError
	}
	data := make([]byte, length)
	if s.PoweredDown {
		fill(data, nil, 0)
		return ok(remote.EncodeHex(data))
	}
	switch req.command.Opcode() {
	case spiflash.OpReadSFDP:
		fill(data, s.SFDP, req.address)
	case spiflash.OpPageRead:
		fill(data, s.Flash, req.address)
	case spiflash.OpStatusRead:
		var status byte
		if s.busy > 0 {
			status |= spiflash.StatusBusy
			s.busy--
		}
		if s.writeEnabled {
			status |= spiflash.StatusWriteEnabled
		}
		for i := range data {
			data[i] = status
		}
	case spiflash.OpJedecID:
		id := []byte{s.ID.Manufacturer, s.ID.Type, s.ID.Capacity}
		for i := range data {
			data[i] = id[i%len(id)]
		}
	default:
		return respNotSupported
	}
	return ok(remote.EncodeHex(data))
}

// fill copies src from offset into dst, padding with 0xff past its end
func fill(dst, src []byte, offset uint32) {
	n := 0
	if int(offset) < len(src) {
		n = copy(dst, src[offset:])
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0xff
	}
}

func (s *Simulator) write(request string) string {
	req, valid := s.parseSPI(request)
	if !valid {
		return respError
	}
	length, err := field(request, 17, 4)
	if err != nil {
		return respError
	}
	if s.MaxTransfer > 0 && int(length) > s.MaxTransfer {
		return respParameterError
	}
	data := make([]byte, length)
	if err := remote.DecodeHex(request[21:], data); err != nil {
		return respError
	}
	if req.command.Opcode() != spiflash.OpPageWrite {
		return respNotSupported
	}
	if !s.writeEnabled {
		return ok("")
	}
	// Programming only clears bits and wraps within the page like real parts
	page := req.address &^ (spiflash.DefaultPageSize - 1)
	for i, b := range data {
		addr := page + (req.address+uint32(i))%spiflash.DefaultPageSize
		if int(addr) < len(s.Flash) {
			s.Flash[addr] &= b
		}
	}
	s.writeEnabled = false
	s.busy = s.BusyPolls
	return ok("")
}

func (s *Simulator) command(request string) string {
	req, valid := s.parseSPI(request)
	if !valid {
		return respError
	}
	switch op := req.command.Opcode(); op {
	case spiflash.OpWriteEnable:
		s.writeEnabled = true
	case spiflash.OpWriteDisable:
		s.writeEnabled = false
	case spiflash.OpWakeUp:
		s.PoweredDown = false
	case spiflash.OpSectorErase, spiflash.OpBlockErase, spiflash.OpChipErase:
		if !s.writeEnabled {
			break
		}
		start, size := uint64(0), uint64(len(s.Flash))
		switch op {
		case spiflash.OpSectorErase:
			size = spiflash.DefaultSectorSize
		case spiflash.OpBlockErase:
			size = 65536
		}
		if op != spiflash.OpChipErase {
			start = uint64(req.address) &^ (size - 1)
		}
		for i := start; i < start+size && i < uint64(len(s.Flash)); i++ {
			s.Flash[i] = 0xff
		}
		s.writeEnabled = false
		s.busy = s.BusyPolls
	default:
		return respNotSupported
	}
	return ok("")
}

// SFDPImage builds a JESD216 revision 1.6 SFDP area with a single Basic
// Flash Parameter Table describing a part of the given geometry
func SFDPImage(capacity uint64, pageSize, sectorSize uint32, eraseOpcode spiflash.Opcode) []byte {
	const tableOffset = 0x30
	image := make([]byte, tableOffset+64)
	for i := range image {
		image[i] = 0xff
	}

	copy(image[0:], "SFDP")
	image[4], image[5] = 6, 1 // revision 1.6
	image[6] = 0              // one parameter header
	image[7] = 0xff

	// Basic table header
	image[8] = 0x00
	image[9], image[10] = 6, 1
	image[11] = 16
	image[12], image[13], image[14] = tableOffset, 0, 0
	image[15] = 0xff

	table := make([]uint32, 16)
	table[0] = 0xfff100e5 | uint32(eraseOpcode)<<8
	densityBits := capacity * 8
	if densityBits > 1<<31 {
		table[1] = 0x80000000 | uint32(bits.TrailingZeros64(densityBits))
	} else {
		table[1] = uint32(densityBits - 1)
	}
	table[7] = uint32(bits.TrailingZeros32(sectorSize)) | uint32(eraseOpcode)<<8 |
		16<<16 | uint32(spiflash.OpBlockErase)<<24
	table[10] = uint32(bits.TrailingZeros32(pageSize))<<4 | 0x1
	table[13] = 0xb9<<23 | uint32(spiflash.OpWakeUp)<<15
	for i, dword := range table {
		binary.LittleEndian.PutUint32(image[tableOffset+i*4:], dword)
	}
	return image
}
