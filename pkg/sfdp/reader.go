package sfdp

import (
	"fmt"
	"io/ioutil"
	"log"

	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
)

// maxRead bounds each SFDP read request so responses fit one remote packet
const maxRead = spiflash.MaxChunk

// Device is the part of the SPI bus the reader needs
type Device interface {
	Read(cmd spiflash.Command, address uint32, data []byte) error
}

type logger interface {
	Printf(string, ...interface{})
}

// Config holds optional reader settings
type Config struct {
	Logger logger
}

// Reader discovers a part's geometry over an active SPI bus
type Reader struct {
	device Device
	id     spiflash.JedecID
	logger
}

// NewReader returns a reader for the part with the given JEDEC ID. The ID
// is used to size the part when it has no SFDP area.
func NewReader(device Device, id spiflash.JedecID, cfg *Config) *Reader {
	r := &Reader{
		device: device,
		id:     id,
		logger: log.New(ioutil.Discard, "", 0),
	}
	if cfg != nil && cfg.Logger != nil {
		r.logger = cfg.Logger
	}
	return r
}

func (r *Reader) log(str string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(str, args...)
	}
}

func (r *Reader) read(address uint32, data []byte) error {
	for offset := 0; offset < len(data); offset += maxRead {
		end := offset + maxRead
		if end > len(data) {
			end = len(data)
		}
		if err := r.device.Read(spiflash.CmdReadSFDP, address+uint32(offset), data[offset:end]); err != nil {
			return fmt.Errorf("failed to read SFDP data at 0x%06x: %w", address+uint32(offset), err)
		}
	}
	return nil
}

// ReadHeader reads the SFDP header from the start of the SFDP area
func (r *Reader) ReadHeader() (Header, error) {
	buf := make([]byte, HeaderSize)
	if err := r.read(0, buf); err != nil {
		return Header{}, err
	}
	return ParseHeader(buf)
}

// ReadParameterHeaders reads every parameter table header announced by h
func (r *Reader) ReadParameterHeaders(h Header) ([]ParameterTableHeader, error) {
	buf := make([]byte, h.TableCount()*ParameterTableHeaderSize)
	if err := r.read(HeaderSize, buf); err != nil {
		return nil, err
	}
	headers := make([]ParameterTableHeader, 0, h.TableCount())
	for offset := 0; offset < len(buf); offset += ParameterTableHeaderSize {
		ph, err := ParseParameterTableHeader(buf[offset:])
		if err != nil {
			return nil, err
		}
		headers = append(headers, ph)
	}
	return headers, nil
}

// ReadBasicTable validates the Basic Flash Parameter Table header and reads
// and decodes the table it points to
func (r *Reader) ReadBasicTable(ph ParameterTableHeader) (*BasicParameterTable, error) {
	if ph.ID() != BasicTableID {
		return nil, fmt.Errorf("sfdp: table 0x%04x is not a basic parameter table", ph.ID())
	}
	if !ph.Validate() {
		r.log("Warning: unknown basic parameter table revision %s, trusting declared length of %d bytes",
			ph.Version(), ph.TableLength())
	}
	length := ph.TableLength()
	if length > BasicTableReadLength {
		length = BasicTableReadLength
	}
	table := make([]byte, length)
	if err := r.read(ph.TablePointer, table); err != nil {
		return nil, err
	}
	return ParseBasicTable(ph, table)
}

// findBasic returns the first Basic Flash Parameter Table header
func findBasic(headers []ParameterTableHeader) (ParameterTableHeader, bool) {
	for _, ph := range headers {
		if ph.ID() == BasicTableID {
			return ph, true
		}
	}
	return ParameterTableHeader{}, false
}

// fallback sizes the part from its JEDEC ID alone
func (r *Reader) fallback() (spiflash.Geometry, error) {
	geometry, err := spiflash.GeometryFromID(r.id)
	if err != nil {
		return spiflash.Geometry{}, err
	}
	r.log("Using JEDEC ID derived geometry: %d bytes", geometry.Capacity)
	return geometry, nil
}

// Read returns the part's geometry from its SFDP area, falling back to the
// JEDEC ID when the part has no usable SFDP data
func (r *Reader) Read() (spiflash.Geometry, error) {
	header, err := r.ReadHeader()
	if err != nil {
		return spiflash.Geometry{}, err
	}
	if !header.Valid() {
		r.log("SFDP magic mismatch (%q), falling back to JEDEC ID", header.Magic[:])
		return r.fallback()
	}

	headers, err := r.ReadParameterHeaders(header)
	if err != nil {
		return spiflash.Geometry{}, err
	}
	basic, ok := findBasic(headers)
	if !ok {
		r.log("SFDP area has no basic parameter table, falling back to JEDEC ID")
		return r.fallback()
	}
	table, err := r.ReadBasicTable(basic)
	if err != nil {
		return spiflash.Geometry{}, err
	}
	geometry := table.Geometry()
	if !geometry.Valid() {
		r.log("SFDP basic parameter table describes an unusable geometry, falling back to JEDEC ID")
		return r.fallback()
	}
	return geometry, nil
}

// Description is everything the SFDP area says about a part, for display
type Description struct {
	Header Header
	Tables []ParameterTableHeader
	Basic  *BasicParameterTable
}

// Describe reads the complete SFDP structure. Parts without an SFDP area
// return a Description with only an invalid Header filled in.
func (r *Reader) Describe() (*Description, error) {
	header, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	desc := &Description{Header: header}
	if !header.Valid() {
		return desc, nil
	}
	if desc.Tables, err = r.ReadParameterHeaders(header); err != nil {
		return nil, err
	}
	if basic, ok := findBasic(desc.Tables); ok {
		if desc.Basic, err = r.ReadBasicTable(basic); err != nil {
			return nil, err
		}
	}
	return desc, nil
}
