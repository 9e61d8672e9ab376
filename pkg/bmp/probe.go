package bmp

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"strings"

	"github.com/blackmagic-debug/bmpflash/pkg/remote"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
)

// MinProtocolVersion is the oldest remote protocol with SPI support
const MinProtocolVersion = 3

// Bus selects one of the probe's SPI buses
type Bus uint8

// SPI buses
const (
	BusExternal Bus = 0
	BusInternal Bus = 1
	BusNone     Bus = 0xff
)

func (b Bus) String() string {
	switch b {
	case BusExternal:
		return "external"
	case BusInternal:
		return "internal"
	case BusNone:
		return "none"
	}
	return fmt.Sprintf("bus(%d)", uint8(b))
}

// ParseBus converts a bus name from the command line
func ParseBus(name string) (Bus, error) {
	switch strings.ToLower(name) {
	case "internal", "int":
		return BusInternal, nil
	case "external", "ext":
		return BusExternal, nil
	}
	return BusNone, fmt.Errorf("unknown SPI bus %q, expected internal or external", name)
}

// Device returns the Flash device that lives on the bus
func (b Bus) Device() Device {
	switch b {
	case BusInternal:
		return DeviceIntFlash
	case BusExternal:
		return DeviceExtFlash
	}
	return DeviceNone
}

// Device selects a chip select on the active bus
type Device uint8

// SPI devices
const (
	DeviceIntFlash Device = 0
	DeviceExtFlash Device = 1
	DeviceSDCard   Device = 2
	DeviceDisplay  Device = 3
	DeviceNone     Device = 0xff
)

// Transport is the raw byte link to the probe's GDB serial interface
type Transport io.ReadWriteCloser

type logger interface {
	Printf(string, ...interface{})
}

// Config specifies optional attributes of a probe session
type Config struct {
	Logger logger
}

// Probe is a remote protocol session with a Black Magic Probe. A Probe is
// not safe for concurrent use: the protocol is strictly request/response.
type Probe struct {
	transport Transport
	bus       Bus
	device    Device
	logger
}

// New wraps a transport in an idle probe session
func New(t Transport, cfg *Config) *Probe {
	p := &Probe{
		transport: t,
		bus:       BusNone,
		device:    DeviceNone,
		logger:    log.New(ioutil.Discard, "", 0),
	}
	if cfg != nil && cfg.Logger != nil {
		p.logger = cfg.Logger
	}
	return p
}

// SetLogger sets the logging device for this probe
func (p *Probe) SetLogger(l logger) {
	p.logger = l
}

func (p *Probe) log(str string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Printf(str, args...)
	}
}

// Active reports whether an SPI bus is currently held
func (p *Probe) Active() bool {
	return p.bus != BusNone
}

// Bus returns the active SPI bus
func (p *Probe) Bus() Bus { return p.bus }

// Device returns the active SPI device
func (p *Probe) Device() Device { return p.device }

func (p *Probe) writePacket(op, packet string) error {
	p.log("remote write: %s", packet)
	if _, err := p.transport.Write([]byte(packet)); err != nil {
		return &CommsError{Op: op, Err: err}
	}
	return nil
}

func (p *Probe) readPacket(op string) (remote.Response, error) {
	raw, err := remote.ReadPacket(p.transport)
	if err != nil {
		return remote.Response{}, &CommsError{Op: op, Err: err}
	}
	p.log("remote read: %s", raw)
	resp, err := remote.ParseResponse(raw)
	if err != nil {
		return remote.Response{}, &CommsError{Op: op, Err: err}
	}
	return resp, nil
}

// exchange sends one request packet and reads back its response
func (p *Probe) exchange(op, packet string) (remote.Response, error) {
	if err := p.writePacket(op, packet); err != nil {
		return remote.Response{}, err
	}
	return p.readPacket(op)
}

// Init asks the firmware to start its half of remote communications and
// returns the firmware version string it reports
func (p *Probe) Init() (string, error) {
	resp, err := p.exchange("init", remote.InitPacket)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", &CommsError{Op: "init", Status: resp.Status}
	}
	return resp.Payload, nil
}

// ReadProtocolVersion returns the remote protocol version. Firmware that
// does not understand the request reports version 0.
func (p *Probe) ReadProtocolVersion() (uint64, error) {
	resp, err := p.exchange("protocol version", remote.ProtocolVersionPacket)
	if err != nil {
		return 0, err
	}
	switch resp.Status {
	case remote.StatusNotSupported:
		return 0, nil
	case remote.StatusOK:
	default:
		return 0, &CommsError{Op: "protocol version", Status: resp.Status}
	}
	version, err := remote.DecodeUint(resp.Payload)
	if err != nil {
		return 0, &CommsError{Op: "protocol version", Status: resp.Status, Err: err}
	}
	return version, nil
}

// Handshake initialises the remote and checks the protocol is new enough to
// support SPI access
func (p *Probe) Handshake() (string, error) {
	version, err := p.Init()
	if err != nil {
		return "", err
	}
	protocol, err := p.ReadProtocolVersion()
	if err != nil {
		return version, err
	}
	p.log("remote protocol version %d", protocol)
	if protocol < MinProtocolVersion {
		return version, ErrFirmwareTooOld
	}
	return version, nil
}

// Begin selects an SPI bus and the Flash device on it
func (p *Probe) Begin(bus Bus) error {
	if p.Active() {
		return ErrBusActive
	}
	device := bus.Device()
	if device == DeviceNone {
		return fmt.Errorf("bmp: cannot begin a session on SPI bus %s", bus)
	}
	resp, err := p.exchange("SPI begin", remote.SPIBegin(uint8(bus)))
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &CommsError{Op: "SPI begin", Status: resp.Status}
	}
	p.bus, p.device = bus, device
	return nil
}

// End releases the active SPI bus. It does nothing if the session is idle.
func (p *Probe) End() error {
	if !p.Active() {
		return nil
	}
	resp, err := p.exchange("SPI end", remote.SPIEnd(uint8(p.bus)))
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &CommsError{Op: "SPI end", Status: resp.Status}
	}
	p.bus, p.device = BusNone, DeviceNone
	return nil
}

// WithBus runs fn with bus held, releasing the bus afterwards whatever the
// outcome of fn
func (p *Probe) WithBus(bus Bus, fn func() error) (err error) {
	if err := p.Begin(bus); err != nil {
		return err
	}
	defer func() {
		if endErr := p.End(); err == nil {
			err = endErr
		}
	}()
	return fn()
}

// IdentifyFlash reads the JEDEC ID of the device on the active bus. A
// response of the wrong length yields a zero ID.
func (p *Probe) IdentifyFlash() (spiflash.JedecID, error) {
	if !p.Active() {
		return spiflash.JedecID{}, ErrBusInactive
	}
	resp, err := p.exchange("SPI chip ID", remote.SPIChipID(uint8(p.bus), uint8(p.device)))
	if err != nil {
		return spiflash.JedecID{}, err
	}
	if !resp.OK() {
		return spiflash.JedecID{}, &CommsError{Op: "SPI chip ID", Status: resp.Status}
	}
	if len(resp.Payload) != 6 {
		return spiflash.JedecID{}, nil
	}
	var raw [3]byte
	if err := remote.DecodeHex(resp.Payload, raw[:]); err != nil {
		return spiflash.JedecID{}, &CommsError{Op: "SPI chip ID", Status: resp.Status, Err: err}
	}
	return spiflash.JedecID{Manufacturer: raw[0], Type: raw[1], Capacity: raw[2]}, nil
}

// Read runs cmd at address and fills data with the device's response
func (p *Probe) Read(cmd spiflash.Command, address uint32, data []byte) error {
	if !p.Active() {
		return ErrBusInactive
	}
	if len(data) > remote.MaxDataLength {
		return ErrTooLarge
	}
	packet := remote.SPIRead(uint8(p.bus), uint8(p.device), uint16(cmd), address, uint16(len(data)))
	resp, err := p.exchange("SPI read", packet)
	if err != nil {
		return err
	}
	switch resp.Status {
	case remote.StatusOK:
	case remote.StatusParameterError:
		return ErrTooLarge
	default:
		return &CommsError{Op: "SPI read", Status: resp.Status}
	}
	if err := remote.DecodeHex(resp.Payload, data); err != nil {
		return &CommsError{Op: "SPI read", Status: resp.Status, Err: err}
	}
	return nil
}

// Write runs cmd at address sending data to the device
func (p *Probe) Write(cmd spiflash.Command, address uint32, data []byte) error {
	if !p.Active() {
		return ErrBusInactive
	}
	if len(data) > remote.MaxDataLength {
		return ErrTooLarge
	}
	packet, err := remote.SPIWrite(uint8(p.bus), uint8(p.device), uint16(cmd), address, data)
	if err != nil {
		return ErrTooLarge
	}
	resp, err := p.exchange("SPI write", packet)
	if err != nil {
		return err
	}
	switch resp.Status {
	case remote.StatusOK:
		return nil
	case remote.StatusParameterError:
		return ErrTooLarge
	}
	return &CommsError{Op: "SPI write", Status: resp.Status}
}

// RunCommand runs an opcode-only command such as write enable or erase
func (p *Probe) RunCommand(cmd spiflash.Command, address uint32) error {
	if !p.Active() {
		return ErrBusInactive
	}
	resp, err := p.exchange("SPI command", remote.SPICommand(uint8(p.bus), uint8(p.device), uint16(cmd), address))
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &CommsError{Op: "SPI command", Status: resp.Status}
	}
	return nil
}

// Close releases the SPI bus if still held and closes the transport
func (p *Probe) Close() error {
	if p.transport == nil {
		return nil
	}
	endErr := p.End()
	err := p.transport.Close()
	p.transport = nil
	p.bus, p.device = BusNone, DeviceNone
	if endErr != nil {
		return endErr
	}
	return err
}
