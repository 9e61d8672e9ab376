package remote

import "strings"

// Fixed packets. The very first packet of a session carries the '+' prefix
// so the firmware resynchronises its packet parser.
const (
	InitPacket            = "+#!GA#"
	ProtocolVersionPacket = "!HC#"
)

// MaxDataLength is the largest transfer length expressible in a request
const MaxDataLength = 0xffff

// SPIBegin selects and powers up an SPI bus
func SPIBegin(bus uint8) string {
	return "!sB" + Uint8(bus) + "#"
}

// SPIEnd releases an SPI bus
func SPIEnd(bus uint8) string {
	return "!sE" + Uint8(bus) + "#"
}

// SPIChipID requests the JEDEC ID of the device on a bus
func SPIChipID(bus, device uint8) string {
	return "!sI" + Uint8(bus) + Uint8(device) + "#"
}

func spiHeader(op string, bus, device uint8, command uint16, address uint32) *strings.Builder {
	var b strings.Builder
	b.Grow(MaxPacketSize)
	b.WriteString(op)
	b.WriteString(Uint8(bus))
	b.WriteString(Uint8(device))
	b.WriteString(Uint16(command))
	b.WriteString(Uint24(address))
	return &b
}

// SPIRead builds a read request for length bytes
func SPIRead(bus, device uint8, command uint16, address uint32, length uint16) string {
	b := spiHeader("!sr", bus, device, command, address)
	b.WriteString(Uint16(length))
	b.WriteByte(packetEnd)
	return b.String()
}

// SPIWrite builds a write request. The payload hex follows the length field
// directly with no separator.
func SPIWrite(bus, device uint8, command uint16, address uint32, data []byte) (string, error) {
	if len(data) > MaxDataLength {
		return "", ErrPacketTooLarge
	}
	b := spiHeader("!sw", bus, device, command, address)
	b.WriteString(Uint16(uint16(len(data))))
	if b.Len()+len(data)*2+1 > MaxPacketSize {
		return "", ErrPacketTooLarge
	}
	b.WriteString(EncodeHex(data))
	b.WriteByte(packetEnd)
	return b.String(), nil
}

// SPICommand builds an opcode-only request with no data phase
func SPICommand(bus, device uint8, command uint16, address uint32) string {
	b := spiHeader("!sc", bus, device, command, address)
	b.WriteByte(packetEnd)
	return b.String()
}
