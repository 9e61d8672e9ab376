package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxPacketSize is the largest packet the probe firmware will send or accept
const MaxPacketSize = 1024

// Status is the first byte of a response packet after the '&' marker
type Status byte

// Response status codes
const (
	StatusOK             Status = 'K'
	StatusParameterError Status = 'P'
	StatusError          Status = 'E'
	StatusNotSupported   Status = 'N'
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusParameterError:
		return "parameter error"
	case StatusError:
		return "error"
	case StatusNotSupported:
		return "not supported"
	}
	return fmt.Sprintf("unknown status %q", byte(s))
}

// Packet framing
const (
	responseStart = '&'
	packetEnd     = '#'
)

var (
	// ErrMalformedResponse is returned for anything that does not look like
	// a response packet at all
	ErrMalformedResponse = errors.New("remote: malformed response packet")

	// ErrPacketTooLarge is returned when a packet would not fit in MaxPacketSize
	ErrPacketTooLarge = errors.New("remote: packet exceeds maximum packet size")
)

// Response is a classified response packet
type Response struct {
	Status  Status
	Payload string
}

// OK reports whether the probe accepted the request
func (r Response) OK() bool { return r.Status == StatusOK }

// ParseResponse strips the response framing and classifies the status byte.
// The terminating '#' is optional so bare packet bodies can be parsed too.
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) == 0 || raw[0] != responseStart {
		return Response{}, fmt.Errorf("%w: %q", ErrMalformedResponse, raw)
	}
	body := raw[1:]
	if n := bytes.IndexByte(body, packetEnd); n >= 0 {
		body = body[:n]
	}
	if len(body) == 0 {
		return Response{}, fmt.Errorf("%w: missing status", ErrMalformedResponse)
	}

	status := Status(body[0])
	switch status {
	case StatusOK, StatusParameterError, StatusError, StatusNotSupported:
	default:
		return Response{}, fmt.Errorf("%w: %s", ErrMalformedResponse, status)
	}
	return Response{Status: status, Payload: string(body[1:])}, nil
}

// ReadPacket reads from r until a packet terminator has been seen. Transports
// that deliver a whole packet per read (USB bulk) complete in one call,
// byte streams (serial ports) are accumulated.
func ReadPacket(r io.Reader) ([]byte, error) {
	packet := make([]byte, 0, MaxPacketSize)
	chunk := make([]byte, MaxPacketSize)
	for {
		n, err := r.Read(chunk)
		packet = append(packet, chunk[:n]...)
		if end := bytes.IndexByte(packet, packetEnd); end >= 0 {
			return packet[:end+1], nil
		}
		if len(packet) >= MaxPacketSize {
			return nil, ErrPacketTooLarge
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("remote: read timed out after %d bytes", len(packet))
		}
	}
}
