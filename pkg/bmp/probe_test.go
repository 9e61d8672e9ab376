package bmp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp/bmptest"
	"github.com/blackmagic-debug/bmpflash/pkg/remote"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
)

var testID = spiflash.JedecID{Manufacturer: 0x1f, Type: 0x84, Capacity: 0x17}

func newTestProbe(t *testing.T) (*Probe, *bmptest.Simulator) {
	t.Helper()
	sim := bmptest.New(testID)
	return New(sim, nil), sim
}

func lastRequest(sim *bmptest.Simulator) string {
	reqs := sim.Requests()
	if len(reqs) == 0 {
		return ""
	}
	return reqs[len(reqs)-1]
}

func TestHandshake(t *testing.T) {
	p, sim := newTestProbe(t)
	version, err := p.Handshake()
	if err != nil {
		t.Fatalf("handshake failed: %s", err)
	}
	if version != sim.Firmware {
		t.Errorf("expected firmware %q, got %q", sim.Firmware, version)
	}
	reqs := sim.Requests()
	if len(reqs) != 2 || reqs[0] != "!GA" || reqs[1] != "!HC" {
		t.Errorf("unexpected handshake requests %v", reqs)
	}
}

func TestHandshakeOldFirmware(t *testing.T) {
	tests := []struct {
		name    string
		version int
	}{
		{"unsupported request", -1},
		{"version 0", 0},
		{"version 2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sim := newTestProbe(t)
			sim.ProtocolVersion = tt.version
			if _, err := p.Handshake(); !errors.Is(err, ErrFirmwareTooOld) {
				t.Fatalf("expected ErrFirmwareTooOld, got %v", err)
			}
		})
	}
}

func TestReadProtocolVersionNotSupported(t *testing.T) {
	p, sim := newTestProbe(t)
	sim.ProtocolVersion = -1
	version, err := p.ReadProtocolVersion()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestBeginEnd(t *testing.T) {
	p, sim := newTestProbe(t)
	if p.Active() || p.Bus() != BusNone || p.Device() != DeviceNone {
		t.Fatalf("new probe should be idle")
	}

	if err := p.Begin(BusInternal); err != nil {
		t.Fatalf("begin failed: %s", err)
	}
	if p.Bus() != BusInternal || p.Device() != DeviceIntFlash {
		t.Errorf("expected internal bus and flash, got %s/%d", p.Bus(), p.Device())
	}
	if lastRequest(sim) != "!sB01" {
		t.Errorf("unexpected begin request %q", lastRequest(sim))
	}
	if err := p.Begin(BusExternal); !errors.Is(err, ErrBusActive) {
		t.Errorf("expected ErrBusActive, got %v", err)
	}

	if err := p.End(); err != nil {
		t.Fatalf("end failed: %s", err)
	}
	if p.Active() || p.Device() != DeviceNone {
		t.Errorf("probe should be idle after end")
	}
	if lastRequest(sim) != "!sE01" {
		t.Errorf("unexpected end request %q", lastRequest(sim))
	}

	n := len(sim.Requests())
	if err := p.End(); err != nil {
		t.Fatalf("second end failed: %s", err)
	}
	if len(sim.Requests()) != n {
		t.Errorf("ending an idle session should not talk to the probe")
	}
}

func TestBeginNoBus(t *testing.T) {
	p, sim := newTestProbe(t)
	if err := p.Begin(BusNone); err == nil {
		t.Fatalf("expected begin on no bus to fail")
	}
	if len(sim.Requests()) != 0 {
		t.Errorf("nothing should have been sent")
	}
}

func TestInactiveOperations(t *testing.T) {
	p, _ := newTestProbe(t)
	buf := make([]byte, 4)
	if _, err := p.IdentifyFlash(); !errors.Is(err, ErrBusInactive) {
		t.Errorf("identify: expected ErrBusInactive, got %v", err)
	}
	if err := p.Read(spiflash.CmdPageRead, 0, buf); !errors.Is(err, ErrBusInactive) {
		t.Errorf("read: expected ErrBusInactive, got %v", err)
	}
	if err := p.Write(spiflash.CmdPageProgram, 0, buf); !errors.Is(err, ErrBusInactive) {
		t.Errorf("write: expected ErrBusInactive, got %v", err)
	}
	if err := p.RunCommand(spiflash.CmdWriteEnable, 0); !errors.Is(err, ErrBusInactive) {
		t.Errorf("command: expected ErrBusInactive, got %v", err)
	}
}

func TestIdentifyFlash(t *testing.T) {
	p, sim := newTestProbe(t)
	if err := p.Begin(BusInternal); err != nil {
		t.Fatalf("begin failed: %s", err)
	}
	id, err := p.IdentifyFlash()
	if err != nil {
		t.Fatalf("identify failed: %s", err)
	}
	if id != testID {
		t.Errorf("expected %s, got %s", testID, id)
	}
	if lastRequest(sim) != "!sI0100" {
		t.Errorf("unexpected chip id request %q", lastRequest(sim))
	}

	sim.Override = func(req string) (string, bool) {
		return "&K1f84#", strings.HasPrefix(req, "!sI")
	}
	id, err = p.IdentifyFlash()
	if err != nil {
		t.Fatalf("identify failed: %s", err)
	}
	if id != (spiflash.JedecID{}) {
		t.Errorf("short response should give a zero ID, got %s", id)
	}
}

func TestReadTooLarge(t *testing.T) {
	p, sim := newTestProbe(t)
	sim.MaxTransfer = 16
	if err := p.Begin(BusInternal); err != nil {
		t.Fatalf("begin failed: %s", err)
	}

	if err := p.Read(spiflash.CmdPageRead, 0, make([]byte, 32)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge from parameter error, got %v", err)
	}
	if err := p.Write(spiflash.CmdPageProgram, 0, make([]byte, 32)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge from parameter error, got %v", err)
	}

	n := len(sim.Requests())
	if err := p.Read(spiflash.CmdPageRead, 0, make([]byte, remote.MaxDataLength+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if len(sim.Requests()) != n {
		t.Errorf("oversized read should fail before reaching the probe")
	}
	if err := p.Write(spiflash.CmdPageProgram, 0, make([]byte, remote.MaxDataLength+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if len(sim.Requests()) != n {
		t.Errorf("oversized write should fail before reaching the probe")
	}
	if p.Bus() != BusInternal {
		t.Errorf("a too-large request should leave the session usable")
	}
}

func TestCommsErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		status   remote.Status
	}{
		{"error status", "&E#", remote.StatusError},
		{"not supported", "&N#", remote.StatusNotSupported},
		{"malformed", "&X#", 0},
		{"no response", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, sim := newTestProbe(t)
			if err := p.Begin(BusExternal); err != nil {
				t.Fatalf("begin failed: %s", err)
			}
			sim.Override = func(req string) (string, bool) {
				return tt.response, strings.HasPrefix(req, "!sc")
			}
			err := p.RunCommand(spiflash.CmdWriteEnable, 0)
			if !IsCommsError(err) {
				t.Fatalf("expected a CommsError, got %v", err)
			}
			var comms *CommsError
			errors.As(err, &comms)
			if comms.Status != tt.status {
				t.Errorf("expected status %q, got %q", tt.status, comms.Status)
			}
			if tt.response == "" && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("expected a missing response to wrap io.ErrUnexpectedEOF, got %v", err)
			}
		})
	}
}

func TestWithBusEndsOnError(t *testing.T) {
	p, sim := newTestProbe(t)
	failure := errors.New("operation failed")
	err := p.WithBus(BusInternal, func() error {
		if !p.Active() {
			t.Errorf("bus should be active inside WithBus")
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Errorf("expected the operation's error, got %v", err)
	}
	if p.Active() {
		t.Errorf("bus should be released after WithBus")
	}
	if lastRequest(sim) != "!sE01" {
		t.Errorf("expected an end request, got %q", lastRequest(sim))
	}
}

func TestCloseEndsSession(t *testing.T) {
	p, sim := newTestProbe(t)
	if err := p.Begin(BusExternal); err != nil {
		t.Fatalf("begin failed: %s", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %s", err)
	}
	if lastRequest(sim) != "!sE00" {
		t.Errorf("close should end the active session, got %q", lastRequest(sim))
	}
	if !sim.Closed() {
		t.Errorf("transport was not closed")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %s", err)
	}
}

func TestFlashThroughProbe(t *testing.T) {
	p, sim := newTestProbe(t)
	sim.BusyPolls = 2
	if err := p.Begin(BusInternal); err != nil {
		t.Fatalf("begin failed: %s", err)
	}
	flash := spiflash.New(p, spiflash.DefaultGeometry(testID.CapacityBytes()), &spiflash.Config{MaxPolls: 10})

	block := make([]byte, spiflash.DefaultSectorSize)
	for i := range block {
		block[i] = byte(i * 7)
	}
	if err := flash.WriteBlock(0x2000, block); err != nil {
		t.Fatalf("write block failed: %s", err)
	}
	if !bytes.Equal(sim.Flash[0x2000:0x3000], block) {
		t.Fatalf("simulated flash does not hold the written block")
	}

	readBack := make([]byte, len(block))
	if err := flash.ReadBlock(0x2000, readBack); err != nil {
		t.Fatalf("read block failed: %s", err)
	}
	if !bytes.Equal(readBack, block) {
		t.Errorf("read back data does not match")
	}
}

func TestFilterProbes(t *testing.T) {
	probes := []ProbeInfo{
		{Serial: "7BB180B4", Product: "Black Magic Probe"},
		{Serial: "E2C0C4C6", Product: "Black Magic Probe"},
	}
	tests := []struct {
		name   string
		probes []ProbeInfo
		serial string
		want   string
		err    error
	}{
		{"none attached", nil, "", "", ErrNoProbe},
		{"single probe", probes[:1], "", "7BB180B4", nil},
		{"ambiguous", probes, "", "", ErrAmbiguousProbe},
		{"substring match", probes, "C0C4", "E2C0C4C6", nil},
		{"no match", probes, "DEAD", "", ErrNoProbe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe, err := FilterProbes(tt.probes, tt.serial)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("expected %v, got %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if probe.Serial != tt.want {
				t.Errorf("expected probe %s, got %s", tt.want, probe.Serial)
			}
		})
	}
}

func TestParseBus(t *testing.T) {
	tests := []struct {
		name string
		want Bus
		ok   bool
	}{
		{"internal", BusInternal, true},
		{"EXT", BusExternal, true},
		{"sdcard", BusNone, false},
	}
	for _, tt := range tests {
		bus, err := ParseBus(tt.name)
		if (err == nil) != tt.ok || bus != tt.want {
			t.Errorf("ParseBus(%q) = %s, %v", tt.name, bus, err)
		}
	}
}
