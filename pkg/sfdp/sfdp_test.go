package sfdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/bmp/bmptest"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
)

// memDevice serves SFDP reads from a byte slice
type memDevice struct {
	data  []byte
	reads int
}

func (d *memDevice) Read(cmd spiflash.Command, address uint32, data []byte) error {
	if cmd != spiflash.CmdReadSFDP {
		return fmt.Errorf("unexpected command %s", cmd)
	}
	d.reads++
	for i := range data {
		data[i] = 0xff
		if int(address)+i < len(d.data) {
			data[i] = d.data[int(address)+i]
		}
	}
	return nil
}

var macronix = spiflash.JedecID{Manufacturer: 0xc2, Type: 0x20, Capacity: 0x17}

func TestExpectedLength(t *testing.T) {
	tests := []struct {
		major, minor uint8
		want         int
		known        bool
	}{
		{1, 0, 36, true},
		{1, 4, 36, true},
		{1, 5, 64, true},
		{1, 6, 64, true},
		{1, 7, 84, true},
		{1, 8, 96, true},
		{1, 9, 0, false},
		{0, 6, 0, false},
		{2, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d.%d", tt.major, tt.minor), func(t *testing.T) {
			got, known := ExpectedLength(tt.major, tt.minor)
			if got != tt.want || known != tt.known {
				t.Errorf("expected (%d, %v), got (%d, %v)", tt.want, tt.known, got, known)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		in         ParameterTableHeader
		wantLength uint8
		wantMajor  uint8
		wantMinor  uint8
		known      bool
	}{
		{"matching", ParameterTableHeader{MajorRevision: 1, MinorRevision: 6, Length: 16}, 16, 1, 6, true},
		{"overlong", ParameterTableHeader{MajorRevision: 1, MinorRevision: 6, Length: 20}, 16, 1, 6, true},
		{"short 1.8", ParameterTableHeader{MajorRevision: 1, MinorRevision: 8, Length: 16}, 16, 1, 6, true},
		{"short 1.7", ParameterTableHeader{MajorRevision: 1, MinorRevision: 7, Length: 9}, 9, 1, 4, true},
		{"unknown major", ParameterTableHeader{MajorRevision: 0, MinorRevision: 1, Length: 30}, 30, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.in
			if known := h.Validate(); known != tt.known {
				t.Errorf("expected known=%v", tt.known)
			}
			if h.Length != tt.wantLength || h.MajorRevision != tt.wantMajor || h.MinorRevision != tt.wantMinor {
				t.Errorf("expected length %d rev %d.%d, got length %d rev %s",
					tt.wantLength, tt.wantMajor, tt.wantMinor, h.Length, h.Version())
			}
		})
	}
}

func TestDecodeDensity(t *testing.T) {
	tests := []struct {
		raw  uint32
		want uint64
	}{
		{0x03ffffff, 8 << 20},
		{0x00ffffff, 2 << 20},
		{0x80000022, 2 << 30},
		{0x80000001, 0},
	}
	for _, tt := range tests {
		if got := decodeDensity(tt.raw); got != tt.want {
			t.Errorf("decodeDensity(0x%08x) = %d, expected %d", tt.raw, got, tt.want)
		}
	}
}

func TestParameterTableHeader(t *testing.T) {
	ph, err := ParseParameterTableHeader([]byte{0x00, 0x06, 0x01, 0x10, 0x30, 0x01, 0x02, 0xff})
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if ph.ID() != BasicTableID {
		t.Errorf("expected basic table ID, got 0x%04x", ph.ID())
	}
	if ph.TablePointer != 0x020130 {
		t.Errorf("expected pointer 0x020130, got 0x%06x", ph.TablePointer)
	}
	if ph.TableLength() != 64 {
		t.Errorf("expected 64 byte table, got %d", ph.TableLength())
	}
	if !ph.AtLeast(1, 5) || ph.AtLeast(1, 7) {
		t.Errorf("revision comparison wrong for %s", ph.Version())
	}
}

func TestReadGeometry(t *testing.T) {
	image := bmptest.SFDPImage(16<<20, 256, 4096, spiflash.OpSectorErase)
	r := NewReader(&memDevice{data: image}, macronix, nil)
	geometry, err := r.Read()
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	want := spiflash.Geometry{PageSize: 256, SectorSize: 4096, SectorEraseOpcode: spiflash.OpSectorErase, Capacity: 16 << 20}
	if geometry != want {
		t.Errorf("expected %+v, got %+v", want, geometry)
	}
}

func TestReadLargePage(t *testing.T) {
	image := bmptest.SFDPImage(32<<20, 512, 4096, 0x21)
	geometry, err := NewReader(&memDevice{data: image}, macronix, nil).Read()
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if geometry.PageSize != 512 {
		t.Errorf("expected 512 byte pages, got %d", geometry.PageSize)
	}
	if geometry.SectorEraseOpcode != 0x21 || geometry.SectorSize != 4096 {
		t.Errorf("unexpected erase geometry %+v", geometry)
	}
	if geometry.Capacity != 32<<20 {
		t.Errorf("expected 32MiB, got %d", geometry.Capacity)
	}
}

func TestReadOldRevisionIgnoresPageSize(t *testing.T) {
	image := bmptest.SFDPImage(16<<20, 512, 4096, spiflash.OpSectorErase)
	// Make the basic table revision 1.0 with the 9 dword length it defines
	image[9], image[10], image[11] = 0, 1, 9
	image[4], image[5] = 0, 1
	geometry, err := NewReader(&memDevice{data: image}, macronix, nil).Read()
	if err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if geometry.PageSize != spiflash.DefaultPageSize {
		t.Errorf("expected the default page size, got %d", geometry.PageSize)
	}
}

func TestEraseTypeFallback(t *testing.T) {
	image := bmptest.SFDPImage(16<<20, 256, 4096, spiflash.OpSectorErase)
	// Erase types 1 and 2 advertise opcodes that do not match DW1
	binary.LittleEndian.PutUint32(image[0x30+7*4:], 0x52105c0f)
	table, err := NewReader(&memDevice{data: image}, macronix, nil).Describe()
	if err != nil {
		t.Fatalf("describe failed: %s", err)
	}
	erase := table.Basic.SectorEraseType()
	if erase.Size() != 4096 || erase.Opcode != spiflash.OpSectorErase {
		t.Errorf("expected 4KiB erase with 0x20, got %d/0x%02x", erase.Size(), erase.Opcode)
	}
}

func TestDescribe(t *testing.T) {
	image := bmptest.SFDPImage(8<<20, 256, 4096, spiflash.OpSectorErase)
	desc, err := NewReader(&memDevice{data: image}, macronix, nil).Describe()
	if err != nil {
		t.Fatalf("describe failed: %s", err)
	}
	if !desc.Header.Valid() || desc.Header.Version() != "1.6" {
		t.Errorf("unexpected header %+v", desc.Header)
	}
	if len(desc.Tables) != 1 || desc.Tables[0].Name() != "Basic Flash Parameter Table" {
		t.Fatalf("unexpected tables %+v", desc.Tables)
	}
	if desc.Basic == nil || desc.Basic.Density != 8<<20 {
		t.Fatalf("unexpected basic table %+v", desc.Basic)
	}
	if desc.Basic.DeepPowerDown.Enter != 0xb9 || desc.Basic.DeepPowerDown.Exit != spiflash.OpWakeUp {
		t.Errorf("unexpected deep power-down instructions %+v", desc.Basic.DeepPowerDown)
	}
}

func TestDescribeWithoutSFDP(t *testing.T) {
	desc, err := NewReader(&memDevice{}, macronix, nil).Describe()
	if err != nil {
		t.Fatalf("describe failed: %s", err)
	}
	if desc.Header.Valid() || desc.Basic != nil {
		t.Errorf("expected an empty description, got %+v", desc)
	}
}

func TestNoDevice(t *testing.T) {
	blank := spiflash.JedecID{Manufacturer: 0xff, Type: 0xff, Capacity: 0xff}
	_, err := NewReader(&memDevice{}, blank, nil).Read()
	if !errors.Is(err, spiflash.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

// TestJedecFallbackThroughProbe walks a whole discovery against the probe
// simulator for a part with no SFDP area
func TestJedecFallbackThroughProbe(t *testing.T) {
	id := spiflash.JedecID{Manufacturer: 0x1f, Type: 0x84, Capacity: 0x17}
	sim := bmptest.New(id)
	sim.SFDP = nil
	probe := bmp.New(sim, nil)

	if _, err := probe.Handshake(); err != nil {
		t.Fatalf("handshake failed: %s", err)
	}
	if err := probe.Begin(bmp.BusInternal); err != nil {
		t.Fatalf("begin failed: %s", err)
	}
	got, err := probe.IdentifyFlash()
	if err != nil {
		t.Fatalf("identify failed: %s", err)
	}
	if got != id {
		t.Fatalf("expected ID %s, got %s", id, got)
	}

	geometry, err := NewReader(probe, got, nil).Read()
	if err != nil {
		t.Fatalf("sfdp read failed: %s", err)
	}
	want := spiflash.Geometry{PageSize: 256, SectorSize: 4096, SectorEraseOpcode: spiflash.OpSectorErase, Capacity: 1 << 0x17}
	if geometry != want {
		t.Errorf("expected %+v, got %+v", want, geometry)
	}

	reqs := sim.Requests()
	expected := []string{"!GA", "!HC", "!sB01", "!sI0100", "!sr0100095a0000000008"}
	if len(reqs) != len(expected) {
		t.Fatalf("expected requests %v, got %v", expected, reqs)
	}
	for i := range expected {
		if reqs[i] != expected[i] {
			t.Errorf("request %d: expected %q, got %q", i, expected[i], reqs[i])
		}
	}
}

func TestAddressMode(t *testing.T) {
	tests := []struct {
		bits uint32
		mode AddressMode
		name string
	}{
		{0, Address3Byte, "3-byte only"},
		{1, Address3Or4Byte, "3- or 4-byte"},
		{2, Address4Byte, "4-byte only"},
		{3, AddressReserved, "reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := make([]byte, 64)
			binary.LittleEndian.PutUint32(table, 0xfff920e5&^(3<<17)|tt.bits<<17)
			basic, err := ParseBasicTable(ParameterTableHeader{MajorRevision: 1, MinorRevision: 6, Length: 16}, table)
			if err != nil {
				t.Fatalf("parse failed: %s", err)
			}
			if basic.AddressMode != tt.mode {
				t.Errorf("expected %s, got %s", tt.mode, basic.AddressMode)
			}
			if basic.AddressMode.String() != tt.name {
				t.Errorf("expected %q, got %q", tt.name, basic.AddressMode.String())
			}
			if basic.SectorEraseOpcode != spiflash.OpSectorErase {
				t.Errorf("address bits disturbed the erase opcode: 0x%02x", uint8(basic.SectorEraseOpcode))
			}
		})
	}
}
