package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/bmp/bmptest"
	"github.com/blackmagic-debug/bmpflash/pkg/provision"
	"github.com/blackmagic-debug/bmpflash/pkg/provision/provisiontest"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
	"github.com/fatih/color"
)

// testPart is a small Winbond part so whole-device reads stay quick
var testPart = spiflash.JedecID{Manufacturer: 0xef, Type: 0x40, Capacity: 0x10}

// run executes the command line against a simulated probe whose Flash
// contents persist across connections in flash
func run(t *testing.T, flash []byte, args ...string) (string, error) {
	t.Helper()
	return runWith(t, func(sim *bmptest.Simulator) {
		if flash != nil {
			sim.Flash = flash
		}
	}, args...)
}

// runWith is run with a hook that adjusts each simulated probe
func runWith(t *testing.T, setup func(*bmptest.Simulator), args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	stdout, stderr = &out, &out
	color.NoColor = true
	serialNumber, verbose, transportName, portPath, maxPolls = "", false, "simulator", "", 0
	assumeYes, writeVerify, eraseAll, provisionVerify = false, true, false, true
	releaseTag, assetName = "", ""
	infoOpts.bus, sfdpOpts.bus, readOpts.bus, writeOpts.bus = "", "external", "external", "external"
	readFile, writeFile = "", ""
	newSimulator = func() *bmptest.Simulator {
		sim := bmptest.New(testPart)
		setup(sim)
		return sim
	}
	t.Cleanup(func() { stdout, stderr = os.Stdout, os.Stderr })

	rootCmd.SetArgs(append(args, "--transport", "simulator"))
	err := rootCmd.Execute()
	return out.String(), err
}

func blankFlash() []byte {
	return bytes.Repeat([]byte{0xff}, int(testPart.CapacityBytes()))
}

func TestHumanReadableSize(t *testing.T) {
	tests := []struct {
		size  uint64
		value uint64
		units string
	}{
		{512, 512, "B"},
		{4096, 4, "KiB"},
		{1536, 1, "KiB"},
		{8 << 20, 8, "MiB"},
		{2 << 30, 2, "GiB"},
		{4 << 40, 4096, "GiB"},
	}
	for _, tt := range tests {
		value, units := humanReadableSize(tt.size)
		if value != tt.value || units != tt.units {
			t.Errorf("humanReadableSize(%d) = %d %s, expected %d %s", tt.size, value, units, tt.value, tt.units)
		}
	}
}

func TestVendorName(t *testing.T) {
	if name := vendorName(0xef); name != "Winbond" {
		t.Errorf("expected Winbond, got %s", name)
	}
	if name := vendorName(0x42); !strings.Contains(name, "0x42") {
		t.Errorf("unknown vendors should show their ID, got %s", name)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, exitOK},
		{"failure", errors.New("failed"), exitFailure},
		{"no probe", bmp.ErrNoProbe, exitFailure},
		{"transport", unreachable(errors.New("libusb")), exitUnreachable},
		{"wrapped transport", fmt.Errorf("opening: %w", unreachable(errors.New("libusb"))), exitUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := exitCode(tt.err); code != tt.code {
				t.Errorf("expected exit code %d, got %d", tt.code, code)
			}
		})
	}
}

func TestFirmwarePath(t *testing.T) {
	releaseTag = ""
	if _, _, err := firmwarePath(nil); err == nil {
		t.Errorf("expected an error without a file or release")
	}
	path, cleanup, err := firmwarePath([]string{"firmware.elf"})
	if err != nil || path != "firmware.elf" {
		t.Errorf("expected the argument back, got %q, %v", path, err)
	}
	cleanup()

	releaseTag = "v1.10.0"
	defer func() { releaseTag = "" }()
	if _, _, err := firmwarePath([]string{"firmware.elf"}); err == nil {
		t.Errorf("expected an error with both a file and a release")
	}
}

func TestInfoListsSimulator(t *testing.T) {
	out, err := run(t, nil, "info")
	if err != nil {
		t.Fatalf("info failed: %s", err)
	}
	if !strings.Contains(out, simulatorInfo.Serial) {
		t.Errorf("probe list missing the simulator:\n%s", out)
	}
}

func TestInfoIdentifiesFlash(t *testing.T) {
	out, err := run(t, nil, "info", "--bus", "external")
	if err != nil {
		t.Fatalf("info failed: %s", err)
	}
	for _, want := range []string{"Winbond", "64 KiB", "page size: 256"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.bin")
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 13)
	}
	if err := os.WriteFile(input, data, 0o644); err != nil {
		t.Fatalf("failed to write fixture: %s", err)
	}

	flash := blankFlash()
	if _, err := run(t, flash, "write", "-f", input, "--yes"); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	if !bytes.Equal(flash[:len(data)], data) {
		t.Fatalf("simulated Flash does not hold the written file")
	}

	output := filepath.Join(dir, "output.bin")
	if _, err := run(t, flash, "read", "-f", output); err != nil {
		t.Fatalf("read failed: %s", err)
	}
	dump, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("failed to read dump: %s", err)
	}
	if len(dump) != int(testPart.CapacityBytes()) {
		t.Fatalf("expected a %d byte dump, got %d", testPart.CapacityBytes(), len(dump))
	}
	if !bytes.Equal(dump[:len(data)], data) {
		t.Errorf("dump does not start with the written file")
	}
	if !bytes.Equal(dump[len(data):], bytes.Repeat([]byte{0xff}, len(dump)-len(data))) {
		t.Errorf("remainder of the dump should be erased")
	}
}

func TestWriteTooLarge(t *testing.T) {
	input := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(input, make([]byte, testPart.CapacityBytes()+1), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %s", err)
	}
	_, err := run(t, blankFlash(), "write", "-f", input, "--yes")
	if err == nil || !strings.Contains(err.Error(), "larger than") {
		t.Fatalf("expected a size error, got %v", err)
	}
	if exitCode(err) != exitFailure {
		t.Errorf("expected exit code %d, got %d", exitFailure, exitCode(err))
	}
}

func TestUnknownBus(t *testing.T) {
	if _, err := run(t, nil, "read", "-f", filepath.Join(t.TempDir(), "out.bin"), "--bus", "sdcard"); err == nil {
		t.Fatalf("expected an error for an unknown bus")
	}
}

func TestSFDPDescribesFlash(t *testing.T) {
	out, err := run(t, nil, "sfdp")
	if err != nil {
		t.Fatalf("sfdp failed: %s", err)
	}
	for _, want := range []string{"SFDP Header", "Basic parameter table", "program page size: 256 bytes", "erase type 1: 4 KiB using opcode 0x20", "address bytes: 3-byte only"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteEraseAll(t *testing.T) {
	input := filepath.Join(t.TempDir(), "input.bin")
	if err := os.WriteFile(input, []byte("bmpflash"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %s", err)
	}
	flash := make([]byte, testPart.CapacityBytes())
	if _, err := run(t, flash, "write", "-f", input, "--yes", "--erase-all"); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	if string(flash[:8]) != "bmpflash" {
		t.Errorf("expected the file at the start of the Flash, got %q", flash[:8])
	}
	for i, b := range flash[8:] {
		if b != 0xff {
			t.Fatalf("byte 0x%x not erased: 0x%02x", i+8, b)
		}
	}
}

func TestWakesPoweredDownFlash(t *testing.T) {
	out, err := runWith(t, func(sim *bmptest.Simulator) { sim.PoweredDown = true }, "info", "--bus", "external")
	if err != nil {
		t.Fatalf("info failed: %s", err)
	}
	if !strings.Contains(out, "Winbond") {
		t.Errorf("expected the part to be identified after waking it:\n%s", out)
	}
}

func TestNoFlashOnBus(t *testing.T) {
	_, err := runWith(t, func(sim *bmptest.Simulator) {
		sim.ID = spiflash.JedecID{Manufacturer: 0xff, Type: 0xff, Capacity: 0xff}
	}, "info", "--bus", "internal")
	if !errors.Is(err, spiflash.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func firmwareFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.elf")
	if err := os.WriteFile(path, provisiontest.FirmwareELF(t), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %s", err)
	}
	return path
}

func TestProvision(t *testing.T) {
	flash := blankFlash()
	var sim *bmptest.Simulator
	out, err := runWith(t, func(s *bmptest.Simulator) {
		s.Flash = flash
		s.BusyPolls = 2
		sim = s
	}, "provision", firmwareFile(t))
	if err != nil {
		t.Fatalf("provision failed: %s\n%s", err, out)
	}
	if !strings.Contains(out, "Provisioned 2 sections") {
		t.Errorf("output missing the verified summary:\n%s", out)
	}

	header, err := provision.ParseHeader(flash[:provision.BlockSize])
	if err != nil {
		t.Fatalf("header page does not parse: %s", err)
	}
	expected := []provision.FlashSection{
		{Offset: 0x1000, Length: 5000, FlashAddress: 0x08000000},
		{Offset: 0x3000, Length: 16, FlashAddress: 0x08002000},
	}
	if len(header.Sections) != len(expected) {
		t.Fatalf("expected %d sections, got %+v", len(expected), header.Sections)
	}
	for i := range expected {
		if header.Sections[i] != expected[i] {
			t.Errorf("section %d is %+v, expected %+v", i, header.Sections[i], expected[i])
		}
	}
	if !bytes.Equal(flash[0x1000:0x1000+5000], provisiontest.Pattern(5000, 0x5a)) {
		t.Errorf(".text was not written to 0x1000")
	}
	if !bytes.Equal(flash[0x3000:0x3010], provisiontest.Pattern(16, 0xa5)) {
		t.Errorf(".data was not written to 0x3000")
	}

	requests := sim.Requests()
	if requests[len(requests)-1] != "!sE01" {
		t.Errorf("expected the internal bus to be released last, got %q", requests[len(requests)-1])
	}
	if sim.Active() || !sim.Closed() {
		t.Errorf("probe left with the bus held or the transport open")
	}
}

func TestProvisionRefusesLargeEraseBlocks(t *testing.T) {
	flash := blankFlash()
	_, err := runWith(t, func(s *bmptest.Simulator) {
		s.Flash = flash
		s.SFDP = bmptest.SFDPImage(testPart.CapacityBytes(), 256, 65536, spiflash.OpBlockErase)
	}, "provision", firmwareFile(t))
	if err == nil || !strings.Contains(err.Error(), "erases in 64 KiB blocks") {
		t.Fatalf("expected an erase size error, got %v", err)
	}
	if !bytes.Equal(flash, blankFlash()) {
		t.Errorf("Flash was modified before the erase size was checked")
	}
}

func TestProvisionRefusesOversizedImage(t *testing.T) {
	// 12 KiB holds the 9112 bytes of header and section data, but not the
	// block aligned layout, which reaches 16 KiB
	const capacity = 3 * provision.BlockSize
	flash := bytes.Repeat([]byte{0xff}, capacity)
	_, err := runWith(t, func(s *bmptest.Simulator) {
		s.Flash = flash
		s.SFDP = bmptest.SFDPImage(capacity, 256, 4096, spiflash.OpSectorErase)
	}, "provision", firmwareFile(t))
	if err == nil || !strings.Contains(err.Error(), "firmware needs 16 KiB") {
		t.Fatalf("expected a capacity error, got %v", err)
	}
	if !bytes.Equal(flash, bytes.Repeat([]byte{0xff}, capacity)) {
		t.Errorf("Flash was modified despite the image not fitting")
	}
}
