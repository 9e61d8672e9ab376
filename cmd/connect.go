package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/bmp/bmptest"
	"github.com/blackmagic-debug/bmpflash/pkg/sfdp"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
	"github.com/manifoldco/promptui"
)

// newSimulator builds the probe used by --transport simulator: a Winbond
// W25Q64 sized part
var newSimulator = func() *bmptest.Simulator {
	return bmptest.New(spiflash.JedecID{Manufacturer: 0xef, Type: 0x40, Capacity: 0x17})
}

var simulatorInfo = bmp.ProbeInfo{
	Serial:       "SIMULATED",
	Manufacturer: "Black Magic Debug",
	Product:      "Black Magic Probe (simulated)",
}

func transportKind() string {
	if portPath != "" {
		return "serial"
	}
	return transportName
}

// discoverProbes lists the probes reachable over the selected transport
func discoverProbes() ([]bmp.ProbeInfo, error) {
	switch transportKind() {
	case "usb":
		probes, err := bmp.FindProbes()
		if err != nil {
			return nil, unreachable(err)
		}
		return probes, nil
	case "serial":
		if portPath != "" {
			return []bmp.ProbeInfo{{Port: portPath}}, nil
		}
		probes, err := bmp.FindSerialProbes()
		if err != nil {
			return nil, unreachable(err)
		}
		return probes, nil
	case "simulator":
		return []bmp.ProbeInfo{simulatorInfo}, nil
	}
	return nil, fmt.Errorf("unknown transport %q, expected usb, serial or simulator", transportName)
}

// selectProbe picks one probe, asking the user when several are attached
// and none was named
func selectProbe(probes []bmp.ProbeInfo) (bmp.ProbeInfo, error) {
	probe, err := bmp.FilterProbes(probes, serialNumber)
	if !errors.Is(err, bmp.ErrAmbiguousProbe) || !interactive() {
		return probe, err
	}

	labels := make([]string, len(probes))
	for i, p := range probes {
		labels[i] = p.Label()
	}
	prompt := promptui.Select{
		Label: "Multiple probes found, select one",
		Items: labels,
	}
	index, _, err := prompt.Run()
	if err != nil {
		return bmp.ProbeInfo{}, err
	}
	return probes[index], nil
}

// interactive reports whether stdin is a terminal the user can answer
// prompts on
func interactive() bool {
	stat, err := os.Stdin.Stat()
	return err == nil && stat.Mode()&os.ModeCharDevice != 0
}

// openProbe connects to the selected probe
func openProbe() (*bmp.Probe, bmp.ProbeInfo, error) {
	probes, err := discoverProbes()
	if err != nil {
		return nil, bmp.ProbeInfo{}, err
	}
	info, err := selectProbe(probes)
	if err != nil {
		return nil, bmp.ProbeInfo{}, err
	}

	var transport bmp.Transport
	switch transportKind() {
	case "usb":
		transport, err = bmp.OpenUSB(info, timeout)
	case "serial":
		transport, err = bmp.OpenSerial(info.Port, timeout)
	case "simulator":
		transport = newSimulator()
	}
	if err != nil {
		return nil, info, unreachable(err)
	}
	return bmp.New(transport, &bmp.Config{Logger: debugLogger()}), info, nil
}

// connect opens the selected probe and starts remote communications
func connect() (*bmp.Probe, error) {
	probe, info, err := openProbe()
	if err != nil {
		return nil, err
	}
	version, err := probe.Handshake()
	if err != nil {
		probe.Close()
		return nil, err
	}
	infof("Using probe %s running %s\n", info.Label(), version)
	return probe, nil
}

// flashOptions carries --bus for the commands that use it
type flashOptions struct {
	bus string
}

// withFlash runs fn with the bus held and the Flash on it identified
func (o *flashOptions) withFlash(fn func(*bmp.Probe, *spiflash.Flash) error) error {
	bus, err := bmp.ParseBus(o.bus)
	if err != nil {
		return err
	}
	probe, err := connect()
	if err != nil {
		return err
	}
	defer probe.Close()

	return probe.WithBus(bus, func() error {
		flash, err := identifyFlash(probe)
		if err != nil {
			return err
		}
		return fn(probe, flash)
	})
}

// identifyFlash reads the JEDEC ID and SFDP data of the part on the active
// bus and reports what was found
func identifyFlash(probe *bmp.Probe) (*spiflash.Flash, error) {
	id, err := probe.IdentifyFlash()
	if err != nil {
		return nil, err
	}
	if !id.Valid() {
		// A part in deep power-down ignores everything but the release
		// instruction, so try that once before giving up
		if err := spiflash.New(probe, spiflash.Geometry{}, nil).WakeUp(); err != nil {
			return nil, err
		}
		if id, err = probe.IdentifyFlash(); err != nil {
			return nil, err
		}
	}
	if !id.Valid() {
		return nil, fmt.Errorf("%w on the %s bus", spiflash.ErrNoDevice, probe.Bus())
	}
	infof("SPI Flash ID: %s, manufacturer: %s\n", id, vendorName(id.Manufacturer))

	geometry, err := sfdp.NewReader(probe, id, &sfdp.Config{Logger: debugLogger()}).Read()
	if err != nil {
		return nil, err
	}
	infof("SPI Flash capacity: %s, page size: %d, erase size: %s\n",
		formatSize(geometry.Capacity), geometry.PageSize, formatSize(uint64(geometry.SectorSize)))
	return spiflash.New(probe, geometry, &spiflash.Config{Logger: debugLogger(), MaxPolls: maxPolls}), nil
}
