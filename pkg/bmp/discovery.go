package bmp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"
)

// ProbeInfo identifies an attached probe
type ProbeInfo struct {
	Serial       string
	Manufacturer string
	Product      string

	// USB location, for probes found over libusb
	BusNumber int
	Address   int

	// Port is the serial device path, for probes found as serial ports
	Port string
}

// Label returns a user-friendly description of the probe
func (i ProbeInfo) Label() string {
	serial := i.Serial
	if serial == "" {
		serial = "<no serial number>"
	}
	var parts []string
	parts = append(parts, serial)
	if i.Manufacturer != "" {
		parts = append(parts, i.Manufacturer)
	}
	if i.Product != "" {
		parts = append(parts, i.Product)
	}
	if i.Port != "" {
		parts = append(parts, i.Port)
	} else {
		parts = append(parts, fmt.Sprintf("USB %d-%d", i.BusNumber, i.Address))
	}
	return strings.Join(parts, ", ")
}

// FindProbes enumerates the USB bus for Black Magic Probes
func FindProbes() ([]ProbeInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	// Devices we could open are still usable when others fail with access errors
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	probes := make([]ProbeInfo, 0, len(devs))
	for _, dev := range devs {
		serial, _ := dev.SerialNumber()
		manufacturer, _ := dev.Manufacturer()
		product, _ := dev.Product()
		probes = append(probes, ProbeInfo{
			Serial:       serial,
			Manufacturer: manufacturer,
			Product:      product,
			BusNumber:    dev.Desc.Bus,
			Address:      dev.Desc.Address,
		})
		dev.Close()
	}
	return probes, nil
}

// FindSerialProbes lists the serial ports that belong to Black Magic Probes.
// Each probe exposes two ports; the GDB server is the lower numbered one so
// only the first port seen per probe is returned.
func FindSerialProbes() ([]ProbeInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	seen := make(map[string]bool)
	probes := make([]ProbeInfo, 0)
	for _, port := range ports {
		if !port.IsUSB || !matchesID(port.VID, VendorID) || !matchesID(port.PID, ProductID) {
			continue
		}
		if seen[port.SerialNumber] {
			continue
		}
		seen[port.SerialNumber] = true
		probes = append(probes, ProbeInfo{
			Serial:  port.SerialNumber,
			Product: port.Product,
			Port:    port.Name,
		})
	}
	return probes, nil
}

func matchesID(hex string, id gousb.ID) bool {
	v, err := strconv.ParseUint(hex, 16, 16)
	return err == nil && gousb.ID(v) == id
}

// FilterProbes picks the probe to work with. A non-empty serial selects the
// first probe whose serial number contains it, otherwise a lone probe is
// picked automatically.
func FilterProbes(probes []ProbeInfo, serial string) (ProbeInfo, error) {
	if len(probes) == 0 {
		return ProbeInfo{}, ErrNoProbe
	}
	if serial != "" {
		for _, probe := range probes {
			if probe.Serial != "" && strings.Contains(probe.Serial, serial) {
				return probe, nil
			}
		}
		return ProbeInfo{}, fmt.Errorf("failed to match devices based on serial number %s: %w", serial, ErrNoProbe)
	}
	if len(probes) == 1 {
		return probes[0], nil
	}
	return ProbeInfo{}, fmt.Errorf("%d devices found: %w", len(probes), ErrAmbiguousProbe)
}
