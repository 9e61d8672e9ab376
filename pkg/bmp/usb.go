package bmp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Black Magic Probe USB identifiers
const (
	VendorID  gousb.ID = 0x1d50
	ProductID gousb.ID = 0x6018
)

// gdbInterfaceName is the string descriptor of the GDB server's CDC ACM
// control interface
const gdbInterfaceName = "Black Magic GDB Server"

// CDC class request and control line bits
const (
	cdcSetControlLineState = 0x22
	cdcLineDTR             = 1 << 0
	cdcLineRTS             = 1 << 1
	cdcSubclassACM         = gousb.Class(0x02)
)

// DefaultTimeout bounds each USB transfer
const DefaultTimeout = 5 * time.Second

// USBTransport talks to the probe's GDB serial port over its CDC data
// interface bulk endpoints
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	ctrl *gousb.Interface
	data *gousb.Interface

	in  *gousb.InEndpoint
	out *gousb.OutEndpoint

	timeout time.Duration
}

// OpenUSB opens the probe described by info and claims its GDB serial
// interfaces
func OpenUSB(info ProbeInfo, timeout time.Duration) (*USBTransport, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID &&
			desc.Bus == info.BusNumber && desc.Address == info.Address
	})
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			return nil, fmt.Errorf("USB error: %w", err)
		}
		return nil, fmt.Errorf("probe %s is no longer attached", info.Label())
	}
	for _, d := range devs[1:] {
		d.Close()
	}

	t := &USBTransport{ctx: ctx, dev: devs[0], timeout: timeout}
	// Not fatal on platforms without kernel drivers to detach
	_ = t.dev.SetAutoDetach(true)

	if err := t.claim(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// gdbInterfaces locates the GDB server's control and data interface numbers
func gdbInterfaces(dev *gousb.Device, cfgNum int, desc gousb.ConfigDesc) (int, int, error) {
	ctrl := -1
	for _, intf := range desc.Interfaces {
		if len(intf.AltSettings) == 0 {
			continue
		}
		alt := intf.AltSettings[0]
		if alt.Class != gousb.ClassComm || alt.SubClass != cdcSubclassACM {
			continue
		}
		name, err := dev.InterfaceDescription(cfgNum, intf.Number, 0)
		if err == nil && name == gdbInterfaceName {
			ctrl = intf.Number
			break
		}
		// The GDB server is the first ACM function when names are unavailable
		if ctrl == -1 {
			ctrl = intf.Number
		}
	}
	if ctrl == -1 {
		return -1, -1, fmt.Errorf("failed to find GDB server interface")
	}

	for _, intf := range desc.Interfaces {
		if intf.Number != ctrl+1 || len(intf.AltSettings) == 0 {
			continue
		}
		if intf.AltSettings[0].Class == gousb.ClassData {
			return ctrl, intf.Number, nil
		}
	}
	return -1, -1, fmt.Errorf("failed to find GDB server data interface")
}

func (t *USBTransport) claim() error {
	cfgNum, err := t.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("failed to get active configuration: %w", err)
	}
	desc, ok := t.dev.Desc.Configs[cfgNum]
	if !ok {
		return fmt.Errorf("configuration %d has no descriptor", cfgNum)
	}
	ctrlNum, dataNum, err := gdbInterfaces(t.dev, cfgNum, desc)
	if err != nil {
		return err
	}

	if t.cfg, err = t.dev.Config(cfgNum); err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	if t.ctrl, err = t.cfg.Interface(ctrlNum, 0); err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", ctrlNum, err)
	}
	if t.data, err = t.cfg.Interface(dataNum, 0); err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", dataNum, err)
	}

	var inNum, outNum int
	for _, ep := range t.data.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if inNum == 0 || outNum == 0 {
		return fmt.Errorf("probe interface missing a required endpoint")
	}
	if t.in, err = t.data.InEndpoint(inNum); err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	if t.out, err = t.data.OutEndpoint(outNum); err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}

	// Raise DTR so the firmware considers the port open
	if _, err := t.dev.Control(gousb.ControlOut|gousb.ControlClass|gousb.ControlInterface,
		cdcSetControlLineState, cdcLineDTR|cdcLineRTS, uint16(ctrlNum), nil); err != nil {
		return fmt.Errorf("failed to set control line state: %w", err)
	}

	// Drain any serial state notification left sitting in the buffer
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _ = t.in.ReadContext(ctx, make([]byte, 10))
	return nil
}

func (t *USBTransport) context() (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), t.timeout)
}

// Read receives one bulk transfer from the probe
func (t *USBTransport) Read(p []byte) (int, error) {
	ctx, cancel := t.context()
	defer cancel()
	n, err := t.in.ReadContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("USB read failed: %w", err)
	}
	return n, nil
}

// Write sends p to the probe in a single bulk transfer
func (t *USBTransport) Write(p []byte) (int, error) {
	ctx, cancel := t.context()
	defer cancel()
	n, err := t.out.WriteContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("USB write failed: %w", err)
	}
	return n, nil
}

// Close drops the control lines and releases USB resources
func (t *USBTransport) Close() error {
	if t.ctrl != nil {
		_, _ = t.dev.Control(gousb.ControlOut|gousb.ControlClass|gousb.ControlInterface,
			cdcSetControlLineState, 0, uint16(t.ctrl.Setting.Number), nil)
	}
	if t.data != nil {
		t.data.Close()
		t.data = nil
	}
	if t.ctrl != nil {
		t.ctrl.Close()
		t.ctrl = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
