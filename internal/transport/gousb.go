package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// PSP USB identifiers and the endpoint layout of the companion plugin.
const (
	DefaultVendorID  = 0x054C
	DefaultProductID = 0x01C9

	usbConfig    = 1
	usbInterface = 0
	usbEPIn      = 1 // 0x81
	usbEPOut     = 2 // 0x02
	usbWriteTime = time.Second
)

// LibUSBOpener opens the PSP through libusb.
type LibUSBOpener struct {
	VendorID  gousb.ID
	ProductID gousb.ID

	once sync.Once
	ctx  *gousb.Context
}

// NewLibUSBOpener creates an opener for the given ids.
func NewLibUSBOpener(vendorID, productID uint16) *LibUSBOpener {
	return &LibUSBOpener{VendorID: gousb.ID(vendorID), ProductID: gousb.ID(productID)}
}

// Open finds the device, detaches any kernel driver and claims the bulk
// interface. It returns ErrNoDevice when nothing matches.
func (o *LibUSBOpener) Open(ctx context.Context) (Device, error) {
	o.once.Do(func() { o.ctx = gousb.NewContext() })

	dev, err := o.ctx.OpenDeviceWithVIDPID(o.VendorID, o.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to open USB device %s:%s: %w", o.VendorID, o.ProductID, err)
	}
	if dev == nil {
		return nil, ErrNoDevice
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to enable kernel driver auto-detach: %w", err)
	}

	cfg, err := dev.Config(usbConfig)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to select USB config %d: %w", usbConfig, err)
	}

	intf, err := cfg.Interface(usbInterface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("failed to claim USB interface %d: %w", usbInterface, err)
	}

	in, err := intf.InEndpoint(usbEPIn)
	if err == nil {
		var out *gousb.OutEndpoint
		if out, err = intf.OutEndpoint(usbEPOut); err == nil {
			return &libusbDevice{dev: dev, cfg: cfg, intf: intf, in: in, out: out}, nil
		}
	}
	intf.Close()
	cfg.Close()
	dev.Close()
	return nil, fmt.Errorf("failed to open bulk endpoints: %w", err)
}

// Close releases the libusb context.
func (o *LibUSBOpener) Close() error {
	if o.ctx == nil {
		return nil
	}
	return o.ctx.Close()
}

type libusbDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

func (d *libusbDevice) Read(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := d.in.ReadContext(ctx, buf)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (d *libusbDevice) Write(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), usbWriteTime)
	defer cancel()

	n, err := d.out.WriteContext(ctx, frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("short USB write: %d of %d bytes", n, len(frame))
	}
	return nil
}

func (d *libusbDevice) Port() string {
	return fmt.Sprintf("bus%d-dev%d", d.dev.Desc.Bus, d.dev.Desc.Address)
}

func (d *libusbDevice) Close() error {
	d.intf.Close()
	err := d.cfg.Close()
	if cerr := d.dev.Close(); err == nil {
		err = cerr
	}
	return err
}
