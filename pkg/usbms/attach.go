package usbms

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/driver"
	"github.com/squilla/usbclass/pkg/queue"
)

const (
	SubClassSCSI     uint8 = 0x06
	ProtocolBulkOnly uint8 = 0x50
)

var ErrNotBulkOnly = errors.New("not a bulk-only mass storage interface")

type Config struct {
	// QueueCapacity bounds the command and status queues.
	QueueCapacity int
	LUN           uint8
	// BlockLength is used until READ CAPACITY reports the real one.
	BlockLength uint32
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity: queue.DefaultCapacity,
		BlockLength:   512,
	}
}

// Device is an attached mass storage interface: the engine serving it and a
// SCSI handle for the configured LUN.
type Device struct {
	*Engine
	SCSI *SCSI
}

// Attach checks that iface speaks the Bulk-Only Transport and builds an
// engine for it. The engine starts serving once Run is called.
func Attach(t devices.Transport, iface *devices.Interface, cfg Config) (*Device, error) {
	if iface.Class != devices.ClassMassStorage || iface.Protocol != ProtocolBulkOnly {
		return nil, fmt.Errorf("%w: class %s, protocol %#02x", ErrNotBulkOnly, iface.Class, iface.Protocol)
	}
	in, ok := iface.FindEndpoint(devices.TransferBulk, true)
	if !ok {
		return nil, fmt.Errorf("%w: no bulk IN endpoint", ErrNotBulkOnly)
	}
	out, ok := iface.FindEndpoint(devices.TransferBulk, false)
	if !ok {
		return nil, fmt.Errorf("%w: no bulk OUT endpoint", ErrNotBulkOnly)
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = queue.DefaultCapacity
	}
	if cfg.BlockLength == 0 {
		cfg.BlockLength = 512
	}
	glog.V(1).Infof("BOT: interface %d, %v, %v", iface.Number, in, out)
	e := NewEngine(t, iface.Number, Endpoints{In: in.Address, Out: out.Address}, cfg.QueueCapacity)
	return &Device{
		Engine: e,
		SCSI:   NewSCSI(e, cfg.LUN, cfg.BlockLength),
	}, nil
}

// Driver returns the registry descriptor of the mass storage driver.
// attached, if set, is called with every device before it starts serving.
func Driver(cfg Config, attached func(dev *devices.Device, d *Device)) driver.Driver {
	return driver.Driver{
		Name:  "usb-storage",
		Class: devices.ClassMassStorage,
		Match: func(_ *devices.Device, iface *devices.Interface) bool {
			return iface.Protocol == ProtocolBulkOnly
		},
		Attach: func(t devices.Transport, dev *devices.Device, iface *devices.Interface) (driver.Instance, error) {
			d, err := Attach(t, iface, cfg)
			if err != nil {
				return nil, err
			}
			if attached != nil {
				attached(dev, d)
			}
			return d, nil
		},
	}
}
