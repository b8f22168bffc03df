// Package app binds the class drivers to real hardware through libusb.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/squilla/usbclass/pkg/config"
	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/driver"
)

// App owns a libusb context and the device handles opened through it.
type App struct {
	ctx *gousb.Context
	cfg *config.Config

	mu      sync.Mutex
	handles map[string]*handle
}

// handle is an opened device shared by all claimed interfaces on it.
type handle struct {
	usb  *gousb.Device
	cfg  *gousb.Config
	refs int
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}

func New(cfg *config.Config) (*App, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	return &App{
		ctx:     ctx,
		cfg:     cfg,
		handles: make(map[string]*handle),
	}, nil
}

func (a *App) Close() error {
	var errs error
	a.mu.Lock()
	for key, h := range a.handles {
		if err := h.close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
		delete(a.handles, key)
	}
	a.mu.Unlock()
	if err := a.ctx.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("when closing context: %w", err))
	}
	return errs
}

func (h *handle) close() error {
	var errs error
	if h.cfg != nil {
		if err := h.cfg.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("when releasing config: %w", err))
		}
	}
	if err := h.usb.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("when closing USB device: %w", err))
	}
	return errs
}

// Devices lists the attached devices that pass the configured filter,
// without opening them.
func (a *App) Devices() ([]*devices.Device, error) {
	var res []*devices.Device
	_, err := a.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		d := describe(desc)
		if a.cfg.Wanted(d) {
			res = append(res, d)
		}
		return false
	})
	sort.Slice(res, func(i, j int) bool {
		if res[i].Bus != res[j].Bus {
			return res[i].Bus < res[j].Bus
		}
		return res[i].Address < res[j].Address
	})
	return res, err
}

// describe converts a libusb device descriptor, taking interfaces from
// the lowest numbered configuration.
func describe(desc *gousb.DeviceDesc) *devices.Device {
	d := &devices.Device{
		Bus:      desc.Bus,
		Address:  desc.Address,
		Vendor:   uint16(desc.Vendor),
		Product:  uint16(desc.Product),
		Class:    devices.Class(desc.Class),
		SubClass: uint8(desc.SubClass),
		Protocol: uint8(desc.Protocol),
	}
	var nums []int
	for n := range desc.Configs {
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return d
	}
	sort.Ints(nums)
	for _, ifd := range desc.Configs[nums[0]].Interfaces {
		if len(ifd.AltSettings) == 0 {
			continue
		}
		alt := ifd.AltSettings[0]
		iface := devices.Interface{
			Number:    alt.Number,
			Alternate: alt.Alternate,
			Class:     devices.Class(alt.Class),
			SubClass:  uint8(alt.SubClass),
			Protocol:  uint8(alt.Protocol),
		}
		for _, ep := range alt.Endpoints {
			iface.Endpoints = append(iface.Endpoints, devices.Endpoint{
				Address:       uint8(ep.Address),
				Type:          devices.TransferType(ep.TransferType),
				MaxPacketSize: ep.MaxPacketSize,
				Interval:      int(ep.PollInterval / time.Millisecond),
			})
		}
		sort.Slice(iface.Endpoints, func(i, j int) bool {
			return iface.Endpoints[i].Address < iface.Endpoints[j].Address
		})
		d.Interfaces = append(d.Interfaces, iface)
	}
	return d
}

func (a *App) acquire(dev *devices.Device) (*handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handles[dev.Key()]; ok {
		h.refs++
		return h, nil
	}

	usbs, err := a.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == dev.Bus && desc.Address == dev.Address
	})
	if len(usbs) == 0 {
		if err == nil {
			err = devices.ErrNoDevice
		}
		return nil, fmt.Errorf("when opening %s: %w", dev.Key(), err)
	}
	usb := usbs[0]
	for _, extra := range usbs[1:] {
		extra.Close()
	}
	h := &handle{usb: usb, refs: 1}
	usb.ControlTimeout = a.cfg.ControlTimeout
	if err := usb.SetAutoDetach(true); err != nil {
		h.close()
		return nil, err
	}
	num, err := usb.ActiveConfigNum()
	if err != nil {
		h.close()
		return nil, err
	}
	if h.cfg, err = usb.Config(num); err != nil {
		h.close()
		return nil, err
	}
	a.handles[dev.Key()] = h
	return h, nil
}

func (a *App) release(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[key]
	if !ok {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(a.handles, key)
	return h.close()
}

// Open claims iface of dev and returns a transport bound to it. It is a
// driver.OpenFunc.
func (a *App) Open(dev *devices.Device, iface *devices.Interface) (devices.Transport, io.Closer, error) {
	h, err := a.acquire(dev)
	if err != nil {
		return nil, nil, err
	}
	t, err := newTransport(h, iface)
	if err != nil {
		if rerr := a.release(dev.Key()); rerr != nil {
			glog.Warningf("%s: %v", dev.Key(), rerr)
		}
		return nil, nil, fmt.Errorf("when claiming interface %d: %w", iface.Number, err)
	}
	return t, closerFunc(func() error {
		t.close()
		return a.release(dev.Key())
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Watch polls the bus every interval and reports devices appearing and
// disappearing to m, until ctx is done. libusb hotplug is not available
// on every platform, so this polls.
func (a *App) Watch(ctx context.Context, m *driver.Manager, interval time.Duration) error {
	known := make(map[string]bool)
	for {
		devs, err := a.Devices()
		if err != nil {
			glog.Warningf("Enumeration failed: %v", err)
		}
		seen := make(map[string]bool)
		for _, d := range devs {
			seen[d.Key()] = true
			if known[d.Key()] {
				continue
			}
			known[d.Key()] = true
			switch err := m.DeviceAttached(ctx, d); {
			case errors.Is(err, driver.ErrNoDriver):
				glog.V(1).Infof("%v", err)
			case err != nil:
				glog.Warningf("%v", err)
			}
		}
		for key := range known {
			if seen[key] {
				continue
			}
			delete(known, key)
			if err := m.DeviceDetached(key); err != nil {
				glog.Warningf("%s: %v", key, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
