package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"

	"github.com/squilla/usbclass/pkg/devices"
)

// transport is a devices.Transport over one claimed libusb interface.
// Closing it cancels transfers in flight.
type transport struct {
	usb    *gousb.Device
	iface  *gousb.Interface
	in     map[uint8]*gousb.InEndpoint
	out    map[uint8]*gousb.OutEndpoint
	ctx    context.Context
	cancel context.CancelFunc
}

var _ devices.Transport = &transport{}

func newTransport(h *handle, iface *devices.Interface) (*transport, error) {
	i, err := h.cfg.Interface(iface.Number, iface.Alternate)
	if err != nil {
		return nil, err
	}
	t := &transport{
		usb:   h.usb,
		iface: i,
		in:    make(map[uint8]*gousb.InEndpoint),
		out:   make(map[uint8]*gousb.OutEndpoint),
	}
	for _, ep := range iface.Endpoints {
		num := int(ep.Address & 0x0f)
		if ep.In() {
			t.in[ep.Address], err = i.InEndpoint(num)
		} else {
			t.out[ep.Address], err = i.OutEndpoint(num)
		}
		if err != nil {
			i.Close()
			return nil, fmt.Errorf("endpoint %#02x: %w", ep.Address, err)
		}
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *transport) close() {
	t.cancel()
	t.iface.Close()
}

// mapError translates libusb failures into the transport error set.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		return fmt.Errorf("%w: %v", devices.ErrTimeout, err)
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		return fmt.Errorf("%w: %v", devices.ErrStall, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", devices.ErrNoDevice, err)
	}
	return err
}

func (t *transport) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := t.usb.Control(rType, request, val, idx, data)
	return n, mapError(err)
}

func (t *transport) Bulk(ep uint8, data []byte) (int, error) {
	var n int
	var err error
	if ep&0x80 != 0 {
		in, ok := t.in[ep]
		if !ok {
			return 0, fmt.Errorf("endpoint %#02x not claimed: %w", ep, devices.ErrNoDevice)
		}
		n, err = in.ReadContext(t.ctx, data)
	} else {
		out, ok := t.out[ep]
		if !ok {
			return 0, fmt.Errorf("endpoint %#02x not claimed: %w", ep, devices.ErrNoDevice)
		}
		n, err = out.WriteContext(t.ctx, data)
	}
	if err != nil && t.ctx.Err() != nil {
		return n, fmt.Errorf("%w: interface released", devices.ErrNoDevice)
	}
	return n, mapError(err)
}

// Interrupt reads from an interrupt IN endpoint. libusb picks the transfer
// type from the endpoint descriptor, so this is a bulk read.
func (t *transport) Interrupt(ep uint8, data []byte) (int, error) {
	if ep&0x80 == 0 {
		return 0, fmt.Errorf("interrupt OUT %#02x unsupported: %w", ep, devices.ErrStall)
	}
	return t.Bulk(ep, data)
}

func (t *transport) ClearHalt(ep uint8) error {
	return devices.ClearEndpointHalt(t, ep)
}
