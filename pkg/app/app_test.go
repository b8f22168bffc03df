package app

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/gousb"

	"github.com/squilla/usbclass/pkg/devices"
)

func TestDescribe(t *testing.T) {
	desc := &gousb.DeviceDesc{
		Bus:      2,
		Address:  7,
		Vendor:   0x05ac,
		Product:  0x1261,
		Class:    gousb.ClassPerInterface,
		Protocol: 0,
		Configs: map[int]gousb.ConfigDesc{
			2: {Number: 2},
			1: {
				Number: 1,
				Interfaces: []gousb.InterfaceDesc{{
					Number: 0,
					AltSettings: []gousb.InterfaceSetting{{
						Number:   0,
						Class:    gousb.ClassMassStorage,
						SubClass: 0x06,
						Protocol: 0x50,
						Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
							0x81: {Address: 0x81, TransferType: gousb.TransferTypeBulk, MaxPacketSize: 512},
							0x02: {Address: 0x02, TransferType: gousb.TransferTypeBulk, MaxPacketSize: 512},
						},
					}},
				}},
			},
		},
	}
	d := describe(desc)
	if got, want := d.Key(), "2.7"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if d.Vendor != 0x05ac || d.Product != 0x1261 || d.Class != devices.ClassPerInterface {
		t.Errorf("got %v", d)
	}
	if len(d.Interfaces) != 1 {
		t.Fatalf("interfaces %+v, want those of configuration 1", d.Interfaces)
	}
	iface := d.Interfaces[0]
	if iface.Class != devices.ClassMassStorage || iface.SubClass != 0x06 || iface.Protocol != 0x50 {
		t.Errorf("interface %+v", iface)
	}
	if len(iface.Endpoints) != 2 || iface.Endpoints[0].Address != 0x02 || iface.Endpoints[1].Address != 0x81 {
		t.Fatalf("endpoints %v", iface.Endpoints)
	}
	if ep, ok := iface.FindEndpoint(devices.TransferBulk, true); !ok || ep.Address != 0x81 {
		t.Errorf("bulk IN endpoint %v, %v", ep, ok)
	}
}

func TestDescribeInterval(t *testing.T) {
	desc := &gousb.DeviceDesc{
		Class: gousb.ClassHub,
		Configs: map[int]gousb.ConfigDesc{1: {
			Interfaces: []gousb.InterfaceDesc{{AltSettings: []gousb.InterfaceSetting{{
				Class: gousb.ClassHub,
				Endpoints: map[gousb.EndpointAddress]gousb.EndpointDesc{
					0x81: {Address: 0x81, TransferType: gousb.TransferTypeInterrupt, MaxPacketSize: 1, PollInterval: 256 * time.Millisecond},
				},
			}}}},
		}},
	}
	d := describe(desc)
	ep, ok := d.Interfaces[0].FindEndpoint(devices.TransferInterrupt, true)
	if !ok || ep.Interval != 256 {
		t.Errorf("interrupt endpoint %+v, %v", ep, ok)
	}
}

func TestMapError(t *testing.T) {
	for _, tc := range []struct {
		in   error
		want error
	}{
		{gousb.ErrorTimeout, devices.ErrTimeout},
		{gousb.TransferTimedOut, devices.ErrTimeout},
		{gousb.ErrorPipe, devices.ErrStall},
		{gousb.TransferStall, devices.ErrStall},
		{fmt.Errorf("bulk read: %w", gousb.TransferStall), devices.ErrStall},
		{gousb.ErrorNoDevice, devices.ErrNoDevice},
		{gousb.TransferNoDevice, devices.ErrNoDevice},
	} {
		if got := mapError(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("mapError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if mapError(nil) != nil {
		t.Errorf("mapError(nil) != nil")
	}
	other := errors.New("other")
	if got := mapError(other); got != other {
		t.Errorf("mapError(other) = %v", got)
	}
}
