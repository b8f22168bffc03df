package hub

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/usbtest"
)

func TestRequestSetup(t *testing.T) {
	tr := &usbtest.Transport{
		OnControl: func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
			return 0, nil
		},
	}
	r := NewRequests(tr)

	r.SetPortFeature(PortIndicator, 3, IndicatorGreen)
	r.ClearPortFeature(PortSuspend, 2, 0)
	r.SetHubFeature(CHubOverCurrent)
	r.ClearHubFeature(CHubLocalPower)
	r.ClearTTBuffer(TTEndpoint{Device: 5, Endpoint: 2, Type: devices.TransferBulk, In: true}, 1)
	r.ResetTT(1)
	r.StopTT(1)
	r.GetTTState(0x0003, 1, make([]byte, 8))

	want := []usbtest.Call{
		{Kind: usbtest.CallControl, RType: 0x23, Request: 3, Value: 22, Index: 0x0203},
		{Kind: usbtest.CallControl, RType: 0x23, Request: 1, Value: 2, Index: 0x0002},
		{Kind: usbtest.CallControl, RType: 0x20, Request: 3, Value: 1},
		{Kind: usbtest.CallControl, RType: 0x20, Request: 1, Value: 0},
		{Kind: usbtest.CallControl, RType: 0x23, Request: 8, Value: 0x9052, Index: 1},
		{Kind: usbtest.CallControl, RType: 0x23, Request: 9, Index: 1},
		{Kind: usbtest.CallControl, RType: 0x23, Request: 11, Index: 1},
		{Kind: usbtest.CallControl, RType: 0xa3, Request: 10, Value: 3, Index: 1, Length: 8},
	}
	if got := tr.Calls(); !slices.Equal(got, want) {
		t.Errorf("got calls\n%v\nwant\n%v", got, want)
	}
}

func TestSetHubDescriptor(t *testing.T) {
	var sent []byte
	tr := &usbtest.Transport{
		OnControl: func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
			sent = append([]byte(nil), data...)
			return len(data), nil
		},
	}
	d := &Descriptor{Ports: 3, Characteristics: 0x0001, PowerOnToGood: 5, DeviceRemovable: []byte{0x02}, PortPowerCtrl: []byte{0xff}}
	if err := NewRequests(tr).SetHubDescriptor(d); err != nil {
		t.Fatalf("SetHubDescriptor() failed: %v", err)
	}
	c := tr.Calls()[0]
	if c.RType != 0x20 || c.Request != devices.RequestSetDescriptor || c.Value != 0x2900 {
		t.Errorf("setup %v", c)
	}
	back, err := ParseDescriptor(sent)
	if err != nil {
		t.Fatalf("sent descriptor does not parse: %v", err)
	}
	if back.Ports != 3 || back.Characteristics != 0x0001 || back.Removable(1) {
		t.Errorf("sent %+v", back)
	}
}

func TestStatusDecoding(t *testing.T) {
	tr := &usbtest.Transport{
		OnControl: func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
			if rType == 0xa0 {
				return copy(data, []byte{0x02, 0x00, 0x01, 0x00}), nil
			}
			return copy(data, []byte{0x03, 0x05, 0x11, 0x00}), nil
		},
	}
	r := NewRequests(tr)

	hs, err := r.GetHubStatus()
	if err != nil {
		t.Fatalf("GetHubStatus() failed: %v", err)
	}
	if !hs.OverCurrent() || hs.LocalPowerLost() || hs.Change != 1 {
		t.Errorf("hub status %+v", hs)
	}

	ps, err := r.GetPortStatus(1)
	if err != nil {
		t.Fatalf("GetPortStatus() failed: %v", err)
	}
	if got, want := ps.Status, StatusConnection|StatusEnable|StatusPower|StatusHighSpeed; got != want {
		t.Errorf("status %s, want %s", got, want)
	}
	if !ps.ConnectionChanged() || ps.Speed() != "high" {
		t.Errorf("port status %s", ps)
	}
	if got, want := ps.Change.Features(), []PortFeature{CPortConnection, CPortReset}; !slices.Equal(got, want) {
		t.Errorf("Features() = %v, want %v", got, want)
	}
}

func TestResetPort(t *testing.T) {
	h := usbtest.NewHub(4, 0)
	h.Connect(2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := NewRequests(h).ResetPort(ctx, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("ResetPort() failed: %v", err)
	}
	if !st.Enabled() || !st.Connected() {
		t.Errorf("port after reset: %s", st)
	}
	if _, change := h.PortStatus(2); change&uint16(ChangeReset) != 0 {
		t.Errorf("C_PORT_RESET not acknowledged")
	}
}
