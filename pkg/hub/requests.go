package hub

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lunixbochs/struc"

	"github.com/squilla/usbclass/pkg/devices"
)

// Hub class request codes beyond the standard ones.
const (
	RequestClearTTBuffer uint8 = 8
	RequestResetTT       uint8 = 9
	RequestGetTTState    uint8 = 10
	RequestStopTT        uint8 = 11
)

const (
	requestTypeHubIn   = devices.RequestDirIn | devices.RequestTypeClass | devices.RecipientDevice
	requestTypeHubOut  = devices.RequestDirOut | devices.RequestTypeClass | devices.RecipientDevice
	requestTypePortIn  = devices.RequestDirIn | devices.RequestTypeClass | devices.RecipientOther
	requestTypePortOut = devices.RequestDirOut | devices.RequestTypeClass | devices.RecipientOther
)

type HubFeature uint16

const (
	CHubLocalPower  HubFeature = 0
	CHubOverCurrent HubFeature = 1
)

type PortFeature uint16

const (
	PortConnection   PortFeature = 0
	PortEnable       PortFeature = 1
	PortSuspend      PortFeature = 2
	PortOverCurrent  PortFeature = 3
	PortReset        PortFeature = 4
	PortPower        PortFeature = 8
	PortLowSpeed     PortFeature = 9
	CPortConnection  PortFeature = 16
	CPortEnable      PortFeature = 17
	CPortSuspend     PortFeature = 18
	CPortOverCurrent PortFeature = 19
	CPortReset       PortFeature = 20
	PortTest         PortFeature = 21
	PortIndicator    PortFeature = 22
)

func (f PortFeature) String() string {
	switch f {
	case PortConnection:
		return "PORT_CONNECTION"
	case PortEnable:
		return "PORT_ENABLE"
	case PortSuspend:
		return "PORT_SUSPEND"
	case PortOverCurrent:
		return "PORT_OVER_CURRENT"
	case PortReset:
		return "PORT_RESET"
	case PortPower:
		return "PORT_POWER"
	case PortLowSpeed:
		return "PORT_LOW_SPEED"
	case CPortConnection:
		return "C_PORT_CONNECTION"
	case CPortEnable:
		return "C_PORT_ENABLE"
	case CPortSuspend:
		return "C_PORT_SUSPEND"
	case CPortOverCurrent:
		return "C_PORT_OVER_CURRENT"
	case CPortReset:
		return "C_PORT_RESET"
	case PortTest:
		return "PORT_TEST"
	case PortIndicator:
		return "PORT_INDICATOR"
	}
	return fmt.Sprintf("feature %d", uint16(f))
}

// Port indicator selectors for PORT_INDICATOR.
const (
	IndicatorAuto  uint8 = 0
	IndicatorAmber uint8 = 1
	IndicatorGreen uint8 = 2
	IndicatorOff   uint8 = 3
)

// PortStatusBits is wPortStatus.
type PortStatusBits uint16

const (
	StatusConnection  PortStatusBits = 0x0001
	StatusEnable      PortStatusBits = 0x0002
	StatusSuspend     PortStatusBits = 0x0004
	StatusOverCurrent PortStatusBits = 0x0008
	StatusReset       PortStatusBits = 0x0010
	StatusPower       PortStatusBits = 0x0100
	StatusLowSpeed    PortStatusBits = 0x0200
	StatusHighSpeed   PortStatusBits = 0x0400
	StatusTest        PortStatusBits = 0x0800
	StatusIndicator   PortStatusBits = 0x1000
)

var statusNames = []struct {
	bit  PortStatusBits
	name string
}{
	{StatusConnection, "connection"},
	{StatusEnable, "enable"},
	{StatusSuspend, "suspend"},
	{StatusOverCurrent, "over-current"},
	{StatusReset, "reset"},
	{StatusPower, "power"},
	{StatusLowSpeed, "low-speed"},
	{StatusHighSpeed, "high-speed"},
	{StatusTest, "test"},
	{StatusIndicator, "indicator"},
}

func (s PortStatusBits) String() string {
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PortChangeBits is wPortChange.
type PortChangeBits uint16

const (
	ChangeConnection  PortChangeBits = 0x01
	ChangeEnable      PortChangeBits = 0x02
	ChangeSuspend     PortChangeBits = 0x04
	ChangeOverCurrent PortChangeBits = 0x08
	ChangeReset       PortChangeBits = 0x10
)

// Features returns the C_PORT_* features to clear to acknowledge c.
func (c PortChangeBits) Features() []PortFeature {
	var res []PortFeature
	for i := 0; i < 5; i++ {
		if c&(1<<i) != 0 {
			res = append(res, CPortConnection+PortFeature(i))
		}
	}
	return res
}

// PortStatus is the response to GET_STATUS on a port.
type PortStatus struct {
	Status PortStatusBits `struc:"uint16,little"`
	Change PortChangeBits `struc:"uint16,little"`
}

func (s *PortStatus) Connected() bool   { return s.Status&StatusConnection != 0 }
func (s *PortStatus) Enabled() bool     { return s.Status&StatusEnable != 0 }
func (s *PortStatus) Powered() bool     { return s.Status&StatusPower != 0 }
func (s *PortStatus) OverCurrent() bool { return s.Status&StatusOverCurrent != 0 }
func (s *PortStatus) ConnectionChanged() bool {
	return s.Change&ChangeConnection != 0
}

// Speed names the speed of the attached device.
func (s *PortStatus) Speed() string {
	switch {
	case s.Status&StatusLowSpeed != 0:
		return "low"
	case s.Status&StatusHighSpeed != 0:
		return "high"
	}
	return "full"
}

func (s *PortStatus) String() string {
	return fmt.Sprintf("status %s, change %#02x", s.Status, uint16(s.Change))
}

// HubStatus is the response to GET_STATUS on the hub.
type HubStatus struct {
	Status uint16 `struc:"uint16,little"`
	Change uint16 `struc:"uint16,little"`
}

func (s *HubStatus) LocalPowerLost() bool { return s.Status&0x1 != 0 }
func (s *HubStatus) OverCurrent() bool    { return s.Status&0x2 != 0 }

// Requests issues hub class requests over the default pipe.
type Requests struct {
	t devices.Transport
}

func NewRequests(t devices.Transport) *Requests {
	return &Requests{t: t}
}

func (r *Requests) control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := r.t.Control(rType, request, val, idx, data)
	if err != nil {
		return n, fmt.Errorf("control: %w", err)
	}
	return n, nil
}

// maxDescriptorLength covers a descriptor for MaxPorts ports.
const maxDescriptorLength = 7 + 2*((MaxPorts+7)/8)

// GetHubDescriptor fetches and parses the hub descriptor.
func (r *Requests) GetHubDescriptor() (*Descriptor, error) {
	buf := make([]byte, maxDescriptorLength)
	n, err := r.control(requestTypeHubIn, devices.RequestGetDescriptor, uint16(DescriptorType)<<8, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("GET_DESCRIPTOR: %w", err)
	}
	return ParseDescriptor(buf[:n])
}

func (r *Requests) SetHubDescriptor(d *Descriptor) error {
	if _, err := r.control(requestTypeHubOut, devices.RequestSetDescriptor, uint16(DescriptorType)<<8, 0, d.Bytes()); err != nil {
		return fmt.Errorf("SET_DESCRIPTOR: %w", err)
	}
	return nil
}

func (r *Requests) GetHubStatus() (*HubStatus, error) {
	buf := make([]byte, 4)
	n, err := r.control(requestTypeHubIn, devices.RequestGetStatus, 0, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("GET_STATUS: %w", err)
	}
	var s HubStatus
	if err := struc.Unpack(bytes.NewReader(buf[:n]), &s); err != nil {
		return nil, fmt.Errorf("hub status: %w", err)
	}
	return &s, nil
}

func (r *Requests) GetPortStatus(port int) (*PortStatus, error) {
	buf := make([]byte, 4)
	n, err := r.control(requestTypePortIn, devices.RequestGetStatus, 0, uint16(port), buf)
	if err != nil {
		return nil, fmt.Errorf("GET_STATUS(port %d): %w", port, err)
	}
	var s PortStatus
	if err := struc.Unpack(bytes.NewReader(buf[:n]), &s); err != nil {
		return nil, fmt.Errorf("port %d status: %w", port, err)
	}
	return &s, nil
}

func (r *Requests) SetHubFeature(f HubFeature) error {
	if _, err := r.control(requestTypeHubOut, devices.RequestSetFeature, uint16(f), 0, nil); err != nil {
		return fmt.Errorf("SET_FEATURE(hub %d): %w", f, err)
	}
	return nil
}

func (r *Requests) ClearHubFeature(f HubFeature) error {
	if _, err := r.control(requestTypeHubOut, devices.RequestClearFeature, uint16(f), 0, nil); err != nil {
		return fmt.Errorf("CLEAR_FEATURE(hub %d): %w", f, err)
	}
	return nil
}

// SetPortFeature sets f on port. selector goes to the high byte of
// wIndex and is only meaningful for PORT_TEST and PORT_INDICATOR.
func (r *Requests) SetPortFeature(f PortFeature, port int, selector uint8) error {
	if _, err := r.control(requestTypePortOut, devices.RequestSetFeature, uint16(f), uint16(selector)<<8|uint16(port&0xff), nil); err != nil {
		return fmt.Errorf("SET_FEATURE(%s, port %d): %w", f, port, err)
	}
	return nil
}

func (r *Requests) ClearPortFeature(f PortFeature, port int, selector uint8) error {
	if _, err := r.control(requestTypePortOut, devices.RequestClearFeature, uint16(f), uint16(selector)<<8|uint16(port&0xff), nil); err != nil {
		return fmt.Errorf("CLEAR_FEATURE(%s, port %d): %w", f, port, err)
	}
	return nil
}

// TTEndpoint identifies the endpoint whose transaction translator buffer
// is cleared.
type TTEndpoint struct {
	Device   uint8
	Endpoint uint8
	Type     devices.TransferType
	In       bool
}

func (e TTEndpoint) value() uint16 {
	v := uint16(e.Endpoint&0x0f) | uint16(e.Device&0x7f)<<4 | uint16(e.Type&0x3)<<11
	if e.In {
		v |= 1 << 15
	}
	return v
}

func (r *Requests) ClearTTBuffer(e TTEndpoint, ttPort int) error {
	if _, err := r.control(requestTypePortOut, RequestClearTTBuffer, e.value(), uint16(ttPort), nil); err != nil {
		return fmt.Errorf("CLEAR_TT_BUFFER: %w", err)
	}
	return nil
}

func (r *Requests) ResetTT(ttPort int) error {
	if _, err := r.control(requestTypePortOut, RequestResetTT, 0, uint16(ttPort), nil); err != nil {
		return fmt.Errorf("RESET_TT: %w", err)
	}
	return nil
}

// GetTTState reads vendor specific TT state into buf.
func (r *Requests) GetTTState(flags uint16, ttPort int, buf []byte) (int, error) {
	n, err := r.control(requestTypePortIn, RequestGetTTState, flags, uint16(ttPort), buf)
	if err != nil {
		return n, fmt.Errorf("GET_TT_STATE: %w", err)
	}
	return n, nil
}

func (r *Requests) StopTT(ttPort int) error {
	if _, err := r.control(requestTypePortOut, RequestStopTT, 0, uint16(ttPort), nil); err != nil {
		return fmt.Errorf("STOP_TT: %w", err)
	}
	return nil
}

// ResetPort drives a port reset: it sets PORT_RESET, polls the port
// every interval until C_PORT_RESET shows up and acknowledges it.
func (r *Requests) ResetPort(ctx context.Context, port int, interval time.Duration) (*PortStatus, error) {
	if err := r.SetPortFeature(PortReset, port, 0); err != nil {
		return nil, err
	}
	for {
		st, err := r.GetPortStatus(port)
		if err != nil {
			return nil, err
		}
		if st.Change&ChangeReset != 0 {
			if err := r.ClearPortFeature(CPortReset, port, 0); err != nil {
				return nil, err
			}
			st.Change &^= ChangeReset
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("reset of port %d: %w", port, ctx.Err())
		case <-time.After(interval):
		}
	}
}
