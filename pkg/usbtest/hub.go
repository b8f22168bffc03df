package usbtest

import (
	"encoding/binary"
	"sync"

	"github.com/squilla/usbclass/pkg/devices"
)

// Hub simulates the class interface of a hub: descriptor, per-port
// features and status, and a status-change interrupt endpoint fed from
// Changes.
type Hub struct {
	Recorder

	Ports           int
	Characteristics uint16
	PowerOnToGood   uint8
	IntIn           uint8

	// Changes feeds interrupt transfers. A closed channel makes transfers
	// fail with devices.ErrNoDevice.
	Changes chan []byte

	mu             sync.Mutex
	status         []uint16
	change         []uint16
	descFailures   int
	failPowerPorts map[int]bool
}

var _ devices.Transport = &Hub{}

func NewHub(ports int, characteristics uint16) *Hub {
	return &Hub{
		Ports:           ports,
		Characteristics: characteristics,
		PowerOnToGood:   50,
		IntIn:           0x81,
		Changes:         make(chan []byte, 16),
		status:          make([]uint16, ports+1),
		change:          make([]uint16, ports+1),
		failPowerPorts:  make(map[int]bool),
	}
}

// Descriptor returns the interface descriptor a host would see.
func (h *Hub) Descriptor() devices.Interface {
	return devices.Interface{
		Class: devices.ClassHub,
		Endpoints: []devices.Endpoint{
			{Address: h.IntIn, Type: devices.TransferInterrupt, MaxPacketSize: 1, Interval: 12},
		},
	}
}

// FailDescriptor makes the next n GET_DESCRIPTOR requests time out.
func (h *Hub) FailDescriptor(n int) {
	h.mu.Lock()
	h.descFailures = n
	h.mu.Unlock()
}

// FailPower makes SET_FEATURE(PORT_POWER) stall on port.
func (h *Hub) FailPower(port int) {
	h.mu.Lock()
	h.failPowerPorts[port] = true
	h.mu.Unlock()
}

// Connect marks a device as plugged into port and flags the change.
func (h *Hub) Connect(port int) {
	h.mu.Lock()
	h.status[port] |= 0x0001
	h.change[port] |= 0x0001
	h.mu.Unlock()
}

// PortStatus returns the raw status and change words of a port.
func (h *Hub) PortStatus(port int) (uint16, uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status[port], h.change[port]
}

func (h *Hub) descriptor() []byte {
	n := (h.Ports + 7) / 8
	d := make([]byte, 7+2*n)
	d[0] = byte(len(d))
	d[1] = 0x29
	d[2] = byte(h.Ports)
	binary.LittleEndian.PutUint16(d[3:5], h.Characteristics)
	d[5] = h.PowerOnToGood
	d[6] = 100
	// All ports removable, PortPwrCtrlMask all ones.
	for i := 0; i < n; i++ {
		d[7+n+i] = 0xff
	}
	return d
}

// Port feature selectors understood by the fake.
const (
	featEnable      = 1
	featReset       = 4
	featPower       = 8
	featCConnection = 16
	featCReset      = 20
	featIndicator   = 22
)

func (h *Hub) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	h.record(Call{Kind: CallControl, RType: rType, Request: request, Value: val, Index: idx, Length: len(data)})
	h.mu.Lock()
	defer h.mu.Unlock()

	port := int(idx & 0xff)
	switch {
	case rType == 0xa0 && request == devices.RequestGetDescriptor && val>>8 == 0x29:
		if h.descFailures > 0 {
			h.descFailures--
			return 0, devices.ErrTimeout
		}
		return copy(data, h.descriptor()), nil
	case rType == 0xa0 && request == devices.RequestGetStatus:
		return copy(data, []byte{0, 0, 0, 0}), nil
	case rType == 0xa3 && request == devices.RequestGetStatus:
		if port < 1 || port > h.Ports || len(data) < 4 {
			return 0, devices.ErrStall
		}
		binary.LittleEndian.PutUint16(data[0:2], h.status[port])
		binary.LittleEndian.PutUint16(data[2:4], h.change[port])
		return 4, nil
	case rType == 0x20 && (request == devices.RequestSetFeature || request == devices.RequestClearFeature):
		return 0, nil
	case rType == 0x23 && request == devices.RequestSetFeature:
		if port < 1 || port > h.Ports {
			return 0, devices.ErrStall
		}
		switch val {
		case featPower:
			if h.failPowerPorts[port] {
				return 0, devices.ErrStall
			}
			h.status[port] |= 0x0100
		case featReset:
			// Reset completes immediately: port enabled, C_PORT_RESET set.
			h.status[port] |= 0x0002
			h.change[port] |= 0x0010
		case featIndicator:
			h.status[port] |= 0x1000
		}
		return 0, nil
	case rType == 0x23 && request == devices.RequestClearFeature:
		if port < 1 || port > h.Ports {
			return 0, devices.ErrStall
		}
		switch {
		case val >= featCConnection && val <= featCReset:
			h.change[port] &^= 1 << (val - featCConnection)
		case val == featPower:
			h.status[port] &^= 0x0100
		case val == featEnable:
			h.status[port] &^= 0x0002
		case val == featIndicator:
			h.status[port] &^= 0x1000
		}
		return 0, nil
	}
	return 0, devices.ErrStall
}

func (h *Hub) Interrupt(ep uint8, data []byte) (int, error) {
	h.record(Call{Kind: CallInterrupt, Endpoint: ep, Length: len(data)})
	if ep != h.IntIn {
		return 0, devices.ErrStall
	}
	b, ok := <-h.Changes
	if !ok {
		return 0, devices.ErrNoDevice
	}
	if b == nil {
		return 0, devices.ErrTimeout
	}
	return copy(data, b), nil
}

func (h *Hub) Bulk(ep uint8, data []byte) (int, error) {
	h.record(Call{Kind: CallBulk, Endpoint: ep, Length: len(data)})
	return 0, devices.ErrStall
}

func (h *Hub) ClearHalt(ep uint8) error {
	h.record(Call{Kind: CallClearHalt, Endpoint: ep})
	return nil
}
