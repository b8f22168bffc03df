package devices

import "fmt"

// Class is a USB device or interface class code.
type Class uint8

const (
	ClassPerInterface Class = 0x00
	ClassAudio        Class = 0x01
	ClassComm         Class = 0x02
	ClassHID          Class = 0x03
	ClassPrinter      Class = 0x07
	ClassMassStorage  Class = 0x08
	ClassHub          Class = 0x09
	ClassVendor       Class = 0xff
)

func (c Class) String() string {
	switch c {
	case ClassPerInterface:
		return "per-interface"
	case ClassAudio:
		return "audio"
	case ClassComm:
		return "communications"
	case ClassHID:
		return "HID"
	case ClassPrinter:
		return "printer"
	case ClassMassStorage:
		return "mass storage"
	case ClassHub:
		return "hub"
	case ClassVendor:
		return "vendor specific"
	}
	return fmt.Sprintf("class %#02x", uint8(c))
}

type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	}
	return "UNKNOWN"
}

type Endpoint struct {
	Address       uint8
	Type          TransferType
	MaxPacketSize int
	Interval      int
}

// In reports whether the endpoint moves data towards the host.
func (e Endpoint) In() bool {
	return e.Address&0x80 != 0
}

func (e Endpoint) String() string {
	dir := "OUT"
	if e.In() {
		dir = "IN"
	}
	return fmt.Sprintf("ep %#02x %s %s (max %d)", e.Address, e.Type, dir, e.MaxPacketSize)
}

type Interface struct {
	Number    int
	Alternate int
	Class     Class
	SubClass  uint8
	Protocol  uint8
	Endpoints []Endpoint
}

// FindEndpoint returns the first endpoint of the given type and direction.
func (i *Interface) FindEndpoint(t TransferType, in bool) (Endpoint, bool) {
	for _, ep := range i.Endpoints {
		if ep.Type == t && ep.In() == in {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Device is the descriptor data handed to drivers at attach time.
type Device struct {
	Bus        int
	Address    int
	Vendor     uint16
	Product    uint16
	Class      Class
	SubClass   uint8
	Protocol   uint8
	Interfaces []Interface
}

// Key identifies a device on the bus for detach bookkeeping.
func (d *Device) Key() string {
	return fmt.Sprintf("%d.%d", d.Bus, d.Address)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s %04x:%04x (%s)", d.Key(), d.Vendor, d.Product, d.Class)
}
