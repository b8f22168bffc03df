// Package hub implements the host side of the USB hub class: descriptor
// parsing, hub and port feature requests, and a monitor that turns the
// status-change interrupt endpoint into per-port events.
package hub

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/squilla/usbclass/pkg/frame"
)

const DescriptorType uint8 = 0x29

// MaxPorts is the most ports a hub descriptor can describe.
const MaxPorts = 255

var ErrDescriptor = errors.New("invalid hub descriptor")

// Characteristics is the wHubCharacteristics field.
type Characteristics uint16

const (
	charPowerSwitchingMask Characteristics = 0x0003
	charCompound           Characteristics = 0x0004
	charOverCurrentMask    Characteristics = 0x0018
	charTTThinkTimeMask    Characteristics = 0x0060
	charPortIndicators     Characteristics = 0x0080
)

type PowerSwitching uint8

const (
	PowerGanged PowerSwitching = iota
	PowerIndividual
	// Values 1x are reserved and treated as no power switching by hubs
	// built to USB 1.0.
	PowerNone
)

func (p PowerSwitching) String() string {
	switch p {
	case PowerGanged:
		return "ganged"
	case PowerIndividual:
		return "individual"
	}
	return "none"
}

// PowerSwitching returns the logical power switching mode.
func (c Characteristics) PowerSwitching() PowerSwitching {
	switch c & charPowerSwitchingMask {
	case 0:
		return PowerGanged
	case 1:
		return PowerIndividual
	}
	return PowerNone
}

func (c Characteristics) Compound() bool {
	return c&charCompound != 0
}

type OverCurrent uint8

const (
	OverCurrentGlobal OverCurrent = iota
	OverCurrentIndividual
	OverCurrentNone
)

func (o OverCurrent) String() string {
	switch o {
	case OverCurrentGlobal:
		return "global"
	case OverCurrentIndividual:
		return "individual"
	}
	return "none"
}

func (c Characteristics) OverCurrent() OverCurrent {
	switch (c & charOverCurrentMask) >> 3 {
	case 0:
		return OverCurrentGlobal
	case 1:
		return OverCurrentIndividual
	}
	return OverCurrentNone
}

// TTThinkTime returns the transaction translator think time in FS bit
// times (8, 16, 24 or 32).
func (c Characteristics) TTThinkTime() int {
	return (int(c&charTTThinkTimeMask)>>5 + 1) * 8
}

func (c Characteristics) PortIndicators() bool {
	return c&charPortIndicators != 0
}

func (c Characteristics) String() string {
	return fmt.Sprintf("power %s, over-current %s, compound %v, indicators %v", c.PowerSwitching(), c.OverCurrent(), c.Compound(), c.PortIndicators())
}

// ceilDiv divides rounding up.
func ceilDiv[T constraints.Integer](n, d T) T {
	return (n + d - 1) / d
}

// BitmapLength is the size of a per-port bitmap in the hub descriptor.
func BitmapLength(ports int) int {
	return ceilDiv(ports, 8)
}

// ChangeBitmapLength is the size of the status-change bitmap, which also
// carries the hub's own bit 0.
func ChangeBitmapLength(ports int) int {
	return ceilDiv(ports+1, 8)
}

// Descriptor is a parsed hub class descriptor. It is immutable once
// parsed.
type Descriptor struct {
	Ports           int
	Characteristics Characteristics
	// PowerOnToGood is the time in 2ms units from power-on of a port
	// until its power is good.
	PowerOnToGood uint8
	// ControllerCurrent is the hub controller's maximum current in mA.
	ControllerCurrent uint8
	// DeviceRemovable has bit n set if the device on port n is
	// non-removable. Bit 0 is reserved.
	DeviceRemovable []byte
	PortPowerCtrl   []byte
}

// ParseDescriptor decodes a hub descriptor.
func ParseDescriptor(b []byte) (*Descriptor, error) {
	f := frame.New(b)
	length, err := f.GetUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: empty", ErrDescriptor)
	}
	typ, _ := f.GetUint8()
	if typ != DescriptorType {
		return nil, fmt.Errorf("%w: type %#02x", ErrDescriptor, typ)
	}
	if int(length) > len(b) {
		return nil, fmt.Errorf("%w: bLength %d but only %d bytes", ErrDescriptor, length, len(b))
	}
	if err := f.SetLimit(int(length)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptor, err)
	}

	var d Descriptor
	ports, _ := f.GetUint8()
	d.Ports = int(ports)
	chars, err := f.GetUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptor, err)
	}
	d.Characteristics = Characteristics(chars)
	if d.PowerOnToGood, err = f.GetUint8(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptor, err)
	}
	if d.ControllerCurrent, err = f.GetUint8(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDescriptor, err)
	}

	n := BitmapLength(d.Ports)
	removable, err := f.GetBytes(n)
	if err != nil {
		return nil, fmt.Errorf("%w: DeviceRemovable: %w", ErrDescriptor, err)
	}
	power, err := f.GetBytes(n)
	if err != nil {
		return nil, fmt.Errorf("%w: PortPwrCtrlMask: %w", ErrDescriptor, err)
	}
	d.DeviceRemovable = append([]byte(nil), removable...)
	d.PortPowerCtrl = append([]byte(nil), power...)
	return &d, nil
}

// PortIndicatorSupported reports whether port indicators can be set.
func (d *Descriptor) PortIndicatorSupported() bool {
	return d.Characteristics.PortIndicators()
}

// IndividualPowerSupported reports per-port power switching.
func (d *Descriptor) IndividualPowerSupported() bool {
	return d.Characteristics.PowerSwitching() == PowerIndividual
}

// Removable reports whether the device attached to port can be removed.
func (d *Descriptor) Removable(port int) bool {
	if port < 1 || port > d.Ports {
		return false
	}
	// The bitmap is sized by port count, so the highest port of a hub with
	// a multiple of 8 ports has no bit.
	if port/8 >= len(d.DeviceRemovable) {
		return true
	}
	return d.DeviceRemovable[port/8]&(1<<(port%8)) == 0
}

// PowerOnToGoodMillis is the power-on-to-good delay in milliseconds.
func (d *Descriptor) PowerOnToGoodMillis() int {
	return int(d.PowerOnToGood) * 2
}

// Bytes encodes the descriptor, for SET_DESCRIPTOR.
func (d *Descriptor) Bytes() []byte {
	n := BitmapLength(d.Ports)
	b := make([]byte, 7+2*n)
	f := frame.New(b)
	f.PutUint8(uint8(len(b)))
	f.PutUint8(DescriptorType)
	f.PutUint8(uint8(d.Ports))
	f.PutUint16(uint16(d.Characteristics))
	f.PutUint8(d.PowerOnToGood)
	f.PutUint8(d.ControllerCurrent)
	f.Put(pad(d.DeviceRemovable, n))
	f.Put(pad(d.PortPowerCtrl, n))
	return b
}

func pad(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%d ports, %s, power-on-to-good %dms", d.Ports, d.Characteristics, d.PowerOnToGoodMillis())
}
