// Package driver dispatches attached USB devices to class drivers.
//
// A Driver is a plain descriptor: the class it serves, an optional list of
// preferred vendor/product IDs, an optional match predicate and an attach
// function. A Registry picks the best descriptor for each interface, and a
// Manager runs the resulting driver instances until the device goes away.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/squilla/usbclass/pkg/devices"
)

var (
	// ErrNotAttached is wrapped by every attach failure reported to the
	// discovery side.
	ErrNotAttached = errors.New("driver did not attach")
	// ErrNoDriver is returned when no registered driver matches.
	ErrNoDriver = errors.New("no matching driver")
)

// Instance is an attached driver. Run serves the device until ctx is done
// or the device fails permanently.
type Instance interface {
	Run(ctx context.Context) error
}

type AttachFunc func(t devices.Transport, dev *devices.Device, iface *devices.Interface) (Instance, error)

type ID struct {
	Vendor  uint16
	Product uint16
}

type Driver struct {
	Name  string
	Class devices.Class
	// IDs raise the match score of devices the driver knows by ID.
	IDs []ID
	// Match, if set, can reject an interface of the right class.
	Match  func(dev *devices.Device, iface *devices.Interface) bool
	Attach AttachFunc
}

// Match scores, combined bitwise.
const (
	MatchNone  = 0
	MatchID    = 2
	MatchClass = 4
)

// Score returns how well d fits an interface whose effective class is
// class.
func (d *Driver) Score(class devices.Class, dev *devices.Device, iface *devices.Interface) int {
	if class != d.Class {
		return MatchNone
	}
	if d.Match != nil && !d.Match(dev, iface) {
		return MatchNone
	}
	score := MatchClass
	for _, id := range d.IDs {
		if id.Vendor == dev.Vendor && id.Product == dev.Product {
			score |= MatchID
			break
		}
	}
	return score
}

func (d *Driver) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.Class)
}

type Registry struct {
	drivers []*Driver
}

func (r *Registry) Register(d Driver) {
	r.drivers = append(r.drivers, &d)
}

func (r *Registry) Drivers() []*Driver {
	return r.drivers
}

// Lookup returns the best scoring driver. Ties go to the earliest
// registration.
func (r *Registry) Lookup(class devices.Class, dev *devices.Device, iface *devices.Interface) (*Driver, bool) {
	var best *Driver
	bestScore := MatchNone
	for _, d := range r.drivers {
		if s := d.Score(class, dev, iface); s > bestScore {
			best, bestScore = d, s
		}
	}
	return best, best != nil
}

// Candidate is an interface to offer to drivers, with the class it is
// matched under.
type Candidate struct {
	Class     devices.Class
	Interface *devices.Interface
}

// Candidates lists the interfaces of dev to match. A device class of zero
// defers to each interface's own class; any other device class applies to
// the first interface only.
func Candidates(dev *devices.Device) []Candidate {
	if len(dev.Interfaces) == 0 {
		return nil
	}
	if dev.Class != devices.ClassPerInterface {
		return []Candidate{{Class: dev.Class, Interface: &dev.Interfaces[0]}}
	}
	var res []Candidate
	for i := range dev.Interfaces {
		iface := &dev.Interfaces[i]
		res = append(res, Candidate{Class: iface.Class, Interface: iface})
	}
	return res
}
