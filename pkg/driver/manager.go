package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/metrics"
)

// OpenFunc claims an interface and returns a transport bound to it. The
// closer releases the interface; closing it must unblock transfers in
// flight.
type OpenFunc func(dev *devices.Device, iface *devices.Interface) (devices.Transport, io.Closer, error)

type binding struct {
	driver *Driver
	iface  int
	closer io.Closer
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager owns the instances attached to each device.
type Manager struct {
	reg  *Registry
	open OpenFunc

	mu       sync.Mutex
	attached map[string][]*binding
	// pending holds devices whose attach is in progress. The value turns
	// false if the device is detached meanwhile.
	pending map[string]bool
}

func NewManager(reg *Registry, open OpenFunc) *Manager {
	return &Manager{
		reg:      reg,
		open:     open,
		attached: make(map[string][]*binding),
		pending:  make(map[string]bool),
	}
}

// DeviceAttached offers every candidate interface of dev to the registry.
// Matched interfaces are claimed, attached and served in the background
// under ctx. Interfaces whose driver failed to attach are reported as
// ErrNotAttached; a device nobody wants yields ErrNoDriver.
func (m *Manager) DeviceAttached(ctx context.Context, dev *devices.Device) error {
	key := dev.Key()
	m.mu.Lock()
	_, dup := m.attached[key]
	_, busy := m.pending[key]
	if !dup && !busy {
		m.pending[key] = true
	}
	m.mu.Unlock()
	if dup || busy {
		return fmt.Errorf("%s: already attached", key)
	}

	var errs error
	var bound []*binding
	matched := false
	for _, c := range Candidates(dev) {
		d, ok := m.reg.Lookup(c.Class, dev, c.Interface)
		if !ok {
			glog.V(1).Infof("%s: no driver for interface %d (%s)", key, c.Interface.Number, c.Class)
			continue
		}
		matched = true
		b, err := m.bind(ctx, d, dev, c.Interface)
		if err != nil {
			metrics.Metrics.Attaches.WithLabelValues(d.Name, "failed").Inc()
			errs = multierror.Append(errs, fmt.Errorf("%s: interface %d: %s: %w: %w", key, c.Interface.Number, d.Name, ErrNotAttached, err))
			continue
		}
		metrics.Metrics.Attaches.WithLabelValues(d.Name, "ok").Inc()
		glog.Infof("%s: interface %d attached to %s", key, c.Interface.Number, d)
		bound = append(bound, b)
	}
	m.mu.Lock()
	wanted := m.pending[key]
	delete(m.pending, key)
	if wanted && len(bound) > 0 {
		m.attached[key] = bound
	}
	m.mu.Unlock()
	if !wanted {
		glog.Infof("%s: detached while attaching", key)
		if err := m.unbind(key, bound); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if !matched {
		return fmt.Errorf("%s: %w", dev, ErrNoDriver)
	}
	return errs
}

func (m *Manager) bind(ctx context.Context, d *Driver, dev *devices.Device, iface *devices.Interface) (*binding, error) {
	t, closer, err := m.open(dev, iface)
	if err != nil {
		return nil, fmt.Errorf("when claiming interface: %w", err)
	}
	inst, err := d.Attach(t, dev, iface)
	if err != nil {
		if cerr := closer.Close(); cerr != nil {
			glog.Warningf("%s: release after failed attach: %v", dev.Key(), cerr)
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &binding{
		driver: d,
		iface:  iface.Number,
		closer: closer,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		b.err = inst.Run(ctx)
		if b.err != nil && !errors.Is(b.err, context.Canceled) {
			glog.Errorf("%s: %s stopped: %v", dev.Key(), d.Name, b.err)
		}
	}()
	return b, nil
}

// DeviceDetached stops every instance bound to the device and releases its
// interfaces.
func (m *Manager) DeviceDetached(key string) error {
	m.mu.Lock()
	if _, ok := m.pending[key]; ok {
		m.pending[key] = false
	}
	bound, ok := m.attached[key]
	delete(m.attached, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.unbind(key, bound)
}

func (m *Manager) unbind(key string, bound []*binding) error {
	var errs error
	for _, b := range bound {
		b.cancel()
		if err := b.closer.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: interface %d: %w", key, b.iface, err))
		}
		<-b.done
		glog.Infof("%s: interface %d detached from %s", key, b.iface, b.driver.Name)
	}
	return errs
}

// Attached returns the keys of devices with at least one bound driver.
func (m *Manager) Attached() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.attached {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close detaches everything.
func (m *Manager) Close() error {
	var errs error
	for _, k := range m.Attached() {
		if err := m.DeviceDetached(k); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
