package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/driver"
	"github.com/squilla/usbclass/pkg/metrics"
)

var ErrNoInterruptEndpoint = errors.New("hub has no interrupt IN endpoint")

// Events receives status changes reported by a hub. Calls are made from
// the monitor's polling goroutine and must not block for long.
type Events interface {
	HubStatusChanged()
	PortStatusChanged(port int)
}

// Event is a status change. Port 0 is the hub itself.
type Event struct {
	Port int
}

func (e Event) String() string {
	if e.Port == 0 {
		return "hub status changed"
	}
	return fmt.Sprintf("port %d status changed", e.Port)
}

// EventChannel adapts Events to a channel. Events that find the channel
// full are dropped.
type EventChannel chan Event

func (c EventChannel) HubStatusChanged() {
	c.send(Event{})
}

func (c EventChannel) PortStatusChanged(port int) {
	c.send(Event{Port: port})
}

func (c EventChannel) send(e Event) {
	select {
	case c <- e:
	default:
		metrics.Metrics.HubEventsDropped.Inc()
		glog.Warningf("Hub: consumer lagging, dropped %v", e)
	}
}

// ChangedPorts decodes a status-change bitmap. Bit 0 is the hub, bit n is
// port n, LSB first within each byte. Bits past ports are ignored.
func ChangedPorts(bitmap []byte, ports int) []int {
	var res []int
	for i, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			idx := i*8 + bit
			if idx > ports {
				return res
			}
			if b&(1<<bit) != 0 {
				res = append(res, idx)
			}
		}
	}
	return res
}

type Config struct {
	// PollErrorBackoff is the pause after a failed status-change transfer.
	// Zero retries immediately.
	PollErrorBackoff time.Duration
	// DescriptorRetries is how often GET_DESCRIPTOR is attempted.
	DescriptorRetries uint
}

func DefaultConfig() Config {
	return Config{
		PollErrorBackoff:  100 * time.Millisecond,
		DescriptorRetries: 3,
	}
}

// Monitor watches the status-change endpoint of one hub.
type Monitor struct {
	*Requests
	Descriptor *Descriptor

	t      devices.Transport
	ep     uint8
	events Events
	cfg    Config
}

// Attach reads the hub descriptor and initializes every port: a stale
// connection change is cleared, power is switched on and, if the hub has
// them, the port indicator is set. Power is set per port even for ganged
// hubs, which some hubs require.
func Attach(ctx context.Context, t devices.Transport, iface *devices.Interface, events Events, cfg Config) (*Monitor, error) {
	ep, ok := iface.FindEndpoint(devices.TransferInterrupt, true)
	if !ok {
		return nil, ErrNoInterruptEndpoint
	}
	if cfg.DescriptorRetries == 0 {
		cfg.DescriptorRetries = 1
	}
	m := &Monitor{
		Requests: NewRequests(t),
		t:        t,
		ep:       ep.Address,
		events:   events,
		cfg:      cfg,
	}

	err := retry.Do(func() error {
		d, err := m.GetHubDescriptor()
		if err != nil {
			return err
		}
		m.Descriptor = d
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(cfg.DescriptorRetries),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// A malformed descriptor will not get better.
			return !errors.Is(err, ErrDescriptor)
		}),
		retry.OnRetry(func(n uint, err error) {
			glog.Warningf("Hub: descriptor attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	glog.Infof("Hub: %s", m.Descriptor)

	if err := m.initPorts(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Monitor) initPorts() error {
	d := m.Descriptor
	var errs error
	for port := 1; port <= d.Ports; port++ {
		if err := m.ClearPortFeature(CPortConnection, port, 0); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := m.SetPortFeature(PortPower, port, 0); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if d.PortIndicatorSupported() {
			if err := m.SetPortFeature(PortIndicator, port, IndicatorAuto); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
		}
		st, err := m.GetPortStatus(port)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if st.Powered() {
			glog.V(1).Infof("Hub: port %d power good", port)
		} else {
			glog.Warningf("Hub: port %d power bad: %s", port, st)
		}
	}
	return errs
}

// Run polls the status-change endpoint until ctx is done and reports every
// changed port to the events consumer. Transfer errors never stop the
// loop.
func (m *Monitor) Run(ctx context.Context) error {
	buf := make([]byte, ChangeBitmapLength(m.Descriptor.Ports))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := m.t.Interrupt(m.ep, buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.Metrics.HubPollErrors.Inc()
			glog.Warningf("Hub: status change transfer failed: %v", err)
			if m.cfg.PollErrorBackoff > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(m.cfg.PollErrorBackoff):
				}
			}
			continue
		}
		for _, port := range ChangedPorts(buf[:n], m.Descriptor.Ports) {
			if glog.V(2) {
				glog.Infof("Hub: change on %d", port)
			}
			if port == 0 {
				metrics.Metrics.HubEvents.WithLabelValues("hub").Inc()
				m.events.HubStatusChanged()
				continue
			}
			metrics.Metrics.HubEvents.WithLabelValues("port").Inc()
			m.events.PortStatusChanged(port)
		}
	}
}

// Driver returns the registry descriptor of the hub driver. Every attached
// hub reports to events.
func Driver(ctx context.Context, cfg Config, events Events) driver.Driver {
	return driver.Driver{
		Name:  "hub",
		Class: devices.ClassHub,
		Attach: func(t devices.Transport, dev *devices.Device, iface *devices.Interface) (driver.Instance, error) {
			m, err := Attach(ctx, t, iface, events, cfg)
			if err != nil {
				return nil, err
			}
			glog.Infof("Hub: %s attached with %d ports", dev.Key(), m.Descriptor.Ports)
			return m, nil
		},
	}
}
