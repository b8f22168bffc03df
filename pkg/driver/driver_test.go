package driver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/usbtest"
)

func storageDevice() *devices.Device {
	return &devices.Device{
		Bus: 1, Address: 4,
		Vendor: 0x05ac, Product: 0x1261,
		Interfaces: []devices.Interface{
			{Number: 0, Class: devices.ClassMassStorage, SubClass: 6, Protocol: 0x50},
			{Number: 1, Class: devices.ClassHID},
		},
	}
}

func TestCandidates(t *testing.T) {
	dev := storageDevice()
	cs := Candidates(dev)
	if len(cs) != 2 || cs[0].Class != devices.ClassMassStorage || cs[1].Class != devices.ClassHID {
		t.Fatalf("per-interface candidates: %+v", cs)
	}

	dev.Class = devices.ClassHub
	cs = Candidates(dev)
	if len(cs) != 1 || cs[0].Class != devices.ClassHub || cs[0].Interface.Number != 0 {
		t.Fatalf("device class candidates: %+v", cs)
	}

	if cs := Candidates(&devices.Device{}); len(cs) != 0 {
		t.Errorf("device without interfaces: %+v", cs)
	}
}

func TestLookup(t *testing.T) {
	var r Registry
	r.Register(Driver{Name: "generic", Class: devices.ClassMassStorage})
	r.Register(Driver{Name: "ipod", Class: devices.ClassMassStorage, IDs: []ID{{0x05ac, 0x1261}}})
	r.Register(Driver{Name: "picky", Class: devices.ClassMassStorage, Match: func(*devices.Device, *devices.Interface) bool { return false }})
	r.Register(Driver{Name: "generic-2", Class: devices.ClassMassStorage})

	dev := storageDevice()
	iface := &dev.Interfaces[0]
	d, ok := r.Lookup(devices.ClassMassStorage, dev, iface)
	if !ok || d.Name != "ipod" {
		t.Errorf("Lookup() = %v, want ipod", d)
	}
	if got, want := d.Score(devices.ClassMassStorage, dev, iface), MatchClass|MatchID; got != want {
		t.Errorf("Score() = %d, want %d", got, want)
	}

	dev.Product = 0x1262
	if d, _ := r.Lookup(devices.ClassMassStorage, dev, iface); d.Name != "generic" {
		t.Errorf("tie went to %s, want generic", d.Name)
	}
	if _, ok := r.Lookup(devices.ClassHub, dev, iface); ok {
		t.Errorf("hub lookup matched a storage driver")
	}
}

type nopCloser struct{ closed int }

func (c *nopCloser) Close() error {
	c.closed++
	return nil
}

type blockingInstance struct {
	started chan struct{}
}

func (b *blockingInstance) Run(ctx context.Context) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestManager(t *testing.T) {
	var mu sync.Mutex
	closers := map[int]*nopCloser{}
	open := func(dev *devices.Device, iface *devices.Interface) (devices.Transport, io.Closer, error) {
		mu.Lock()
		defer mu.Unlock()
		c := &nopCloser{}
		closers[iface.Number] = c
		return &usbtest.Transport{}, c, nil
	}

	inst := &blockingInstance{started: make(chan struct{})}
	var r Registry
	r.Register(Driver{
		Name:  "storage",
		Class: devices.ClassMassStorage,
		Attach: func(devices.Transport, *devices.Device, *devices.Interface) (Instance, error) {
			return inst, nil
		},
	})
	hidErr := errors.New("no report descriptor")
	r.Register(Driver{
		Name:  "hid",
		Class: devices.ClassHID,
		Attach: func(devices.Transport, *devices.Device, *devices.Interface) (Instance, error) {
			return nil, hidErr
		},
	})

	m := NewManager(&r, open)
	dev := storageDevice()
	err := m.DeviceAttached(context.Background(), dev)
	if !errors.Is(err, ErrNotAttached) || !errors.Is(err, hidErr) {
		t.Fatalf("DeviceAttached() = %v, want hid failure", err)
	}
	<-inst.started
	if got := m.Attached(); len(got) != 1 || got[0] != "1.4" {
		t.Errorf("Attached() = %v", got)
	}
	if got := closers[1].closed; got != 1 {
		t.Errorf("failed interface released %d times", got)
	}
	if err := m.DeviceAttached(context.Background(), dev); err == nil {
		t.Errorf("second DeviceAttached() succeeded")
	}

	if err := m.DeviceDetached("1.4"); err != nil {
		t.Fatalf("DeviceDetached() failed: %v", err)
	}
	if got := closers[0].closed; got != 1 {
		t.Errorf("storage interface released %d times", got)
	}
	if got := m.Attached(); len(got) != 0 {
		t.Errorf("Attached() after detach = %v", got)
	}
}

func TestManagerNoDriver(t *testing.T) {
	m := NewManager(&Registry{}, func(*devices.Device, *devices.Interface) (devices.Transport, io.Closer, error) {
		t.Fatalf("nothing should be claimed")
		return nil, nil, nil
	})
	if err := m.DeviceAttached(context.Background(), storageDevice()); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("DeviceAttached() = %v, want ErrNoDriver", err)
	}
}

func TestManagerAttachInProgress(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var opens int
	c := &nopCloser{}
	open := func(dev *devices.Device, iface *devices.Interface) (devices.Transport, io.Closer, error) {
		opens++
		close(entered)
		<-proceed
		return &usbtest.Transport{}, c, nil
	}
	var r Registry
	r.Register(Driver{
		Name:  "storage",
		Class: devices.ClassMassStorage,
		Attach: func(devices.Transport, *devices.Device, *devices.Interface) (Instance, error) {
			return &blockingInstance{started: make(chan struct{})}, nil
		},
	})
	m := NewManager(&r, open)
	dev := storageDevice()

	done := make(chan error, 1)
	go func() { done <- m.DeviceAttached(context.Background(), dev) }()
	<-entered

	// The device is reserved while the first attach claims interfaces.
	if err := m.DeviceAttached(context.Background(), dev); err == nil || errors.Is(err, ErrNoDriver) {
		t.Errorf("concurrent DeviceAttached() = %v, want already attached", err)
	}
	// Detaching now releases whatever the first attach binds.
	if err := m.DeviceDetached(dev.Key()); err != nil {
		t.Errorf("DeviceDetached() failed: %v", err)
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("DeviceAttached() failed: %v", err)
	}

	if opens != 1 {
		t.Errorf("interface claimed %d times", opens)
	}
	if got := c.closed; got != 1 {
		t.Errorf("interface released %d times", got)
	}
	if got := m.Attached(); len(got) != 0 {
		t.Errorf("Attached() = %v, want none", got)
	}

	// The reservation is gone, so the device can attach again.
	m.open = func(*devices.Device, *devices.Interface) (devices.Transport, io.Closer, error) {
		return &usbtest.Transport{}, &nopCloser{}, nil
	}
	if err := m.DeviceAttached(context.Background(), dev); err != nil {
		t.Fatalf("DeviceAttached() after detach failed: %v", err)
	}
	if got := m.Attached(); len(got) != 1 {
		t.Errorf("Attached() = %v", got)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}
