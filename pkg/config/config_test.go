package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/squilla/usbclass/pkg/devices"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if got, want := c.QueueCapacity, 32; got != want {
		t.Errorf("QueueCapacity = %d, want %d", got, want)
	}
	if got, want := c.BlockLength, uint32(512); got != want {
		t.Errorf("BlockLength = %d, want %d", got, want)
	}
	if got, want := c.HubPollErrorBackoff, 100*time.Millisecond; got != want {
		t.Errorf("HubPollErrorBackoff = %v, want %v", got, want)
	}
	if got, want := c.DescriptorRetries, uint(3); got != want {
		t.Errorf("DescriptorRetries = %d, want %d", got, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
queueCapacity: 8
lun: 1
controlTimeout: 2s
hubPollErrorBackoff: 250ms
metricsListen: ":9100"
devices:
  - vendor: 0x05ac
    product: 0x1261
  - vendor: 0x0781
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.QueueCapacity != 8 || c.LUN != 1 || c.MetricsListen != ":9100" {
		t.Errorf("got %+v", c)
	}
	if got, want := c.ControlTimeout, 2*time.Second; got != want {
		t.Errorf("ControlTimeout = %v, want %v", got, want)
	}
	if got, want := c.HubPollErrorBackoff, 250*time.Millisecond; got != want {
		t.Errorf("HubPollErrorBackoff = %v, want %v", got, want)
	}
	// Unset fields keep their defaults.
	if got, want := c.BlockLength, uint32(512); got != want {
		t.Errorf("BlockLength = %d, want %d", got, want)
	}

	for _, tc := range []struct {
		dev  devices.Device
		want bool
	}{
		{devices.Device{Vendor: 0x05ac, Product: 0x1261}, true},
		{devices.Device{Vendor: 0x05ac, Product: 0x1262}, false},
		{devices.Device{Vendor: 0x0781, Product: 0x5567}, true},
		{devices.Device{Vendor: 0x1234, Product: 0x5678}, false},
	} {
		if got := c.Wanted(&tc.dev); got != tc.want {
			t.Errorf("Wanted(%04x:%04x) = %v, want %v", tc.dev.Vendor, tc.dev.Product, got, tc.want)
		}
	}

	if got := c.MassStorage(); got.QueueCapacity != 8 || got.LUN != 1 {
		t.Errorf("MassStorage() = %+v", got)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("loading a missing explicit path succeeded")
	}

	for name, data := range map[string]string{
		"syntax":   "queueCapacity: [",
		"capacity": "queueCapacity: 0",
		"lun":      "lun: 16",
	} {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load() succeeded", name)
		}
	}
}

func TestWantedWithoutFilter(t *testing.T) {
	if !Default().Wanted(&devices.Device{Vendor: 1, Product: 2}) {
		t.Errorf("empty filter rejected a device")
	}
}
