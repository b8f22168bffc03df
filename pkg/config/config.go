// Package config loads the usbclass configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/hub"
	"github.com/squilla/usbclass/pkg/usbms"
)

// DeviceFilter selects devices by vendor and, if non-zero, product ID.
type DeviceFilter struct {
	Vendor  uint16 `yaml:"vendor"`
	Product uint16 `yaml:"product,omitempty"`
}

func (f DeviceFilter) Matches(d *devices.Device) bool {
	if f.Vendor != d.Vendor {
		return false
	}
	return f.Product == 0 || f.Product == d.Product
}

type Config struct {
	QueueCapacity       int            `yaml:"queueCapacity"`
	LUN                 uint8          `yaml:"lun"`
	BlockLength         uint32         `yaml:"blockLength"`
	ControlTimeout      time.Duration  `yaml:"controlTimeout"`
	HubPollErrorBackoff time.Duration  `yaml:"hubPollErrorBackoff"`
	DescriptorRetries   uint           `yaml:"descriptorRetries"`
	MetricsListen       string         `yaml:"metricsListen,omitempty"`
	Devices             []DeviceFilter `yaml:"devices,omitempty"`
}

func Default() *Config {
	ms := usbms.DefaultConfig()
	h := hub.DefaultConfig()
	return &Config{
		QueueCapacity:       ms.QueueCapacity,
		LUN:                 ms.LUN,
		BlockLength:         ms.BlockLength,
		ControlTimeout:      5 * time.Second,
		HubPollErrorBackoff: h.PollErrorBackoff,
		DescriptorRetries:   h.DescriptorRetries,
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "usbclass", "config.yaml")
}

// Load reads the configuration at path over the defaults. A missing file
// at the default path is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queueCapacity must be positive, is %d", c.QueueCapacity)
	}
	if c.LUN > usbms.MaxLUN {
		return fmt.Errorf("lun must be at most %d, is %d", usbms.MaxLUN, c.LUN)
	}
	if c.BlockLength == 0 {
		return fmt.Errorf("blockLength must be positive")
	}
	if c.ControlTimeout < 0 || c.HubPollErrorBackoff < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Wanted reports whether d passes the device filter. An empty filter
// admits everything.
func (c *Config) Wanted(d *devices.Device) bool {
	if len(c.Devices) == 0 {
		return true
	}
	for _, f := range c.Devices {
		if f.Matches(d) {
			return true
		}
	}
	return false
}

func (c *Config) MassStorage() usbms.Config {
	return usbms.Config{
		QueueCapacity: c.QueueCapacity,
		LUN:           c.LUN,
		BlockLength:   c.BlockLength,
	}
}

func (c *Config) Hub() hub.Config {
	return hub.Config{
		PollErrorBackoff:  c.HubPollErrorBackoff,
		DescriptorRetries: c.DescriptorRetries,
	}
}
