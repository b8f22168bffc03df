package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/squilla/usbclass/pkg/app"
	"github.com/squilla/usbclass/pkg/config"
	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/driver"
	"github.com/squilla/usbclass/pkg/usbms"
)

const (
	defaultWatchInterval = time.Second
	readyTimeout         = 10 * time.Second
)

type desktopApp struct {
	*app.App
	cfg *config.Config
	mgr *driver.Manager

	storage *usbms.Device
	dev     *devices.Device
}

// loadConfig reads the configuration file and applies command line
// overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if filterVID != "" {
		vid, err := parseNumber(filterVID)
		if err != nil {
			return nil, fmt.Errorf("invalid vendor ID %q", filterVID)
		}
		f := config.DeviceFilter{Vendor: uint16(vid)}
		if filterPID != "" {
			pid, err := parseNumber(filterPID)
			if err != nil {
				return nil, fmt.Errorf("invalid product ID %q", filterPID)
			}
			f.Product = uint16(pid)
		}
		cfg.Devices = []config.DeviceFilter{f}
	} else if filterPID != "" {
		return nil, fmt.Errorf("--pid requires --vid")
	}
	return cfg, nil
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("Metrics server failed", "err", err)
		}
	}()
}

func newApp() (*desktopApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	serveMetrics(cfg.MetricsListen)
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	return &desktopApp{App: a, cfg: cfg}, nil
}

func (d *desktopApp) Close() error {
	var errs error
	if d.mgr != nil {
		if err := d.mgr.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("when detaching drivers: %w", err))
		}
	}
	if err := d.App.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// newStorage finds the first mass storage device passing the filter,
// attaches the driver to it and waits until the engine is serving.
func newStorage(ctx context.Context) (*desktopApp, error) {
	d, err := newApp()
	if err != nil {
		return nil, err
	}
	if err := d.openStorage(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *desktopApp) openStorage(ctx context.Context) error {
	reg := &driver.Registry{}
	reg.Register(usbms.Driver(d.cfg.MassStorage(), func(dev *devices.Device, s *usbms.Device) {
		d.dev = dev
		d.storage = s
	}))
	d.mgr = driver.NewManager(reg, d.Open)

	devs, err := d.Devices()
	if err != nil {
		return fmt.Errorf("when enumerating devices: %w", err)
	}
	var errs error
	for _, dev := range devs {
		err := d.mgr.DeviceAttached(ctx, dev)
		if errors.Is(err, driver.ErrNoDriver) {
			continue
		}
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if d.storage != nil {
			break
		}
	}
	if d.storage == nil {
		if errs == nil {
			return fmt.Errorf("no mass storage device found")
		}
		return errs
	}

	select {
	case <-d.storage.Ready():
	case <-time.After(readyTimeout):
		return fmt.Errorf("%s: engine did not become ready", d.dev.Key())
	case <-ctx.Done():
		return ctx.Err()
	}
	slog.Info("Using mass storage device", "device", d.dev.String(), "maxLUN", d.storage.MaxLUN())
	if lun := d.cfg.LUN; lun > d.storage.MaxLUN() {
		return fmt.Errorf("LUN %d requested, device has %d", lun, d.storage.MaxLUN()+1)
	}
	return nil
}
