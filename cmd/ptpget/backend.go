package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/host/hal/sim"
	"github.com/ardnew/ptpusb/pkg"
	"github.com/ardnew/ptpusb/ptp"
)

type backendFactory func(cfg appConfig) (hal.Backend, error)

var backends = map[string]backendFactory{
	"sim": func(cfg appConfig) (hal.Backend, error) {
		if cfg.SimObjects < 0 {
			return nil, fmt.Errorf("sim_objects must not be negative: %w", pkg.ErrInvalidParameter)
		}
		return sim.NewBackend(sim.Demo(cfg.SimObjects)), nil
	},
}

func registerBackend(name string, f backendFactory) {
	backends[name] = f
}

func backendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultBackend prefers real hardware when a hardware backend is built in.
func defaultBackend() string {
	for _, name := range []string{"linux", "libusb"} {
		if _, ok := backends[name]; ok {
			return name
		}
	}
	return "sim"
}

func openBackend(cfg appConfig) (hal.Backend, error) {
	f, ok := backends[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %s)",
			cfg.Backend, strings.Join(backendNames(), ", "))
	}
	return f(cfg)
}

var errNoCamera = fmt.Errorf("no camera connected: %w", pkg.ErrNoDevice)

// findCameras returns the attached still-image devices, or every device when
// all is set.
func findCameras(ctx context.Context, b hal.Backend, all bool) ([]hal.Descriptor, error) {
	descs, err := b.Devices(ctx)
	if err != nil {
		return nil, err
	}
	if all {
		return descs, nil
	}
	var cams []hal.Descriptor
	for _, d := range descs {
		if d.IsStillImage() {
			cams = append(cams, d)
		}
	}
	return cams, nil
}

// selectCamera picks the camera named by device, matching its path or its
// vid:pid, or the first camera when device is empty.
func selectCamera(cams []hal.Descriptor, device string) (hal.Descriptor, error) {
	for _, d := range cams {
		if device == "" || d.Path == device ||
			strings.EqualFold(device, fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)) {
			return d, nil
		}
	}
	if device != "" {
		return hal.Descriptor{}, fmt.Errorf("camera %q: %w", device, errNoCamera)
	}
	return hal.Descriptor{}, errNoCamera
}

// session is an open backend with a connected camera.
type session struct {
	backend hal.Backend
	conn    *ptp.Conn
}

func connect(ctx context.Context, cfg appConfig, obs ptp.Observer) (*session, error) {
	b, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	cams, err := findCameras(ctx, b, false)
	if err != nil {
		return nil, multierr.Combine(err, b.Close())
	}
	desc, err := selectCamera(cams, cfg.Device)
	if err != nil {
		return nil, multierr.Combine(err, b.Close())
	}

	dev, err := b.Open(ctx, desc)
	if err != nil {
		return nil, multierr.Combine(err, b.Close())
	}
	conn, err := ptp.Setup(ctx, dev, desc, ptp.WithConfig(cfg.PTP), ptp.WithObserver(obs))
	if err != nil {
		return nil, multierr.Combine(err, dev.Close(), b.Close())
	}
	return &session{backend: b, conn: conn}, nil
}

// Close closes the connection, then the backend.
func (s *session) Close() error {
	return multierr.Combine(s.conn.Close(), s.backend.Close())
}
