// Package device implements the devices and nodes described by the catalog
// file, and the directory the rest of the application looks them up in.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/gosimple/slug"
	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/pscheid92/serialbridge/internal/platform/retry"
)

// Options configures the nodes created for a catalog.
type Options struct {
	// Dialer defaults to a net.Dialer.
	Dialer     Dialer
	DialPolicy retry.Policy
}

// Directory holds every device of a catalog, in catalog order.
type Directory struct {
	devices []*Device
	byName  map[string]*Device
	bySlug  map[string]*Device
	slugs   map[string]string
}

var _ domain.DeviceDirectory = (*Directory)(nil)

// NewDirectory builds the devices of a catalog. Device names must map to unique URL slugs.
func NewDirectory(catalog *Catalog, opts Options) (*Directory, error) {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.DialPolicy.MaxAttempts == 0 {
		opts.DialPolicy = DefaultDialPolicy
	}

	d := &Directory{
		byName: make(map[string]*Device, len(catalog.Devices)),
		bySlug: make(map[string]*Device, len(catalog.Devices)),
		slugs:  make(map[string]string, len(catalog.Devices)),
	}
	for _, spec := range catalog.Devices {
		s := slug.Make(spec.Name)
		if s == "" {
			return nil, fmt.Errorf("device %q has no URL slug", spec.Name)
		}
		if other, taken := d.bySlug[s]; taken {
			return nil, fmt.Errorf("device names %q and %q map to the same URL slug %q", other.name, spec.Name, s)
		}

		device := newDevice(spec, opts)
		d.devices = append(d.devices, device)
		d.byName[spec.Name] = device
		d.bySlug[s] = device
		d.slugs[spec.Name] = s
	}
	return d, nil
}

func (d *Directory) Exists(name string) bool {
	_, ok := d.byName[name]
	return ok
}

func (d *Directory) Get(name string) (domain.Device, error) {
	device, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, name)
	}
	return device, nil
}

func (d *Directory) List() []domain.Device {
	out := make([]domain.Device, 0, len(d.devices))
	for _, device := range d.devices {
		out = append(out, device)
	}
	return out
}

// Devices returns the concrete devices in catalog order.
func (d *Directory) Devices() []*Device { return d.devices }

// NameForSlug maps a URL slug back to its device name.
func (d *Directory) NameForSlug(s string) (string, bool) {
	device, ok := d.bySlug[s]
	if !ok {
		return "", false
	}
	return device.name, true
}

func (d *Directory) Slug(name string) string { return d.slugs[name] }

// Nodes returns the nodes of every device.
func (d *Directory) Nodes() []domain.Node {
	var out []domain.Node
	for _, device := range d.devices {
		out = append(out, device.Nodes()...)
	}
	return out
}

// ConnectAll opens the link of every device. A device whose nodes cannot be
// reached is logged and stays disconnected.
func (d *Directory) ConnectAll(ctx context.Context) {
	for _, device := range d.devices {
		if err := device.ConnectLink(ctx); err != nil {
			slog.WarnContext(ctx, "Device link unavailable at startup", "device", device.name, "error", err)
			continue
		}
		slog.InfoContext(ctx, "Device link connected", "device", device.name, "nodes", len(device.nodes))
	}
}

// DisconnectAll closes every open link.
func (d *Directory) DisconnectAll(ctx context.Context) {
	for _, device := range d.devices {
		if !device.LinkConnected() {
			continue
		}
		if err := device.DisconnectLink(ctx); err != nil {
			slog.WarnContext(ctx, "Device link disconnect failed", "device", device.name, "error", err)
		}
	}
}
