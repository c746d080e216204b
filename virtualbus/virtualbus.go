// Package virtualbus maps USB/IP bus ids to exported devices.
package virtualbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Alia5/usbreplay/usb"
	"github.com/Alia5/usbreplay/usbip"
)

const basepath = "/sys/devices/pci0000:00/0000:00:08.1/0000:00:04:00.3/usb"

var (
	// ErrUnknownDevice is returned for bus ids nothing is registered under.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrSealed is returned by Add once the registry is being served.
	ErrSealed = errors.New("registry is sealed")
)

// BusID is the "bus-port" identifier hosts import devices by.
type BusID struct {
	Bus  uint32
	Port uint32
}

func (b BusID) String() string { return fmt.Sprintf("%d-%d", b.Bus, b.Port) }

// ParseBusID parses "bus-port".
func ParseBusID(s string) (BusID, error) {
	bus, port, ok := strings.Cut(s, "-")
	if !ok {
		return BusID{}, fmt.Errorf("bus id %q: want bus-port", s)
	}
	b, err := strconv.ParseUint(bus, 10, 32)
	if err != nil {
		return BusID{}, fmt.Errorf("bus id %q: bus: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return BusID{}, fmt.Errorf("bus id %q: port: %w", s, err)
	}
	return BusID{Bus: uint32(b), Port: uint32(p)}, nil
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	ID   BusID
	Dev  usb.Device
	Meta usbip.ExportMeta
}

// Registry holds the exported devices. Devices are added before the server
// starts; once sealed the registry is read-only and safe to share between
// connections.
type Registry struct {
	mu      sync.RWMutex
	sealed  bool
	devices []DeviceMeta
}

func New() *Registry { return &Registry{} }

// Add registers dev under id.
func (r *Registry) Add(id BusID, dev usb.Device) (*usbip.ExportMeta, error) {
	if dev == nil {
		return nil, fmt.Errorf("device is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, ErrSealed
	}
	for _, d := range r.devices {
		if d.ID == id {
			return nil, fmt.Errorf("bus id %s already registered", id)
		}
	}

	busDevID := id.String()
	var meta usbip.ExportMeta
	copy(meta.Path[:], fmt.Sprintf("%s%d/%s", basepath, id.Bus, busDevID))
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = id.Bus
	meta.DevId = id.Port

	r.devices = append(r.devices, DeviceMeta{ID: id, Dev: dev, Meta: meta})
	return &meta, nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup finds the device exported under a "bus-port" string.
func (r *Registry) Lookup(busid string) (DeviceMeta, error) {
	id, err := ParseBusID(busid)
	if err != nil {
		return DeviceMeta{}, fmt.Errorf("%w: %v", ErrUnknownDevice, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return DeviceMeta{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}

// All returns the registered devices in registration order.
func (r *Registry) All() []DeviceMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DeviceMeta(nil), r.devices...)
}
