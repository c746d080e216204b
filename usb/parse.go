package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrTruncatedDescriptor = errors.New("truncated descriptor")

// EndpointSummary is an endpoint descriptor found in a configuration bundle.
type EndpointSummary struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

func (e EndpointSummary) Number() uint8 { return e.Address & 0x0f }

func (e EndpointSummary) Direction() Direction {
	if e.Address&0x80 != 0 {
		return DirIn
	}
	return DirOut
}

func (e EndpointSummary) TransferType() TransferType { return TransferType(e.Attributes & 0x03) }

// InterfaceSummary is an interface descriptor with the endpoints that follow it.
type InterfaceSummary struct {
	InterfaceDescriptor
	Endpoints []EndpointSummary
}

// ConfigSummary is a parsed configuration bundle.
type ConfigSummary struct {
	Value      uint8
	Attributes uint8
	MaxPower   uint8
	Interfaces []InterfaceSummary
}

// ParseConfiguration walks a configuration descriptor bundle. Unknown
// descriptors are skipped by bLength. A bundle cut short by a small wLength
// yields what was parsed so far together with ErrTruncatedDescriptor.
func ParseConfiguration(raw []byte) (ConfigSummary, error) {
	var cfg ConfigSummary
	if len(raw) < ConfigDescLen || raw[1] != ConfigDescType {
		return cfg, fmt.Errorf("%w: configuration header", ErrTruncatedDescriptor)
	}
	cfg.Value = raw[5]
	cfg.Attributes = raw[7]
	cfg.MaxPower = raw[8]

	declared := int(binary.LittleEndian.Uint16(raw[2:4]))
	total := len(raw)
	var truncated error
	if declared > len(raw) {
		truncated = fmt.Errorf("%w: have %d of %d bytes", ErrTruncatedDescriptor, len(raw), declared)
	} else if declared >= ConfigDescLen {
		total = declared
	}

	off := int(raw[0])
	if off < 2 {
		off = ConfigDescLen
	}
	for off+2 <= total {
		l := int(raw[off])
		if l < 2 || off+l > total {
			return cfg, fmt.Errorf("%w: descriptor at offset %d", ErrTruncatedDescriptor, off)
		}
		d := raw[off : off+l]
		switch d[1] {
		case InterfaceDescType:
			if l >= InterfaceDescLen {
				cfg.Interfaces = append(cfg.Interfaces, InterfaceSummary{InterfaceDescriptor: InterfaceDescriptor{
					BInterfaceNumber:   d[2],
					BAlternateSetting:  d[3],
					BNumEndpoints:      d[4],
					BInterfaceClass:    d[5],
					BInterfaceSubClass: d[6],
					BInterfaceProtocol: d[7],
					IInterface:         d[8],
				}})
			}
		case EndpointDescType:
			if l >= EndpointDescLen && len(cfg.Interfaces) > 0 {
				iface := &cfg.Interfaces[len(cfg.Interfaces)-1]
				iface.Endpoints = append(iface.Endpoints, EndpointSummary{
					Address:       d[2],
					Attributes:    d[3],
					MaxPacketSize: binary.LittleEndian.Uint16(d[4:6]),
					Interval:      d[6],
				})
			}
		}
		off += l
	}
	return cfg, truncated
}

// InterfaceNumbers returns one descriptor per interface number, using the
// first alternate setting seen.
func (c ConfigSummary) InterfaceNumbers() []InterfaceDescriptor {
	seen := map[uint8]bool{}
	var out []InterfaceDescriptor
	for _, iface := range c.Interfaces {
		if seen[iface.BInterfaceNumber] {
			continue
		}
		seen[iface.BInterfaceNumber] = true
		out = append(out, iface.InterfaceDescriptor)
	}
	return out
}

// Endpoint finds the endpoint with the given number and direction.
func (c ConfigSummary) Endpoint(num uint8, dir Direction) (EndpointSummary, bool) {
	for _, iface := range c.Interfaces {
		for _, ep := range iface.Endpoints {
			if ep.Number() == num && ep.Direction() == dir {
				return ep, true
			}
		}
	}
	return EndpointSummary{}, false
}

// ParseDeviceDescriptor decodes as many device descriptor fields as raw
// holds. Fields past the end stay zero.
func ParseDeviceDescriptor(raw []byte) DeviceDescriptor {
	var b [DeviceDescLen]byte
	copy(b[:], raw)
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(b[2:4]),
		BDeviceClass:       b[4],
		BDeviceSubClass:    b[5],
		BDeviceProtocol:    b[6],
		BMaxPacketSize0:    b[7],
		IDVendor:           binary.LittleEndian.Uint16(b[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(b[12:14]),
		IManufacturer:      b[14],
		IProduct:           b[15],
		ISerialNumber:      b[16],
		BNumConfigurations: b[17],
	}
}
