// Package usb contains the setup packet and descriptor codecs used to answer
// control transfers.
package usb

import (
	"encoding/binary"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	HIDDescType       = 0x21
	ReportDescType    = 0x22
)

// Fixed descriptor lengths in bytes.
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	HIDDescLen       = 9
)

// NoLimit disables length capping in Bytes.
const NoLimit = -1

// Descriptor is anything that serializes to descriptor bytes capped at limit.
// A negative limit means uncapped.
type Descriptor interface {
	Bytes(limit int) []byte
}

// Field is one entry of a descriptor layout. Size is 1 or 2 (little-endian).
type Field struct {
	Name string
	Size int
}

// Layout is the ordered field list of a descriptor kind.
type Layout struct {
	Name   string
	Type   uint8
	Fields []Field
}

// Len is the natural encoded length of the layout.
func (l Layout) Len() int {
	n := 0
	for _, f := range l.Fields {
		n += f.Size
	}
	return n
}

var header = []Field{{"bLength", 1}, {"bDescriptorType", 1}}

func layout(name string, typ uint8, fields ...Field) Layout {
	return Layout{Name: name, Type: typ, Fields: append(append([]Field{}, header...), fields...)}
}

var (
	DeviceLayout = layout("device", DeviceDescType,
		Field{"bcdUSB", 2},
		Field{"bDeviceClass", 1},
		Field{"bDeviceSubClass", 1},
		Field{"bDeviceProtocol", 1},
		Field{"bMaxPacketSize0", 1},
		Field{"idVendor", 2},
		Field{"idProduct", 2},
		Field{"bcdDevice", 2},
		Field{"iManufacturer", 1},
		Field{"iProduct", 1},
		Field{"iSerialNumber", 1},
		Field{"bNumConfigurations", 1},
	)
	ConfigurationLayout = layout("configuration", ConfigDescType,
		Field{"wTotalLength", 2},
		Field{"bNumInterfaces", 1},
		Field{"bConfigurationValue", 1},
		Field{"iConfiguration", 1},
		Field{"bmAttributes", 1},
		Field{"bMaxPower", 1},
	)
	InterfaceLayout = layout("interface", InterfaceDescType,
		Field{"bInterfaceNumber", 1},
		Field{"bAlternateSetting", 1},
		Field{"bNumEndpoints", 1},
		Field{"bInterfaceClass", 1},
		Field{"bInterfaceSubClass", 1},
		Field{"bInterfaceProtocol", 1},
		Field{"iInterface", 1},
	)
	EndpointLayout = layout("endpoint", EndpointDescType,
		Field{"bEndpointAddress", 1},
		Field{"bmAttributes", 1},
		Field{"wMaxPacketSize", 2},
		Field{"bInterval", 1},
	)
	HIDLayout = layout("hid", HIDDescType,
		Field{"bcdHID", 2},
		Field{"bCountryCode", 1},
		Field{"bNumDescriptors", 1},
		Field{"bClassDescriptorType", 1},
		Field{"wDescriptorLength", 2},
	)
)

// Build encodes values in layout order. Missing fields encode as zero, except
// bLength and bDescriptorType which default from the layout. The result is
// capped at limit bytes and bLength never exceeds the emitted length.
func Build(l Layout, values map[string]int, limit int) []byte {
	b := make([]byte, 0, l.Len())
	for _, f := range l.Fields {
		v, ok := values[f.Name]
		if !ok {
			switch f.Name {
			case "bLength":
				v = l.Len()
			case "bDescriptorType":
				v = int(l.Type)
			}
		}
		switch f.Size {
		case 1:
			b = append(b, uint8(v))
		case 2:
			b = binary.LittleEndian.AppendUint16(b, uint16(v))
		default:
			panic(fmt.Sprintf("usb: %s field %s has unsupported size %d", l.Name, f.Name, f.Size))
		}
	}
	return capLength(b, limit)
}

// capLength truncates b to limit and shrinks bLength to match.
func capLength(b []byte, limit int) []byte {
	if limit < 0 || len(b) <= limit {
		return b
	}
	b = b[:limit]
	if len(b) > 0 && int(b[0]) > len(b) {
		b[0] = uint8(len(b))
	}
	return b
}

// truncate caps b at limit without touching its content.
func truncate(b []byte, limit int) []byte {
	if limit < 0 || len(b) <= limit {
		return b
	}
	return b[:limit]
}

// DeviceDescriptor represents the standard USB device descriptor.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

func (d DeviceDescriptor) Bytes(limit int) []byte {
	return Build(DeviceLayout, map[string]int{
		"bcdUSB":             int(d.BcdUSB),
		"bDeviceClass":       int(d.BDeviceClass),
		"bDeviceSubClass":    int(d.BDeviceSubClass),
		"bDeviceProtocol":    int(d.BDeviceProtocol),
		"bMaxPacketSize0":    int(d.BMaxPacketSize0),
		"idVendor":           int(d.IDVendor),
		"idProduct":          int(d.IDProduct),
		"bcdDevice":          int(d.BcdDevice),
		"iManufacturer":      int(d.IManufacturer),
		"iProduct":           int(d.IProduct),
		"iSerialNumber":      int(d.ISerialNumber),
		"bNumConfigurations": int(d.BNumConfigurations),
	}, limit)
}

// ConfigurationDescriptor is the 9-byte configuration header.
type ConfigurationDescriptor struct {
	WTotalLength        uint16
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigurationDescriptor) Bytes(limit int) []byte {
	return Build(ConfigurationLayout, map[string]int{
		"wTotalLength":        int(h.WTotalLength),
		"bNumInterfaces":      int(h.BNumInterfaces),
		"bConfigurationValue": int(h.BConfigurationValue),
		"iConfiguration":      int(h.IConfiguration),
		"bmAttributes":        int(h.BMAttributes),
		"bMaxPower":           int(h.BMaxPower),
	}, limit)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Bytes(limit int) []byte {
	return Build(InterfaceLayout, map[string]int{
		"bInterfaceNumber":   int(i.BInterfaceNumber),
		"bAlternateSetting":  int(i.BAlternateSetting),
		"bNumEndpoints":      int(i.BNumEndpoints),
		"bInterfaceClass":    int(i.BInterfaceClass),
		"bInterfaceSubClass": int(i.BInterfaceSubClass),
		"bInterfaceProtocol": int(i.BInterfaceProtocol),
		"iInterface":         int(i.IInterface),
	}, limit)
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

func (e EndpointDescriptor) Bytes(limit int) []byte {
	return Build(EndpointLayout, map[string]int{
		"bEndpointAddress": int(e.BEndpointAddress),
		"bmAttributes":     int(e.BMAttributes),
		"wMaxPacketSize":   int(e.WMaxPacketSize),
		"bInterval":        int(e.BInterval),
	}, limit)
}

// HIDDescriptor (class descriptor, 0x21) with one subordinate report descriptor.
type HIDDescriptor struct {
	BcdHID            uint16
	BCountryCode      uint8
	BNumDescriptors   uint8
	ClassDescType     uint8
	WDescriptorLength uint16
}

func (h HIDDescriptor) Bytes(limit int) []byte {
	return Build(HIDLayout, map[string]int{
		"bcdHID":               int(h.BcdHID),
		"bCountryCode":         int(h.BCountryCode),
		"bNumDescriptors":      int(h.BNumDescriptors),
		"bClassDescriptorType": int(h.ClassDescType),
		"wDescriptorLength":    int(h.WDescriptorLength),
	}, limit)
}

// Fixed carries raw descriptor bytes recovered from a capture. It is emitted
// verbatim, only truncated.
type Fixed []byte

func (f Fixed) Bytes(limit int) []byte {
	return truncate(append([]byte(nil), f...), limit)
}

// Sized concatenates descriptors and applies one wLength cap to the whole
// list. A descriptor cut by the cap is encoded with its own reduced limit.
type Sized []Descriptor

func (s Sized) Bytes(limit int) []byte {
	var out []byte
	for _, d := range s {
		remaining := NoLimit
		if limit >= 0 {
			remaining = limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		out = append(out, d.Bytes(remaining)...)
	}
	return out
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	Descriptor    InterfaceDescriptor
	HIDDescriptor *HIDDescriptor
	Endpoints     []EndpointDescriptor
}

// Configuration is a configuration header followed by its interfaces. The
// header's wTotalLength and bNumInterfaces are computed on encode.
type Configuration struct {
	Header     ConfigurationDescriptor
	Interfaces []InterfaceConfig
}

func (c Configuration) parts() Sized {
	var body Sized
	for _, iface := range c.Interfaces {
		body = append(body, iface.Descriptor)
		if iface.HIDDescriptor != nil {
			body = append(body, *iface.HIDDescriptor)
		}
		for _, ep := range iface.Endpoints {
			body = append(body, ep)
		}
	}
	h := c.Header
	h.WTotalLength = uint16(ConfigDescLen + len(body.Bytes(NoLimit)))
	h.BNumInterfaces = uint8(len(c.Interfaces))
	return append(Sized{h}, body...)
}

func (c Configuration) Bytes(limit int) []byte {
	return c.parts().Bytes(limit)
}
