package device

import (
	"github.com/Alia5/usbreplay/analysis"
	"github.com/Alia5/usbreplay/usb"
)

const (
	configAttrBusPowered = 0x80
	configMaxPower100mA  = 50 // In units of 2mA
)

// Profile is what the emulated device knows about itself. It is built once
// from recovered descriptors and never modified.
type Profile struct {
	Descriptors analysis.Descriptors
	// Device holds the fields of the recovered device descriptor, or a
	// placeholder when none was recorded.
	Device usb.DeviceDescriptor
	// Config is the parsed configuration at index 0.
	Config    usb.ConfigSummary
	Languages []uint16
}

// NewProfile parses the recovered device and first configuration descriptor.
func NewProfile(d analysis.Descriptors) *Profile {
	p := &Profile{
		Descriptors: d,
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    0x40,
			BNumConfigurations: 1,
		},
		Config:    usb.ConfigSummary{Value: 1},
		Languages: d.Languages(),
	}
	if d.Device != nil {
		p.Device = usb.ParseDeviceDescriptor(d.Device.Data)
	}
	if r, ok := d.Configurations[0]; ok {
		// A truncated bundle still yields the interfaces it covers.
		if cfg, err := usb.ParseConfiguration(r.Data); err == nil || len(cfg.Interfaces) > 0 {
			p.Config = cfg
		}
	}
	if len(p.Languages) == 0 {
		p.Languages = []uint16{usb.LangEnglishUS}
	}
	return p
}

func (p *Profile) deviceDescriptor() usb.Descriptor {
	if p.Descriptors.Device != nil {
		return usb.Fixed(p.Descriptors.Device.Data)
	}
	return p.Device
}

func (p *Profile) configuration(index uint8) usb.Descriptor {
	if r, ok := p.Descriptors.Configurations[index]; ok {
		return usb.Fixed(r.Data)
	}
	return usb.Configuration{Header: usb.ConfigurationDescriptor{
		BConfigurationValue: index + 1,
		BMAttributes:        configAttrBusPowered,
		BMaxPower:           configMaxPower100mA,
	}}
}

func (p *Profile) stringDescriptor(language uint16, index uint8) usb.Descriptor {
	if index == 0 {
		return usb.String0(p.Languages)
	}
	r, ok := p.Descriptors.Strings[analysis.StringKey{Language: language, Index: index}]
	if !ok {
		return usb.StringDescriptor("")
	}
	return usb.StringDescriptor(r.Text())
}

func (p *Profile) report(iface, index uint8) (usb.Descriptor, bool) {
	r, ok := p.Descriptors.HIDReports[analysis.ReportKey{Interface: iface, Index: index}]
	if !ok {
		return nil, false
	}
	return usb.Fixed(r.Data), true
}

// transferType looks up the type of a non-control endpoint. Endpoints the
// configuration does not describe are assumed to be interrupt endpoints.
func (p *Profile) transferType(num uint8, dir usb.Direction) usb.TransferType {
	if ep, ok := p.Config.Endpoint(num, dir); ok {
		return ep.TransferType()
	}
	return usb.TransferInterrupt
}
