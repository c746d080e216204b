package testing

import (
	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/usb"
)

// Descriptors of the HID device recorded by HIDCapture.
var (
	HIDDevice = usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BMaxPacketSize0:    0x40,
		IDVendor:           0x046d,
		IDProduct:          0xc077,
		BcdDevice:          0x7200,
		IManufacturer:      1,
		IProduct:           2,
		BNumConfigurations: 1,
	}
	HIDReportDescriptor = []byte{0x05, 0x01, 0x09, 0x02, 0xa1, 0x01, 0xc0}
	HIDConfiguration    = usb.Configuration{
		Header: usb.ConfigurationDescriptor{BConfigurationValue: 1, BMAttributes: 0xa0, BMaxPower: 50},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor: usb.InterfaceDescriptor{BInterfaceNumber: 0, BNumEndpoints: 1, BInterfaceClass: 0x03, BInterfaceSubClass: 0x01, BInterfaceProtocol: 0x02},
			HIDDescriptor: &usb.HIDDescriptor{
				BcdHID:            0x0111,
				BNumDescriptors:   1,
				ClassDescType:     usb.ReportDescType,
				WDescriptorLength: 7,
			},
			Endpoints: []usb.EndpointDescriptor{{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 8, BInterval: 10}},
		}},
	}
	// VendorSetup is a vendor request answered with VendorResponse.
	VendorSetup    = usb.NewSetup(0xc0, 0x01, 0x0000, 0x0002, 4)
	VendorResponse = []byte{0xde, 0xad, 0xbe, 0xef}
	// UnansweredSetup was submitted but never completed.
	UnansweredSetup = usb.NewSetup(0xc0, 0x02, 0x0000, 0x0000, 2)
	// InterruptReport is recorded on endpoint 0x81.
	InterruptReport = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
)

// HIDCapture records the enumeration of a HID mouse followed by one vendor
// request, an unanswered request and one interrupt report.
func HIDCapture() capture.Frames {
	cfg := HIDConfiguration.Bytes(usb.NoLimit)
	hidReport := usb.NewSetup(usb.RequestDirIn|usb.RecipientInterface, usb.RequestGetDescriptor, uint16(usb.ReportDescType)<<8, 0, 0x47)

	var f capture.Frames
	id := uint64(0)
	add := func(s usb.Setup, resp []byte) {
		id++
		f = append(f, ControlExchange(id, s, resp)...)
	}
	add(usb.GetDescriptorSetup(usb.DeviceDescType, 0, 0, 8), HIDDevice.Bytes(8))
	add(usb.GetDescriptorSetup(usb.DeviceDescType, 0, 0, 18), HIDDevice.Bytes(usb.NoLimit))
	add(usb.GetDescriptorSetup(usb.ConfigDescType, 0, 0, 9), cfg[:9])
	add(usb.GetDescriptorSetup(usb.ConfigDescType, 0, 0, uint16(len(cfg))), cfg)
	add(usb.GetDescriptorSetup(usb.StringDescType, 0, 0, 255), usb.String0{usb.LangEnglishUS}.Bytes(usb.NoLimit))
	add(usb.GetDescriptorSetup(usb.StringDescType, 1, usb.LangEnglishUS, 255), usb.EncodeStringDescriptor("Logitech"))
	add(usb.GetDescriptorSetup(usb.StringDescType, 2, usb.LangEnglishUS, 255), usb.EncodeStringDescriptor("USB Optical Mouse"))
	add(usb.NewSetup(0x00, usb.RequestSetConfiguration, 1, 0, 0), []byte{})
	add(hidReport, HIDReportDescriptor)
	add(VendorSetup, VendorResponse)
	add(UnansweredSetup, nil)

	id++
	f = append(f,
		capture.Frame{LinkType: capture.LinkTypeUsbmon, Data: UsbmonFrame(id, 'S', 1, 0x81, nil, nil)},
		capture.Frame{LinkType: capture.LinkTypeUsbmon, Data: UsbmonFrame(id, 'C', 1, 0x81, nil, InterruptReport)},
	)
	return f
}
