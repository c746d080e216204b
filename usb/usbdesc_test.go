package usb_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbreplay/usb"
)

func testDevice() usb.DeviceDescriptor {
	return usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BMaxPacketSize0:    64,
		IDVendor:           0x046d,
		IDProduct:          0xc077,
		BcdDevice:          0x7200,
		IManufacturer:      1,
		IProduct:           2,
		BNumConfigurations: 1,
	}
}

func TestDeviceDescriptor_Natural(t *testing.T) {
	b := testDevice().Bytes(usb.NoLimit)
	require.Len(t, b, usb.DeviceDescLen)
	assert.Equal(t, []byte{
		18, 0x01, 0x00, 0x02, 0, 0, 0, 64,
		0x6d, 0x04, 0x77, 0xc0, 0x00, 0x72,
		1, 2, 0, 1,
	}, b)
}

func TestDescriptors_CapLength(t *testing.T) {
	descs := map[string]usb.Descriptor{
		"device":   testDevice(),
		"config":   usb.ConfigurationDescriptor{BConfigurationValue: 1},
		"endpoint": usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: 3, WMaxPacketSize: 8, BInterval: 10},
		"string":   usb.StringDescriptor("Replay"),
		"string0":  usb.String0{usb.LangEnglishUS, 0x0407},
	}
	for name, d := range descs {
		natural := len(d.Bytes(usb.NoLimit))
		for limit := 0; limit <= natural+4; limit++ {
			b := d.Bytes(limit)
			want := min(natural, limit)
			require.Len(t, b, want, "%s limit %d", name, limit)
			if len(b) > 0 {
				assert.LessOrEqual(t, int(b[0]), len(b), "%s limit %d", name, limit)
				assert.LessOrEqual(t, int(b[0]), limit, "%s limit %d", name, limit)
			}
		}
	}
}

func TestBuild_Defaults(t *testing.T) {
	b := usb.Build(usb.EndpointLayout, map[string]int{"bEndpointAddress": 0x81}, usb.NoLimit)
	assert.Equal(t, []byte{7, usb.EndpointDescType, 0x81, 0, 0, 0, 0}, b)

	b = usb.Build(usb.EndpointLayout, map[string]int{"bLength": 5, "bDescriptorType": 0x25}, usb.NoLimit)
	assert.Equal(t, byte(5), b[0])
	assert.Equal(t, byte(0x25), b[1])
}

func TestStringDescriptor(t *testing.T) {
	b := usb.StringDescriptor("Hi").Bytes(usb.NoLimit)
	assert.Equal(t, []byte{6, 0x03, 'H', 0, 'i', 0}, b)
	assert.Equal(t, "Hi", usb.DecodeStringDescriptor(b))

	assert.Equal(t, []byte{4, 0x03, 0x09, 0x04}, usb.String0{usb.LangEnglishUS}.Bytes(usb.NoLimit))
	assert.Equal(t, []uint16{usb.LangEnglishUS}, usb.DecodeLanguages([]byte{4, 0x03, 0x09, 0x04}))
}

func TestStringDescriptor_ClampsLength(t *testing.T) {
	b := usb.StringDescriptor(strings.Repeat("a", 200)).Bytes(usb.NoLimit)
	require.Len(t, b, 254)
	assert.Equal(t, uint8(254), b[0])
	assert.Equal(t, strings.Repeat("a", 126), usb.DecodeStringDescriptor(b))

	langs := make(usb.String0, 200)
	b = langs.Bytes(usb.NoLimit)
	require.Len(t, b, 254)
	assert.Equal(t, uint8(254), b[0])
}

func TestDecodeStringDescriptor_Truncated(t *testing.T) {
	assert.Equal(t, "", usb.DecodeStringDescriptor(nil))
	assert.Equal(t, "H", usb.DecodeStringDescriptor([]byte{6, 0x03, 'H', 0, 'i'}))
	assert.Equal(t, "H", usb.DecodeStringDescriptor([]byte{4, 0x03, 'H', 0, 'i', 0}))
}

func TestFixed_TruncatesVerbatim(t *testing.T) {
	raw := usb.Fixed{0x05, 0x01, 0x09, 0x02, 0xa1, 0x01}
	assert.Equal(t, []byte{0x05, 0x01, 0x09}, raw.Bytes(3))
	assert.Equal(t, []byte(raw), raw.Bytes(usb.NoLimit))
}

func TestSized_CapsConcatenation(t *testing.T) {
	s := usb.Sized{
		usb.ConfigurationDescriptor{WTotalLength: 16, BNumInterfaces: 1},
		usb.EndpointDescriptor{BEndpointAddress: 0x81},
	}
	assert.Len(t, s.Bytes(usb.NoLimit), 16)

	b := s.Bytes(12)
	require.Len(t, b, 12)
	assert.Equal(t, byte(9), b[0])
	assert.Equal(t, byte(3), b[9], "second descriptor bLength shrinks to its share")

	assert.Len(t, s.Bytes(9), 9)
	assert.Empty(t, s.Bytes(0))
}

func TestConfiguration_ComputesTotals(t *testing.T) {
	cfg := usb.Configuration{
		Header: usb.ConfigurationDescriptor{BConfigurationValue: 1, BMAttributes: 0x80, BMaxPower: 50},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor:    usb.InterfaceDescriptor{BNumEndpoints: 1, BInterfaceClass: 3},
			HIDDescriptor: &usb.HIDDescriptor{BcdHID: 0x0111, BNumDescriptors: 1, ClassDescType: usb.ReportDescType, WDescriptorLength: 52},
			Endpoints:     []usb.EndpointDescriptor{{BEndpointAddress: 0x81, BMAttributes: 3, WMaxPacketSize: 8, BInterval: 10}},
		}},
	}
	b := cfg.Bytes(usb.NoLimit)
	require.Len(t, b, 9+9+9+7)
	assert.Equal(t, byte(34), b[2])
	assert.Equal(t, byte(1), b[4])

	assert.Len(t, cfg.Bytes(9), 9)

	parsed, err := usb.ParseConfiguration(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), parsed.Value)
	require.Len(t, parsed.Interfaces, 1)
	assert.Equal(t, uint8(3), parsed.Interfaces[0].BInterfaceClass)
	ep, ok := parsed.Endpoint(1, usb.DirIn)
	require.True(t, ok)
	assert.Equal(t, usb.TransferInterrupt, ep.TransferType())
}

func TestParseConfiguration_Truncated(t *testing.T) {
	cfg := usb.Configuration{
		Header:     usb.ConfigurationDescriptor{BConfigurationValue: 2},
		Interfaces: []usb.InterfaceConfig{{Descriptor: usb.InterfaceDescriptor{BInterfaceClass: 0xff}}},
	}
	b := cfg.Bytes(9)
	parsed, err := usb.ParseConfiguration(b)
	require.ErrorIs(t, err, usb.ErrTruncatedDescriptor)
	assert.Equal(t, uint8(2), parsed.Value)
	assert.Empty(t, parsed.Interfaces)

	_, err = usb.ParseConfiguration([]byte{9, 0x02})
	require.ErrorIs(t, err, usb.ErrTruncatedDescriptor)
}

func TestParseDeviceDescriptor_Partial(t *testing.T) {
	full := testDevice().Bytes(usb.NoLimit)
	assert.Equal(t, testDevice(), usb.ParseDeviceDescriptor(full))

	partial := usb.ParseDeviceDescriptor(full[:8])
	assert.Equal(t, uint8(64), partial.BMaxPacketSize0)
	assert.Zero(t, partial.IDVendor)
}
