package e2e_test

import (
	"testing"

	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/device"
	th "github.com/Alia5/usbreplay/internal/testing"
	usbiptest "github.com/Alia5/usbreplay/testing"
	"github.com/Alia5/usbreplay/usb"
)

// Round trips over a real TCP connection. Descriptor requests hit the
// standard handlers; the vendor request goes through the similarity search.
func BenchmarkControlReplay(b *testing.B) {
	benches := []struct {
		name  string
		setup usb.Setup
		want  int
	}{
		{"DeviceDescriptor", usb.GetDescriptorSetup(usb.DeviceDescType, 0, 0, 18), 18},
		{"ConfigurationBundle", usb.GetDescriptorSetup(usb.ConfigDescType, 0, 0, 0xff), len(th.HIDConfiguration.Bytes(usb.NoLimit))},
		{"EmulatedVendorRequest", th.VendorSetup, len(th.VendorResponse)},
	}

	srv := usbiptest.NewTestServer(b, device.New(th.Corpus(b, th.HIDCapture())))
	client := usbiptest.NewUsbIpClient(b, srv.Addr)
	res, err := client.AttachDevice("1-1")
	if err != nil {
		b.Fatalf("attach: %v", err)
	}
	defer res.Conn.Close()

	for _, bench := range benches {
		b.Run(bench.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				r, err := client.Control(res.Conn, bench.setup, nil)
				if err != nil {
					b.Fatalf("control: %v", err)
				}
				if len(r.Data) != bench.want {
					b.Fatalf("got %d bytes, want %d", len(r.Data), bench.want)
				}
			}
		})
	}
}

// Endpoint replay scores every recorded interrupt transfer per request.
func BenchmarkEndpointReplay(b *testing.B) {
	frames := th.HIDCapture()
	for i := 0; i < 1000; i++ {
		id := uint64(1000 + i)
		report := []byte{byte(i), byte(i >> 8), 0, 0, 0, 0, 0, 0}
		frames = append(frames,
			capture.Frame{LinkType: capture.LinkTypeUsbmon, Data: th.UsbmonFrame(id, 'S', 1, 0x81, nil, nil)},
			capture.Frame{LinkType: capture.LinkTypeUsbmon, Data: th.UsbmonFrame(id, 'C', 1, 0x81, nil, report)},
		)
	}
	srv := usbiptest.NewTestServer(b, device.New(th.Corpus(b, frames), device.WithReplayEndpoints()))
	client := usbiptest.NewUsbIpClient(b, srv.Addr)
	res, err := client.AttachDevice("1-1")
	if err != nil {
		b.Fatalf("attach: %v", err)
	}
	defer res.Conn.Close()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, err := client.ReadInputReport(res.Conn, 1, 8)
		if err != nil {
			b.Fatalf("interrupt: %v", err)
		}
		if r.Status != 0 || len(r.Data) != 8 {
			b.Fatalf("got status %d with %d bytes", r.Status, len(r.Data))
		}
	}
}
