package testing

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/Alia5/usbreplay/internal/metrics"
	"github.com/Alia5/usbreplay/internal/server/usb"
	usbdev "github.com/Alia5/usbreplay/usb"
	"github.com/Alia5/usbreplay/virtualbus"
)

type MockServer struct {
	UsbServer *usb.Server
	Registry  *virtualbus.Registry
	Addr      string
}

// NewTestServerWithConfig registers devs on bus 1, ports 1.., and serves
// them until the test ends.
func NewTestServerWithConfig(t testing.TB, cfg usb.ServerConfig, m *metrics.Metrics, devs ...usbdev.Device) *MockServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := virtualbus.New()
	for i, d := range devs {
		if _, err := reg.Add(virtualbus.BusID{Bus: 1, Port: uint32(i + 1)}, d); err != nil {
			t.Fatalf("register device %d: %v", i, err)
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	usbServer := usb.New(cfg, reg, logger, nil)
	usbServer.SetMetrics(m)

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbServer.Serve(ln)
	}()
	select {
	case <-usbServer.Ready():
		// ok
	case err := <-usbErrCh:
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		t.Fatalf("USB server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("USB server did not become ready")
	}
	t.Cleanup(func() { _ = usbServer.Close() })

	return &MockServer{
		UsbServer: usbServer,
		Registry:  reg,
		Addr:      ln.Addr().String(),
	}
}

func NewTestServer(t testing.TB, devs ...usbdev.Device) *MockServer {
	t.Helper()

	return NewTestServerWithConfig(t, TestServerConfig(t), nil, devs...)
}

func TestServerConfig(t testing.TB) usb.ServerConfig {
	t.Helper()

	return usb.ServerConfig{
		Addr:              "127.0.0.1:0",
		ConnectionTimeout: 1 * time.Second,
		MaxTransferLength: 4096,
	}
}
