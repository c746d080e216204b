package cmd_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/device"
	"github.com/Alia5/usbreplay/internal/cmd"
	"github.com/Alia5/usbreplay/internal/server/usb"
	th "github.com/Alia5/usbreplay/internal/testing"
	usbtypes "github.com/Alia5/usbreplay/usb"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func hidPcap(t *testing.T, dir string) string {
	t.Helper()
	var frames [][]byte
	for _, f := range th.HIDCapture() {
		frames = append(frames, f.Data)
	}
	path := th.WritePcap(t, "hid.pcap", capture.LinkTypeUsbmon, frames...)
	if dir == "" {
		return path
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	dest := filepath.Join(dir, "hid.pcap")
	require.NoError(t, os.WriteFile(dest, data, 0o644))
	return dest
}

func TestConfigInitServeTemplate(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "serve.json")
	require.NoError(t, (&cmd.ConfigInit{Command: "serve", Format: "json", Output: out}).Run())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "1-1", got["bus_id"])
	assert.Equal(t, "full", got["speed"])
	assert.Equal(t, false, got["replay_endpoints"])
	assert.Equal(t, 0.85, got["decay"])
	assert.NotContains(t, got, "capture", "positional arguments are not configurable")

	usbCfg, ok := got["usb"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ":3240", usbCfg["addr"])
	assert.Equal(t, "30s", usbCfg["connection_timeout"])
	assert.Equal(t, float64(1048576), usbCfg["max_transfer_length"])
	assert.Equal(t, map[string]any{"addr": ""}, got["metrics"])
}

func TestConfigInitProxyYAML(t *testing.T) {
	out := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, (&cmd.ConfigInit{Command: "proxy", Format: "yml", Output: out}).Run())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, ":3241", got["listen_addr"])
	assert.Equal(t, "", got["upstream_addr"])
	assert.Equal(t, true, got["record"])
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "serve.toml")
	require.NoError(t, os.WriteFile(out, []byte("keep"), 0o644))

	c := &cmd.ConfigInit{Command: "serve", Format: "toml", Output: out}
	require.Error(t, c.Run())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	c.Force = true
	require.NoError(t, c.Run())
	data, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bus_id")
}

func TestCapturesDumpJSON(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dump.json")
	d := &cmd.CapturesDump{Captures: []string{hidPcap(t, "")}, Format: "json", Output: out}
	require.NoError(t, d.Run(discard()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var got struct {
		Pairs  int `json:"pairs"`
		Device struct {
			IDVendor  string `json:"idVendor"`
			IDProduct string `json:"idProduct"`
			Requested int    `json:"requested"`
		} `json:"device"`
		Configurations map[string]struct {
			Value      int `json:"value"`
			Interfaces []struct {
				Class     int      `json:"class"`
				Endpoints []string `json:"endpoints"`
			} `json:"interfaces"`
		} `json:"configurations"`
		Strings []struct {
			Language string `json:"language"`
			Index    int    `json:"index"`
			Text     string `json:"text"`
		} `json:"strings"`
		HIDReports []struct {
			Interface int    `json:"interface"`
			Data      string `json:"data"`
		} `json:"hidReports"`
	}
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, 12, got.Pairs)
	assert.Equal(t, "046d", got.Device.IDVendor)
	assert.Equal(t, "c077", got.Device.IDProduct)
	assert.Equal(t, 18, got.Device.Requested, "the longest device descriptor request wins")

	require.Contains(t, got.Configurations, "0")
	cfg := got.Configurations["0"]
	assert.Equal(t, 1, cfg.Value)
	require.Len(t, cfg.Interfaces, 1)
	assert.Equal(t, 3, cfg.Interfaces[0].Class)
	assert.Equal(t, []string{"81/interrupt"}, cfg.Interfaces[0].Endpoints)

	require.Len(t, got.Strings, 2)
	assert.Equal(t, "0409", got.Strings[0].Language)
	assert.Equal(t, "Logitech", got.Strings[0].Text)
	assert.Equal(t, "USB Optical Mouse", got.Strings[1].Text)

	require.Len(t, got.HIDReports, 1)
	assert.Equal(t, hex.EncodeToString(th.HIDReportDescriptor), got.HIDReports[0].Data)
}

func TestCapturesDumpTOML(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dump.toml")
	d := &cmd.CapturesDump{Captures: []string{hidPcap(t, "")}, Format: "toml", Output: out}
	require.NoError(t, d.Run(discard()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `idVendor = "046d"`)
}

func TestCapturesDumpSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	hidPcap(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a capture"), 0o644))

	out := filepath.Join(t.TempDir(), "dump.json")
	require.NoError(t, (&cmd.CapturesDump{Captures: []string{dir}, Format: "json", Output: out}).Run(discard()))

	junk := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(junk, "notes.txt"), []byte("not a capture"), 0o644))
	assert.Error(t, (&cmd.CapturesDump{Captures: []string{junk}, Format: "json", Output: out}).Run(discard()))
}

func TestServeDevice(t *testing.T) {
	s := &cmd.Serve{Captures: []string{hidPcap(t, "")}, Speed: "high", Decay: 0.85, ReplayEndpoints: true}
	dev, err := s.Device(discard(), nil)
	require.NoError(t, err)

	info := dev.Info()
	assert.Equal(t, uint32(device.SpeedHigh), info.Speed)
	assert.Equal(t, th.HIDDevice.IDVendor, info.Device.IDVendor)

	got, err := dev.HandleTransfer(context.Background(), usbtypes.Transfer{Endpoint: 1, Direction: usbtypes.DirIn, Length: 8})
	require.NoError(t, err)
	assert.Equal(t, th.InterruptReport, got)
}

func TestServeRejectsBadInput(t *testing.T) {
	path := hidPcap(t, "")

	_, err := (&cmd.Serve{Captures: []string{path}, Decay: 0}).Device(discard(), nil)
	assert.Error(t, err)
	_, err = (&cmd.Serve{Captures: []string{path}, Decay: 1.5}).Device(discard(), nil)
	assert.Error(t, err)

	s := &cmd.Serve{Captures: []string{path}, Decay: 0.85, BusID: "one-one"}
	assert.Error(t, s.StartServer(context.Background(), discard(), nil))
}

func TestStartServerStopsOnCancel(t *testing.T) {
	s := &cmd.Serve{
		Captures:        []string{hidPcap(t, "")},
		BusID:           "1-1",
		Speed:           "full",
		Decay:           0.85,
		UsbServerConfig: usb.ServerConfig{Addr: "127.0.0.1:0"},
		Metrics:         cmd.MetricsConfig{Addr: "127.0.0.1:0"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.StartServer(ctx, discard(), nil))
}

func TestStartProxy(t *testing.T) {
	assert.Error(t, (&cmd.Proxy{ListenAddr: "127.0.0.1:0"}).StartProxy(context.Background(), discard(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &cmd.Proxy{ListenAddr: "127.0.0.1:0", UpstreamAddr: "127.0.0.1:1", Record: true}
	assert.NoError(t, p.StartProxy(ctx, discard(), nil))
}
