package proxy_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/device"
	"github.com/Alia5/usbreplay/internal/server/proxy"
	th "github.com/Alia5/usbreplay/internal/testing"
	usbiptest "github.com/Alia5/usbreplay/testing"
	"github.com/Alia5/usbreplay/usb"
	"github.com/Alia5/usbreplay/usbip"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func frame(t *testing.T, w interface{ Write(io.Writer) error }) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, w.Write(&b))
	return b.Bytes()
}

// feed hands data to p in chunks of size n.
func feed(p *proxy.Parser, data []byte, n int) {
	for len(data) > 0 {
		k := min(n, len(data))
		p.Parse(data[:k])
		data = data[k:]
	}
}

func importExchange(t *testing.T, c2s, s2c *proxy.Parser) {
	t.Helper()
	req := frame(t, &usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport})
	req = append(req, make([]byte, usbip.BusIDLen)...)
	copy(req[usbip.MgmtHeaderLen:], "1-1")
	feed(c2s, req, 7)

	rep := frame(t, &usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport})
	var rec bytes.Buffer
	exp := usbip.NewExportedDevice(usbip.ExportMeta{}, usb.Info{Device: th.HIDDevice})
	require.NoError(t, exp.WriteImport(&rec))
	feed(s2c, append(rep, rec.Bytes()...), 100)
}

func TestParserRecordsFragmentedURBs(t *testing.T) {
	corpus := capture.NewCorpus()
	sess := proxy.NewRecorder(corpus, discard()).Session()
	c2s := proxy.NewParser(discard(), true, sess)
	s2c := proxy.NewParser(discard(), false, sess)
	importExchange(t, c2s, s2c)

	setReport := usb.NewSetup(0x21, usb.Request(0x09), 0x0200, 0, 2)
	out := frame(t, &usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 1, Dir: usbip.DirOut},
		TransferBufferLen: 2,
		Setup:             setReport.Bytes(),
	})
	out = append(out, 0x01, 0x02)
	feed(c2s, out, 1)
	feed(s2c, frame(t, &usbip.RetSubmit{Basic: usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 1}, ActualLength: 2}), 5)

	desc := usb.GetDescriptorSetup(usb.DeviceDescType, 0, 0, 18)
	feed(c2s, frame(t, &usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 2, Dir: usbip.DirIn},
		TransferBufferLen: 18,
		Setup:             desc.Bytes(),
	}), 13)
	ret := (&usbip.RetSubmit{Basic: usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 2}, ActualLength: 18}).Reply(th.HIDDevice.Bytes(usb.NoLimit))
	feed(s2c, ret, 20)

	pairs := corpus.Pairs()
	require.Len(t, pairs, 2)

	assert.Equal(t, usb.TransferControl, pairs[0].Submit.TransferType)
	assert.Equal(t, usb.DirOut, pairs[0].Submit.Direction)
	assert.Equal(t, []byte{0x01, 0x02}, pairs[0].Submit.Payload)
	resp, ok := pairs[0].Response()
	require.True(t, ok)
	assert.Empty(t, resp, "OUT completions carry no payload")

	assert.Equal(t, desc.Bytes(), pairs[1].Submit.Setup)
	resp, ok = pairs[1].Response()
	require.True(t, ok)
	assert.Equal(t, th.HIDDevice.Bytes(usb.NoLimit), resp)
	assert.Equal(t, pairs[1].Submit.Salt, pairs[0].Submit.Salt)
}

func TestParserClosesUnlinkedURB(t *testing.T) {
	corpus := capture.NewCorpus()
	sess := proxy.NewRecorder(corpus, discard()).Session()
	c2s := proxy.NewParser(discard(), true, sess)
	s2c := proxy.NewParser(discard(), false, sess)
	importExchange(t, c2s, s2c)

	feed(c2s, frame(t, &usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 5, Dir: usbip.DirIn, Ep: 1},
		TransferBufferLen: 8,
	}), 48)
	feed(c2s, frame(t, &usbip.CmdUnlink{Basic: usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 6}, UnlinkSeqnum: 5}), 48)
	feed(s2c, frame(t, &usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: 6}, Status: usbip.ECONNRESET}), 48)
	// A late completion of the unlinked URB is not recorded.
	late := (&usbip.RetSubmit{Basic: usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 5}, ActualLength: 8}).Reply(th.InterruptReport)
	feed(s2c, late, 56)

	// Framing survives the late payload.
	feed(c2s, frame(t, &usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Dir: usbip.DirIn},
		TransferBufferLen: 4,
		Setup:             th.VendorSetup.Bytes(),
	}), 48)
	feed(s2c, (&usbip.RetSubmit{Basic: usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 7}, ActualLength: 4}).Reply(th.VendorResponse), 52)

	pairs := corpus.Pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, usb.TransferInterrupt, pairs[0].Submit.TransferType)
	assert.Nil(t, pairs[0].Complete)
	resp, ok := pairs[1].Response()
	require.True(t, ok)
	assert.Equal(t, th.VendorResponse, resp)
}

func TestParserStopsOnGarbage(t *testing.T) {
	corpus := capture.NewCorpus()
	sess := proxy.NewRecorder(corpus, discard()).Session()
	c2s := proxy.NewParser(discard(), true, sess)

	c2s.Parse([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0})
	c2s.Parse(frame(t, &usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}))
	assert.Equal(t, 0, corpus.Len())
}

func TestNilSessionOnlyLogs(t *testing.T) {
	var rec *proxy.Recorder
	p := proxy.NewParser(discard(), true, rec.Session())
	p.Parse(frame(t, &usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}))
	p.Parse(make([]byte, usbip.BusIDLen))
	p.Parse(frame(t, &usbip.CmdSubmit{Basic: usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 1, Dir: usbip.DirIn}}))
}

func TestProxyRecordsReplayableCapture(t *testing.T) {
	upstream := usbiptest.NewTestServer(t, device.New(th.Corpus(t, th.HIDCapture())))

	corpus := capture.NewCorpus()
	p := proxy.New("127.0.0.1:0", upstream.Addr, time.Second, discard(), nil)
	p.SetRecorder(proxy.NewRecorder(corpus, discard()))
	errCh := make(chan error, 1)
	go func() { errCh <- p.ListenAndServe() }()
	select {
	case <-p.Ready():
	case err := <-errCh:
		t.Fatalf("proxy failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not become ready")
	}
	t.Cleanup(func() { _ = p.Close() })

	client := usbiptest.NewUsbIpClient(t, p.Addr().String())
	devs, err := client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)

	res, err := client.AttachDevice("1-1")
	require.NoError(t, err)
	defer res.Conn.Close()

	r, err := client.Control(res.Conn, usb.GetDescriptorSetup(usb.DeviceDescType, 0, 0, 18), nil)
	require.NoError(t, err)
	require.Equal(t, th.HIDDevice.Bytes(usb.NoLimit), r.Data)
	r, err = client.Control(res.Conn, usb.GetDescriptorSetup(usb.ConfigDescType, 0, 0, 0xff), nil)
	require.NoError(t, err)
	require.Equal(t, th.HIDConfiguration.Bytes(usb.NoLimit), r.Data)
	r, err = client.Control(res.Conn, th.UnansweredSetup, nil)
	require.NoError(t, err)
	require.Equal(t, int32(usbip.EPIPE), r.Status)

	require.Equal(t, 3, corpus.Len())
	pairs := corpus.Pairs()
	assert.Nil(t, pairs[2].Complete, "stalled URBs are recorded without a response")

	// The recording replays like the original device.
	replay := device.New(corpus)
	got, err := replay.HandleTransfer(context.Background(), usb.Transfer{
		Direction: usb.DirIn,
		Setup:     usb.GetDescriptorSetup(usb.DeviceDescType, 0, 0, 18).Bytes(),
		Length:    18,
	})
	require.NoError(t, err)
	assert.Equal(t, th.HIDDevice.Bytes(usb.NoLimit), got)
	assert.Equal(t, th.HIDDevice.IDProduct, replay.Profile().Device.IDProduct)
}
