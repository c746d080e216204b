package capture_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbreplay/capture"
	th "github.com/Alia5/usbreplay/internal/testing"
	"github.com/Alia5/usbreplay/usb"
)

func deviceDescriptorSetup() usb.Setup {
	return usb.GetDescriptorSetup(usb.DeviceDescType, 0, 0, 18)
}

func TestFromUsbmonSubmitAndComplete(t *testing.T) {
	salt := capture.NewSalt()
	raw := deviceDescriptorSetup().Bytes()

	sub, err := capture.FromUsbmon(capture.LinkTypeUsbmon, th.UsbmonFrame(7, 'S', 2, 0x80, &raw, nil), salt)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), sub.ID)
	assert.Equal(t, capture.StageSubmit, sub.Stage)
	assert.Equal(t, usb.TransferControl, sub.TransferType)
	assert.Equal(t, usb.DirIn, sub.Direction)
	assert.Equal(t, uint8(0), sub.Endpoint)
	assert.Equal(t, raw, sub.Setup)
	assert.Equal(t, usb.DeviceGetDescriptor, sub.DecodedSetup().Kind)
	assert.Empty(t, sub.Payload)

	payload := []byte{18, 1, 0, 2, 0, 0, 0, 64}
	done, err := capture.FromUsbmon(capture.LinkTypeUsbmon, th.UsbmonFrame(7, 'C', 2, 0x80, nil, payload), salt)
	require.NoError(t, err)
	assert.Equal(t, capture.StageComplete, done.Stage)
	assert.Equal(t, payload, done.Payload)
	assert.Equal(t, sub.Key(), done.Key())
}

func TestFromUsbmonInterrupt(t *testing.T) {
	tr, err := capture.FromUsbmon(capture.LinkTypeUsbmon, th.UsbmonFrame(1, 'C', 1, 0x81, nil, []byte{1, 2, 3}), capture.NewSalt())
	require.NoError(t, err)
	assert.Equal(t, usb.TransferInterrupt, tr.TransferType)
	assert.Equal(t, uint8(1), tr.Endpoint)
	assert.Equal(t, usb.DirIn, tr.Direction)
	assert.Equal(t, []byte{1, 2, 3}, tr.Payload)
}

func TestUsbmonLinkTypes(t *testing.T) {
	assert.Equal(t, layers.LinkType(189), capture.LinkTypeUsbmon)
	assert.Equal(t, layers.LinkType(220), capture.LinkTypeUsbmonMmapped)
	assert.Equal(t, layers.LinkType(249), capture.LinkTypeUSBPcap)
}

func TestFromUsbmonMmapped(t *testing.T) {
	salt := capture.NewSalt()
	raw := deviceDescriptorSetup().Bytes()

	sub, err := capture.Normalize(capture.Frame{
		LinkType: capture.LinkTypeUsbmonMmapped,
		Data:     th.UsbmonMmappedFrame(9, 'S', 2, 0x80, &raw, nil),
	}, salt)
	require.NoError(t, err)
	assert.Equal(t, capture.StageSubmit, sub.Stage)
	assert.Equal(t, raw, sub.Setup)
	assert.Empty(t, sub.Payload)

	payload := []byte{18, 1, 0, 2, 0, 0, 0, 64}
	done, err := capture.Normalize(capture.Frame{
		LinkType: capture.LinkTypeUsbmonMmapped,
		Data:     th.UsbmonMmappedFrame(9, 'C', 2, 0x80, nil, payload),
	}, salt)
	require.NoError(t, err)
	assert.Equal(t, capture.StageComplete, done.Stage)
	assert.Equal(t, payload, done.Payload, "payload starts after the 64-byte header")
	assert.Equal(t, sub.Key(), done.Key())

	// A legacy-length record is too short for the mmapped layout.
	_, err = capture.FromUsbmon(capture.LinkTypeUsbmonMmapped, make([]byte, 48), salt)
	assert.ErrorIs(t, err, capture.ErrSkipFrame)
}

func TestFromUsbmonSkips(t *testing.T) {
	salt := capture.NewSalt()
	_, err := capture.FromUsbmon(capture.LinkTypeUsbmon, make([]byte, 20), salt)
	assert.ErrorIs(t, err, capture.ErrSkipFrame)

	_, err = capture.FromUsbmon(capture.LinkTypeUsbmon, th.UsbmonFrame(1, 'S', 0, 0x81, nil, nil), salt)
	assert.ErrorIs(t, err, capture.ErrSkipFrame, "isochronous")

	_, err = capture.FromUsbmon(capture.LinkTypeUsbmon, th.UsbmonFrame(1, 'X', 2, 0, nil, nil), salt)
	assert.ErrorIs(t, err, capture.ErrSkipFrame, "unknown event")
}

func TestFromUsbmonPayloadCappedByDataLength(t *testing.T) {
	frame := th.UsbmonFrame(3, 'C', 3, 0x82, nil, []byte{1, 2, 3, 4})
	frame = append(frame, 0xee, 0xee)
	tr, err := capture.FromUsbmon(capture.LinkTypeUsbmon, frame, capture.NewSalt())
	require.NoError(t, err)
	assert.Equal(t, usb.TransferBulk, tr.TransferType)
	assert.Equal(t, []byte{1, 2, 3, 4}, tr.Payload)
}

func TestFromUSBPcapControlStages(t *testing.T) {
	salt := capture.NewSalt()
	raw := deviceDescriptorSetup().Bytes()

	setupStage := th.USBPcapFrame(0xabc, false, 2, 0x80, 0, raw[:])
	sub, err := capture.FromUSBPcap(setupStage, salt)
	require.NoError(t, err)
	assert.Equal(t, capture.StageSubmit, sub.Stage)
	assert.Equal(t, raw, sub.Setup)
	assert.Empty(t, sub.Payload)
	assert.Equal(t, uint64(0xabc), sub.ID)

	dataStage := th.USBPcapFrame(0xabc, true, 2, 0x80, 1, []byte{18, 1})
	_, err = capture.FromUSBPcap(dataStage, salt)
	assert.ErrorIs(t, err, capture.ErrSkipFrame)

	complete := th.USBPcapFrame(0xabc, true, 2, 0x80, 3, []byte{18, 1, 0, 2})
	done, err := capture.FromUSBPcap(complete, salt)
	require.NoError(t, err)
	assert.Equal(t, capture.StageComplete, done.Stage)
	assert.Equal(t, []byte{18, 1, 0, 2}, done.Payload)
	assert.Equal(t, usb.DirIn, done.Direction)
}

func TestFromUSBPcapInterrupt(t *testing.T) {
	tr, err := capture.FromUSBPcap(th.USBPcapFrame(9, true, 1, 0x81, 0, []byte{5, 6}), capture.NewSalt())
	require.NoError(t, err)
	assert.Equal(t, usb.TransferInterrupt, tr.TransferType)
	assert.Equal(t, capture.StageComplete, tr.Stage)
	assert.Equal(t, uint8(1), tr.Endpoint)
	assert.Equal(t, []byte{5, 6}, tr.Payload)

	_, err = capture.FromUSBPcap(th.USBPcapFrame(9, true, 0, 0x81, 0, nil), capture.NewSalt())
	assert.ErrorIs(t, err, capture.ErrSkipFrame, "isochronous")
}

func TestCorpusPairsSubmitWithComplete(t *testing.T) {
	resp := []byte{18, 1, 0, 2}
	c := th.Corpus(t, th.ControlExchange(1, deviceDescriptorSetup(), resp))

	pairs := c.Pairs()
	require.Len(t, pairs, 1)
	got, ok := pairs[0].Response()
	require.True(t, ok)
	assert.Equal(t, resp, got)
}

func TestCorpusUnansweredSubmit(t *testing.T) {
	c := th.Corpus(t, th.ControlExchange(1, deviceDescriptorSetup(), nil))
	pairs := c.Pairs()
	require.Len(t, pairs, 1)
	_, ok := pairs[0].Response()
	assert.False(t, ok)
}

func TestCorpusSaltsSeparateSources(t *testing.T) {
	a := th.ControlExchange(1, deviceDescriptorSetup(), []byte{1})
	b := th.ControlExchange(1, deviceDescriptorSetup(), []byte{2})
	c := th.Corpus(t, a, b)

	pairs := c.Pairs()
	require.Len(t, pairs, 2)
	r0, _ := pairs[0].Response()
	r1, _ := pairs[1].Response()
	assert.Equal(t, []byte{1}, r0)
	assert.Equal(t, []byte{2}, r1)
	assert.NotEqual(t, pairs[0].Submit.Salt, pairs[1].Submit.Salt)
}

func TestCorpusReusedIDOpensNewPair(t *testing.T) {
	src := append(th.ControlExchange(5, deviceDescriptorSetup(), []byte{1}),
		th.ControlExchange(5, deviceDescriptorSetup(), []byte{2})...)
	c := th.Corpus(t, src)

	pairs := c.Pairs()
	require.Len(t, pairs, 2)
	r0, _ := pairs[0].Response()
	r1, _ := pairs[1].Response()
	assert.Equal(t, []byte{1}, r0)
	assert.Equal(t, []byte{2}, r1)
}

func TestCorpusOrphanCompleteAndErrorFrames(t *testing.T) {
	raw := deviceDescriptorSetup().Bytes()
	src := capture.Frames{
		{LinkType: capture.LinkTypeUsbmon, Data: th.UsbmonFrame(9, 'C', 2, 0x80, nil, []byte{1})},
		{LinkType: capture.LinkTypeUsbmon, Data: th.UsbmonFrame(4, 'S', 2, 0x80, &raw, nil)},
		{LinkType: capture.LinkTypeUsbmon, Data: th.UsbmonFrame(4, 'E', 2, 0x80, nil, nil)},
		{LinkType: capture.LinkTypeUsbmon, Data: th.UsbmonFrame(4, 'C', 2, 0x80, nil, []byte{2})},
	}
	c := capture.NewCorpus()
	st, err := c.Ingest(&src, capture.NewSalt())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Frames)
	assert.Equal(t, 0, st.Dropped)
	assert.Equal(t, 0, st.Paired)

	pairs := c.Pairs()
	require.Len(t, pairs, 1)
	_, ok := pairs[0].Response()
	assert.False(t, ok, "completion after an error frame must not pair")
}

func TestCorpusIngestCountsDropped(t *testing.T) {
	src := append(capture.Frames{{LinkType: 1, Data: []byte{1, 2, 3}}},
		th.ControlExchange(1, deviceDescriptorSetup(), []byte{9})...)
	c := capture.NewCorpus()
	st, err := c.Ingest(&src, capture.NewSalt())
	require.NoError(t, err)
	assert.Equal(t, capture.IngestStats{Frames: 3, Dropped: 1, Paired: 1}, st)
}

func TestPairsSnapshotIsDetached(t *testing.T) {
	c := th.Corpus(t, th.ControlExchange(1, deviceDescriptorSetup(), nil))
	snap := c.Pairs()
	snap[0].Complete = &capture.Transaction{}
	_, ok := c.Pairs()[0].Response()
	assert.False(t, ok)
}

func TestIngestPcapFile(t *testing.T) {
	raw := deviceDescriptorSetup().Bytes()
	path := th.WritePcap(t, "dev.pcap", capture.LinkTypeUsbmon,
		th.UsbmonFrame(11, 'S', 2, 0x80, &raw, nil),
		th.UsbmonFrame(11, 'C', 2, 0x80, nil, []byte{18, 1, 0, 2}),
	)

	src, err := capture.OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, capture.LinkTypeUsbmon, src.LinkType())
	require.NoError(t, src.Close())

	c := capture.NewCorpus()
	st, err := c.IngestFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Frames)
	assert.Equal(t, 1, st.Paired)
	require.Equal(t, 1, c.Len())
}

func TestIngestMmappedPcapFile(t *testing.T) {
	raw := deviceDescriptorSetup().Bytes()
	path := th.WritePcap(t, "mmapped.pcap", capture.LinkTypeUsbmonMmapped,
		th.UsbmonMmappedFrame(12, 'S', 2, 0x80, &raw, nil),
		th.UsbmonMmappedFrame(12, 'C', 2, 0x80, nil, []byte{18, 1, 0, 2}),
	)

	c := capture.NewCorpus()
	st, err := c.IngestFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Paired)
	pairs := c.Pairs()
	require.Len(t, pairs, 1)
	resp, ok := pairs[0].Response()
	require.True(t, ok)
	assert.Equal(t, []byte{18, 1, 0, 2}, resp)
}

func TestOpenFileErrors(t *testing.T) {
	_, err := capture.OpenFile(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not a capture"), 0o644))
	_, err = capture.OpenFile(junk)
	assert.Error(t, err)
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.pcap"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pcap"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	single := filepath.Join(t.TempDir(), "c.pcapng")
	require.NoError(t, os.WriteFile(single, nil, 0o644))

	got, err := capture.ExpandPaths(dir, single)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.pcap"), filepath.Join(dir, "b.pcap"), single}, got)

	_, err = capture.ExpandPaths(t.TempDir())
	assert.Error(t, err)
	_, err = capture.ExpandPaths(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}
