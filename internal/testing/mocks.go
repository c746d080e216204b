// Package testing builds synthetic captures for package tests.
package testing

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/usb"
)

// UsbmonFrame encodes a 48-byte-header usbmon record.
func UsbmonFrame(id uint64, event byte, xfer uint8, epAddr uint8, setup *[8]byte, payload []byte) []byte {
	b := make([]byte, 48+len(payload))
	binary.LittleEndian.PutUint64(b[0:8], id)
	b[8] = event
	b[9] = xfer
	b[10] = epAddr
	b[11] = 2
	binary.LittleEndian.PutUint16(b[12:14], 1)
	b[14] = '-'
	if setup != nil {
		b[14] = 0
		copy(b[40:48], setup[:])
	}
	b[15] = '<'
	if len(payload) > 0 {
		b[15] = 0
	}
	binary.LittleEndian.PutUint32(b[32:36], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b[36:40], uint32(len(payload)))
	copy(b[48:], payload)
	return b
}

// UsbmonMmappedFrame encodes the same record with the 64-byte mmapped
// header; the extra 16 header bytes are left zero.
func UsbmonMmappedFrame(id uint64, event byte, xfer uint8, epAddr uint8, setup *[8]byte, payload []byte) []byte {
	legacy := UsbmonFrame(id, event, xfer, epAddr, setup, payload)
	b := make([]byte, 64+len(payload))
	copy(b, legacy[:48])
	copy(b[64:], payload)
	return b
}

// USBPcapFrame encodes a USBPcap record. stage is ignored for non-control
// transfers.
func USBPcapFrame(irp uint64, fromDevice bool, xfer uint8, epAddr uint8, stage uint8, data []byte) []byte {
	hdrLen := 27
	if xfer == 2 {
		hdrLen = 28
	}
	b := make([]byte, hdrLen+len(data))
	binary.LittleEndian.PutUint16(b[0:2], uint16(hdrLen))
	binary.LittleEndian.PutUint64(b[2:10], irp)
	if fromDevice {
		b[16] = 1
	}
	binary.LittleEndian.PutUint16(b[17:19], 1)
	binary.LittleEndian.PutUint16(b[19:21], 3)
	b[21] = epAddr
	b[22] = xfer
	binary.LittleEndian.PutUint32(b[23:27], uint32(len(data)))
	if xfer == 2 {
		b[27] = stage
	}
	copy(b[hdrLen:], data)
	return b
}

// ControlExchange returns the usbmon submit and complete frames of one
// control transfer. A nil response leaves the transfer unanswered.
func ControlExchange(id uint64, setup usb.Setup, response []byte) capture.Frames {
	raw := setup.Bytes()
	epAddr := uint8(0)
	if setup.In() {
		epAddr = 0x80
	}
	frames := capture.Frames{{
		LinkType: capture.LinkTypeUsbmon,
		Data:     UsbmonFrame(id, 'S', 2, epAddr, &raw, nil),
	}}
	if response != nil {
		frames = append(frames, capture.Frame{
			LinkType: capture.LinkTypeUsbmon,
			Data:     UsbmonFrame(id, 'C', 2, epAddr, nil, response),
		})
	}
	return frames
}

// Corpus ingests each frame list as its own capture source.
func Corpus(t testing.TB, sources ...capture.Frames) *capture.Corpus {
	t.Helper()
	c := capture.NewCorpus()
	for i := range sources {
		if _, err := c.Ingest(&sources[i], capture.NewSalt()); err != nil {
			t.Fatalf("ingest source %d: %v", i, err)
		}
	}
	return c
}

// WritePcap writes frames to a pcap file in a temp dir and returns its path.
func WritePcap(t testing.TB, name string, linkType layers.LinkType, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create pcap: %v", err)
	}
	defer f.Close()
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, linkType); err != nil {
		t.Fatalf("write pcap header: %v", err)
	}
	ts := time.Unix(1700000000, 0)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("write pcap packet: %v", err)
		}
	}
	return path
}
