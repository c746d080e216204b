package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"github.com/Alia5/usbreplay/usb"
)

// Link types carrying USB traffic.
const (
	LinkTypeUsbmon        = layers.LinkType(189)
	LinkTypeUsbmonMmapped = layers.LinkTypeLinuxUSB
	LinkTypeUSBPcap       = layers.LinkType(249)
)

const (
	usbmonHeaderLen        = 48
	usbmonMmappedHeaderLen = 64
	usbmonSetupOffset      = 40
	usbmonEndpointOffset   = 10
)

// FromUsbmon normalizes a Linux usbmon record. Both the legacy 48-byte and
// the mmapped 64-byte header layouts are accepted.
func FromUsbmon(linkType layers.LinkType, data []byte, salt uuid.UUID) (*Transaction, error) {
	hdrLen := usbmonHeaderLen
	if linkType == LinkTypeUsbmonMmapped {
		hdrLen = usbmonMmappedHeaderLen
	}
	if len(data) < hdrLen {
		return nil, fmt.Errorf("%w: usbmon record is %d bytes", ErrSkipFrame, len(data))
	}

	// layers.USB reads up to 64 bytes when a setup block is flagged.
	hdr := data
	if len(hdr) < usbmonMmappedHeaderLen {
		hdr = make([]byte, usbmonMmappedHeaderLen)
		copy(hdr, data)
	}
	var u layers.USB
	if err := u.DecodeFromBytes(hdr, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSkipFrame, err)
	}

	t := &Transaction{
		ID:       u.ID,
		Endpoint: u.EndpointNumber,
		Salt:     salt,
	}
	if data[usbmonEndpointOffset]&0x80 != 0 {
		t.Direction = usb.DirIn
	}

	switch u.EventType {
	case layers.USBEventTypeSubmit:
		t.Stage = StageSubmit
	case layers.USBEventTypeComplete:
		t.Stage = StageComplete
	case layers.USBEventTypeError:
		t.Stage = StageError
	default:
		return nil, fmt.Errorf("%w: usbmon event %q", ErrSkipFrame, byte(u.EventType))
	}

	switch u.TransferType {
	case layers.USBTransportTypeControl:
		t.TransferType = usb.TransferControl
	case layers.USBTransportTypeInterrupt:
		t.TransferType = usb.TransferInterrupt
	case layers.USBTransportTypeBulk:
		t.TransferType = usb.TransferBulk
	default:
		return nil, fmt.Errorf("%w: usbmon transfer type %d", ErrSkipFrame, uint8(u.TransferType))
	}

	if u.Setup && t.TransferType == usb.TransferControl && t.Stage == StageSubmit {
		copy(t.Setup[:], data[usbmonSetupOffset:usbmonSetupOffset+usb.SetupLen])
	}

	payload := data[hdrLen:]
	if n := int(u.UrbDataLength); n < len(payload) {
		payload = payload[:n]
	}
	t.Payload = append([]byte(nil), payload...)
	return t, nil
}
