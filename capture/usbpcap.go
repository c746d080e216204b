package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/Alia5/usbreplay/usb"
)

// USBPcap packet header offsets.
const (
	usbpcapBaseHeaderLen    = 27
	usbpcapControlHeaderLen = 28

	usbpcapOffHeaderLen = 0
	usbpcapOffIrpID     = 2
	usbpcapOffInfo      = 16
	usbpcapOffEndpoint  = 21
	usbpcapOffTransfer  = 22
	usbpcapOffDataLen   = 23
	usbpcapOffStage     = 27

	usbpcapInfoFromDevice = 0x01
)

// USBPcap transfer codes.
const (
	usbpcapIsochronous = 0
	usbpcapInterrupt   = 1
	usbpcapControl     = 2
	usbpcapBulk        = 3
)

// USBPcap control stages.
const (
	usbpcapStageSetup    = 0
	usbpcapStageData     = 1
	usbpcapStageStatus   = 2
	usbpcapStageComplete = 3
)

// FromUSBPcap normalizes a Windows USBPcap record. Control transfers keep
// only their setup and complete stages.
func FromUSBPcap(data []byte, salt uuid.UUID) (*Transaction, error) {
	if len(data) < usbpcapBaseHeaderLen {
		return nil, fmt.Errorf("%w: USBPcap record is %d bytes", ErrSkipFrame, len(data))
	}
	hdrLen := int(binary.LittleEndian.Uint16(data[usbpcapOffHeaderLen:]))
	if hdrLen < usbpcapBaseHeaderLen || hdrLen > len(data) {
		return nil, fmt.Errorf("%w: USBPcap header length %d", ErrSkipFrame, hdrLen)
	}

	ep := data[usbpcapOffEndpoint]
	t := &Transaction{
		ID:       binary.LittleEndian.Uint64(data[usbpcapOffIrpID:]),
		Endpoint: ep & 0x0f,
		Salt:     salt,
		Stage:    StageSubmit,
	}
	if ep&0x80 != 0 {
		t.Direction = usb.DirIn
	}
	if data[usbpcapOffInfo]&usbpcapInfoFromDevice != 0 {
		t.Stage = StageComplete
	}

	payload := data[hdrLen:]
	if n := int(binary.LittleEndian.Uint32(data[usbpcapOffDataLen:])); n < len(payload) {
		payload = payload[:n]
	}

	switch data[usbpcapOffTransfer] {
	case usbpcapInterrupt:
		t.TransferType = usb.TransferInterrupt
	case usbpcapBulk:
		t.TransferType = usb.TransferBulk
	case usbpcapControl:
		t.TransferType = usb.TransferControl
		if hdrLen < usbpcapControlHeaderLen {
			return nil, fmt.Errorf("%w: USBPcap control header length %d", ErrSkipFrame, hdrLen)
		}
		switch data[usbpcapOffStage] {
		case usbpcapStageSetup:
			if len(payload) < usb.SetupLen {
				return nil, fmt.Errorf("%w: USBPcap setup stage is %d bytes", ErrSkipFrame, len(payload))
			}
			t.Stage = StageSubmit
			copy(t.Setup[:], payload[:usb.SetupLen])
			payload = payload[usb.SetupLen:]
		case usbpcapStageComplete:
			t.Stage = StageComplete
		default:
			return nil, fmt.Errorf("%w: USBPcap control stage %d", ErrSkipFrame, data[usbpcapOffStage])
		}
	default:
		return nil, fmt.Errorf("%w: USBPcap transfer type %d", ErrSkipFrame, data[usbpcapOffTransfer])
	}

	t.Payload = append([]byte(nil), payload...)
	return t, nil
}
