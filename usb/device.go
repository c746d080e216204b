package usb

import (
	"context"
	"errors"
	"fmt"
)

// TransferType uses the bmAttributes encoding of endpoint descriptors.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("TransferType(%d)", uint8(t))
	}
}

// Direction of a transfer relative to the host.
type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// Transfer is one URB submitted to a device.
type Transfer struct {
	Endpoint  uint8
	Direction Direction
	Setup     [SetupLen]byte
	Payload   []byte
	// Length is the host buffer size from the submission.
	Length uint32
}

var (
	// ErrNoReply means the device has nothing to return; the host sees a stall.
	ErrNoReply = errors.New("no reply available")
	// ErrSuppressed means the transfer must not be answered at all.
	ErrSuppressed = errors.New("reply suppressed")
)

// Info is the summary a bus exports for a device in devlist and import replies.
type Info struct {
	Speed              uint32
	Device             DeviceDescriptor
	ConfigurationValue uint8
	Interfaces         []InterfaceDescriptor
}

// Device is the minimal interface the USB/IP server drives.
type Device interface {
	// HandleTransfer returns the reply payload for t, or ErrNoReply or
	// ErrSuppressed.
	HandleTransfer(ctx context.Context, t Transfer) ([]byte, error)
	Info() Info
}
