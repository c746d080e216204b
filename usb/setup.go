package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SetupLen is the size of a control transfer setup packet.
const SetupLen = 8

// ErrMalformedSetup is returned when a setup packet is not exactly 8 bytes.
var ErrMalformedSetup = errors.New("malformed setup packet")

// Request is the bRequest field of a setup packet.
type Request uint8

// Standard request codes (USB 2.0 table 9-4).
const (
	RequestGetStatus        Request = 0x00
	RequestClearFeature     Request = 0x01
	RequestSetFeature       Request = 0x03
	RequestSetAddress       Request = 0x05
	RequestGetDescriptor    Request = 0x06
	RequestSetDescriptor    Request = 0x07
	RequestGetConfiguration Request = 0x08
	RequestSetConfiguration Request = 0x09
	RequestGetInterface     Request = 0x0A
	RequestSetInterface     Request = 0x0B
	RequestSynchFrame       Request = 0x0C
)

// HID class request codes.
const (
	HIDRequestGetReport Request = 0x01
	HIDRequestSetReport Request = 0x09
	HIDRequestSetIdle   Request = 0x0A
)

var requestNames = map[Request]string{
	RequestGetStatus:        "GET_STATUS",
	RequestClearFeature:     "CLEAR_FEATURE",
	RequestSetFeature:       "SET_FEATURE",
	RequestSetAddress:       "SET_ADDRESS",
	RequestGetDescriptor:    "GET_DESCRIPTOR",
	RequestSetDescriptor:    "SET_DESCRIPTOR",
	RequestGetConfiguration: "GET_CONFIGURATION",
	RequestSetConfiguration: "SET_CONFIGURATION",
	RequestGetInterface:     "GET_INTERFACE",
	RequestSetInterface:     "SET_INTERFACE",
	RequestSynchFrame:       "SYNCH_FRAME",
}

func (r Request) String() string {
	if n, ok := requestNames[r]; ok {
		return n
	}
	return fmt.Sprintf("0x%02x", uint8(r))
}

// bmRequestType bits.
const (
	RequestDirIn = 0x80

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RecipientMask      = 0x1f
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// Kind classifies a setup packet against the standard request table.
type Kind int

const (
	Unrecognized Kind = iota
	DeviceGetStatus
	DeviceClearFeature
	DeviceSetFeature
	DeviceSetAddress
	DeviceGetDescriptor
	DeviceSetDescriptor
	DeviceGetConfiguration
	DeviceSetConfiguration
	InterfaceGetStatus
	InterfaceClearFeature
	InterfaceSetFeature
	InterfaceGetInterface
	InterfaceSetInterface
	EndpointGetStatus
	EndpointClearFeature
	EndpointSetFeature
	EndpointSynchFrame
	HIDReport
	HIDGetReport
	HIDSetReport
	SetIdle
)

var kindNames = [...]string{
	Unrecognized:           "Unrecognized",
	DeviceGetStatus:        "DeviceGetStatus",
	DeviceClearFeature:     "DeviceClearFeature",
	DeviceSetFeature:       "DeviceSetFeature",
	DeviceSetAddress:       "DeviceSetAddress",
	DeviceGetDescriptor:    "DeviceGetDescriptor",
	DeviceSetDescriptor:    "DeviceSetDescriptor",
	DeviceGetConfiguration: "DeviceGetConfiguration",
	DeviceSetConfiguration: "DeviceSetConfiguration",
	InterfaceGetStatus:     "InterfaceGetStatus",
	InterfaceClearFeature:  "InterfaceClearFeature",
	InterfaceSetFeature:    "InterfaceSetFeature",
	InterfaceGetInterface:  "InterfaceGetInterface",
	InterfaceSetInterface:  "InterfaceSetInterface",
	EndpointGetStatus:      "EndpointGetStatus",
	EndpointClearFeature:   "EndpointClearFeature",
	EndpointSetFeature:     "EndpointSetFeature",
	EndpointSynchFrame:     "EndpointSynchFrame",
	HIDReport:              "HIDReport",
	HIDGetReport:           "HIDGetReport",
	HIDSetReport:           "HIDSetReport",
	SetIdle:                "SetIdle",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// wild matches every value of a classification column.
const wild = -1

type rule struct {
	kind        Kind
	requestType int
	request     int
	value       int
	index       int
	length      int
	descType    int
}

// rules is ordered; the first full match wins.
var rules = []rule{
	{DeviceGetStatus, 0x80, 0x00, 0, 0, 2, wild},
	{DeviceClearFeature, 0x00, 0x01, wild, 0, 0, wild},
	{DeviceSetFeature, 0x00, 0x03, wild, wild, 0, wild},
	{DeviceSetAddress, 0x00, 0x05, wild, 0, 0, wild},
	{DeviceGetDescriptor, 0x80, 0x06, wild, wild, wild, wild},
	{DeviceSetDescriptor, 0x00, 0x07, wild, wild, wild, wild},
	{DeviceGetConfiguration, 0x80, 0x08, 0, 0, 1, wild},
	{DeviceSetConfiguration, 0x00, 0x09, wild, 0, 0, wild},

	{InterfaceGetStatus, 0x81, 0x00, 0, wild, 2, wild},
	{InterfaceClearFeature, 0x01, 0x01, wild, wild, 0, wild},
	{InterfaceSetFeature, 0x01, 0x03, wild, wild, 0, wild},
	{HIDReport, 0x81, 0x06, wild, wild, wild, ReportDescType},
	{InterfaceGetInterface, 0x81, 0x0A, 0, wild, 1, wild},
	{InterfaceSetInterface, 0x01, 0x0B, wild, wild, 0, wild},

	{EndpointGetStatus, 0x82, 0x00, 0, wild, 2, wild},
	{EndpointClearFeature, 0x02, 0x01, wild, wild, 0, wild},
	{EndpointSetFeature, 0x02, 0x03, wild, wild, 0, wild},
	{EndpointSynchFrame, 0x82, 0x0C, 0, wild, 2, wild},

	{HIDGetReport, 0xA1, 0x01, wild, wild, wild, wild},
	{HIDSetReport, 0x21, 0x09, wild, wild, wild, wild},
	{SetIdle, 0x21, 0x0A, wild, wild, 0, wild},
}

func (r rule) matches(s Setup) bool {
	return col(r.requestType, int(s.RequestType)) &&
		col(r.request, int(s.Request)) &&
		col(r.value, int(s.Value)) &&
		col(r.index, int(s.Index)) &&
		col(r.length, int(s.Length)) &&
		col(r.descType, int(s.DescriptorType()))
}

func col(want, got int) bool { return want == wild || want == got }

func classify(s Setup) Kind {
	for _, r := range rules {
		if r.matches(s) {
			return r.kind
		}
	}
	return Unrecognized
}

// Setup is a decoded control transfer setup packet.
type Setup struct {
	RequestType uint8
	Request     Request
	Value       uint16
	Index       uint16
	Length      uint16
	Kind        Kind
}

// NewSetup builds and classifies a setup packet from its fields.
func NewSetup(requestType uint8, request Request, value, index, length uint16) Setup {
	s := Setup{RequestType: requestType, Request: request, Value: value, Index: index, Length: length}
	s.Kind = classify(s)
	return s
}

// GetDescriptorSetup builds a device-recipient GET_DESCRIPTOR request.
func GetDescriptorSetup(descType, index uint8, language, length uint16) Setup {
	return NewSetup(RequestDirIn, RequestGetDescriptor, uint16(descType)<<8|uint16(index), language, length)
}

// DecodeSetup decodes an 8-byte setup packet. Any 8-byte input decodes;
// requests outside the standard table carry Kind Unrecognized.
func DecodeSetup(b []byte) (Setup, error) {
	if len(b) != SetupLen {
		return Setup{}, fmt.Errorf("%w: got %d bytes", ErrMalformedSetup, len(b))
	}
	return NewSetup(
		b[0],
		Request(b[1]),
		binary.LittleEndian.Uint16(b[2:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
	), nil
}

// Bytes encodes the setup packet in wire order.
func (s Setup) Bytes() [SetupLen]byte {
	var b [SetupLen]byte
	b[0] = s.RequestType
	b[1] = uint8(s.Request)
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// DescriptorType is the high byte of wValue for GET_DESCRIPTOR requests.
func (s Setup) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex is the low byte of wValue for GET_DESCRIPTOR requests.
func (s Setup) DescriptorIndex() uint8 { return uint8(s.Value) }

// LanguageID is wIndex for string descriptor requests.
func (s Setup) LanguageID() uint16 { return s.Index }

// InterfaceNumber is the low byte of wIndex for interface recipient requests.
func (s Setup) InterfaceNumber() uint8 { return uint8(s.Index) }

func (s Setup) In() bool { return s.RequestType&RequestDirIn != 0 }

func (s Setup) Recipient() uint8 { return s.RequestType & RecipientMask }

func (s Setup) Type() uint8 { return s.RequestType & RequestTypeMask }

// IsZero reports whether all eight bytes are zero.
func (s Setup) IsZero() bool {
	return s.RequestType == 0 && s.Request == 0 && s.Value == 0 && s.Index == 0 && s.Length == 0
}

func (s Setup) String() string {
	return fmt.Sprintf("%s(bmRequestType=0x%02x bRequest=%s wValue=0x%04x wIndex=0x%04x wLength=%d)",
		s.Kind, s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
