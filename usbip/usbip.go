// Package usbip implements the USB/IP wire framing.
package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Alia5/usbreplay/usb"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// Status values
	StatusOK    = 0
	StatusError = 1
)

// Frame sizes.
const (
	MgmtHeaderLen   = 8
	BusIDLen        = 32
	PathLen         = 256
	DeviceRecordLen = 312
	URBHeaderLen    = 0x30
	setupOffset     = 0x28
)

// Linux errno values carried in URB status fields.
const (
	EPIPE      = -32
	ECONNRESET = -104
)

var (
	// ErrMalformed is returned for frames that are short or ill-typed.
	ErrMalformed = errors.New("malformed usbip message")
	// ErrVersionMismatch is a management frame with an unexpected version.
	ErrVersionMismatch = fmt.Errorf("%w: version mismatch", ErrMalformed)
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [MgmtHeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// DecodeMgmtHeader parses a management header and checks its version.
func DecodeMgmtHeader(b []byte) (MgmtHeader, error) {
	if len(b) < MgmtHeaderLen {
		return MgmtHeader{}, fmt.Errorf("%w: management header is %d bytes", ErrMalformed, len(b))
	}
	h := MgmtHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: got 0x%04x", ErrVersionMismatch, h.Version)
	}
	return h, nil
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [PathLen]byte
	USBBusId [BusIDLen]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns the NUL-trimmed bus id.
func (m *ExportMeta) BusIDString() string {
	return CString(m.USBBusId[:])
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// NewExportedDevice builds the device record from bus metadata and the
// device summary.
func NewExportedDevice(meta ExportMeta, info usb.Info) ExportedDevice {
	exp := ExportedDevice{
		ExportMeta:          meta,
		Speed:               info.Speed,
		IDVendor:            info.Device.IDVendor,
		IDProduct:           info.Device.IDProduct,
		BcdDevice:           info.Device.BcdDevice,
		BDeviceClass:        info.Device.BDeviceClass,
		BDeviceSubClass:     info.Device.BDeviceSubClass,
		BDeviceProtocol:     info.Device.BDeviceProtocol,
		BConfigurationValue: info.ConfigurationValue,
		BNumConfigurations:  info.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(info.Interfaces)),
	}
	for _, iface := range info.Interfaces {
		exp.Interfaces = append(exp.Interfaces, InterfaceDesc{
			Class:    iface.BInterfaceClass,
			SubClass: iface.BInterfaceSubClass,
			Protocol: iface.BInterfaceProtocol,
		})
	}
	return exp
}

func (d *ExportedDevice) record() []byte {
	b := make([]byte, DeviceRecordLen)
	copy(b[0:PathLen], d.Path[:])
	copy(b[PathLen:PathLen+BusIDLen], d.USBBusId[:])
	binary.BigEndian.PutUint32(b[288:292], d.BusId)
	binary.BigEndian.PutUint32(b[292:296], d.DevId)
	binary.BigEndian.PutUint32(b[296:300], d.Speed)
	binary.BigEndian.PutUint16(b[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(b[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(b[304:306], d.BcdDevice)
	b[306] = d.BDeviceClass
	b[307] = d.BDeviceSubClass
	b[308] = d.BDeviceProtocol
	b[309] = d.BConfigurationValue
	b[310] = d.BNumConfigurations
	b[311] = d.BNumInterfaces
	return b
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface records).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	b := d.record()
	for _, iface := range d.Interfaces {
		b = append(b, iface.Class, iface.SubClass, iface.Protocol, 0)
	}
	_, err := w.Write(b)
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	_, err := w.Write(d.record())
	return err
}

// DecodeExportedDevice parses a 312-byte device record. Interfaces are not
// part of the record and are left empty.
func DecodeExportedDevice(b []byte) (ExportedDevice, error) {
	if len(b) < DeviceRecordLen {
		return ExportedDevice{}, fmt.Errorf("%w: device record is %d bytes", ErrMalformed, len(b))
	}
	var d ExportedDevice
	copy(d.Path[:], b[0:PathLen])
	copy(d.USBBusId[:], b[PathLen:PathLen+BusIDLen])
	d.BusId = binary.BigEndian.Uint32(b[288:292])
	d.DevId = binary.BigEndian.Uint32(b[292:296])
	d.Speed = binary.BigEndian.Uint32(b[296:300])
	d.IDVendor = binary.BigEndian.Uint16(b[300:302])
	d.IDProduct = binary.BigEndian.Uint16(b[302:304])
	d.BcdDevice = binary.BigEndian.Uint16(b[304:306])
	d.BDeviceClass = b[306]
	d.BDeviceSubClass = b[307]
	d.BDeviceProtocol = b[308]
	d.BConfigurationValue = b[309]
	d.BNumConfigurations = b[310]
	d.BNumInterfaces = b[311]
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h *HeaderBasic) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(b[8:12], h.Devid)
	binary.BigEndian.PutUint32(b[12:16], h.Dir)
	binary.BigEndian.PutUint32(b[16:20], h.Ep)
}

// DecodeHeaderBasic parses the first 20 bytes of a URB frame.
func DecodeHeaderBasic(b []byte) (HeaderBasic, error) {
	if len(b) < 20 {
		return HeaderBasic{}, fmt.Errorf("%w: basic header is %d bytes", ErrMalformed, len(b))
	}
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var b [URBHeaderLen]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(b[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(b[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], c.Interval)
	copy(b[setupOffset:], c.Setup[:])
	_, err := w.Write(b[:])
	return err
}

// HasOutBuffer reports whether a transfer buffer follows the header.
func (c *CmdSubmit) HasOutBuffer() bool {
	return c.Basic.Dir == DirOut && c.TransferBufferLen > 0
}

// DecodeCmdSubmit parses a 48-byte CMD_SUBMIT header.
func DecodeCmdSubmit(b []byte) (CmdSubmit, error) {
	basic, err := DecodeHeaderBasic(b)
	if err != nil {
		return CmdSubmit{}, err
	}
	if len(b) < URBHeaderLen {
		return CmdSubmit{}, fmt.Errorf("%w: CMD_SUBMIT header is %d bytes", ErrMalformed, len(b))
	}
	if basic.Command != CmdSubmitCode {
		return CmdSubmit{}, fmt.Errorf("%w: command %d is not CMD_SUBMIT", ErrMalformed, basic.Command)
	}
	if basic.Dir != DirOut && basic.Dir != DirIn {
		return CmdSubmit{}, fmt.Errorf("%w: direction %d", ErrMalformed, basic.Dir)
	}
	c := CmdSubmit{
		Basic:             basic,
		TransferFlags:     binary.BigEndian.Uint32(b[20:24]),
		TransferBufferLen: binary.BigEndian.Uint32(b[24:28]),
		StartFrame:        binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets:   binary.BigEndian.Uint32(b[32:36]),
		Interval:          binary.BigEndian.Uint32(b[36:40]),
	}
	copy(c.Setup[:], b[setupOffset:URBHeaderLen])
	return c, nil
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	var b [URBHeaderLen]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(b[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(b[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], r.ErrorCount)
	copy(b[40:], r.Padding[:])
	_, err := w.Write(b[:])
	return err
}

// DecodeRetSubmit parses a 48-byte RET_SUBMIT header.
func DecodeRetSubmit(b []byte) (RetSubmit, error) {
	basic, err := DecodeHeaderBasic(b)
	if err != nil {
		return RetSubmit{}, err
	}
	if len(b) < URBHeaderLen || basic.Command != RetSubmitCode {
		return RetSubmit{}, fmt.Errorf("%w: not a RET_SUBMIT header", ErrMalformed)
	}
	return RetSubmit{
		Basic:           basic,
		Status:          int32(binary.BigEndian.Uint32(b[20:24])),
		ActualLength:    binary.BigEndian.Uint32(b[24:28]),
		StartFrame:      binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets: binary.BigEndian.Uint32(b[32:36]),
		ErrorCount:      binary.BigEndian.Uint32(b[36:40]),
	}, nil
}

// Reply encodes the RET_SUBMIT header followed by its payload.
func (r *RetSubmit) Reply(payload []byte) []byte {
	var out bytes.Buffer
	_ = r.Write(&out)
	out.Write(payload)
	return out.Bytes()
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var b [URBHeaderLen]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.UnlinkSeqnum)
	copy(b[24:], c.Padding[:])
	_, err := w.Write(b[:])
	return err
}

// DecodeCmdUnlink parses a 48-byte CMD_UNLINK header.
func DecodeCmdUnlink(b []byte) (CmdUnlink, error) {
	basic, err := DecodeHeaderBasic(b)
	if err != nil {
		return CmdUnlink{}, err
	}
	if len(b) < URBHeaderLen || basic.Command != CmdUnlinkCode {
		return CmdUnlink{}, fmt.Errorf("%w: not a CMD_UNLINK header", ErrMalformed)
	}
	return CmdUnlink{Basic: basic, UnlinkSeqnum: binary.BigEndian.Uint32(b[20:24])}, nil
}

func (r *RetUnlink) Write(w io.Writer) error {
	var b [URBHeaderLen]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	copy(b[24:], r.Padding[:])
	_, err := w.Write(b[:])
	return err
}

// DecodeRetUnlink parses a 48-byte RET_UNLINK header.
func DecodeRetUnlink(b []byte) (RetUnlink, error) {
	basic, err := DecodeHeaderBasic(b)
	if err != nil {
		return RetUnlink{}, err
	}
	if len(b) < URBHeaderLen || basic.Command != RetUnlinkCode {
		return RetUnlink{}, fmt.Errorf("%w: not a RET_UNLINK header", ErrMalformed)
	}
	return RetUnlink{Basic: basic, Status: int32(binary.BigEndian.Uint32(b[20:24]))}, nil
}

// CString returns b up to its first NUL.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
