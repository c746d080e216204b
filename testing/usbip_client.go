package testing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/usbreplay/usb"
	"github.com/Alia5/usbreplay/usbip"
)

// ErrImportRejected is returned by AttachDevice when the server answers
// OP_REP_IMPORT with a non-zero status.
var ErrImportRejected = errors.New("import rejected")

type TestUsbIpClient struct {
	address string
	seq     uint32
	timeout time.Duration
}

type Device struct {
	Path       string
	BusID      string
	BusNum     uint32
	DeviceNum  uint32
	Speed      uint32
	IDVendor   uint16
	IDProduct  uint16
	BcdDevice  uint16
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	ConfigVal  uint8
	NumConfigs uint8
	NumIfaces  uint8
	Interfaces []usbip.InterfaceDesc
}

type ImportResult struct {
	Conn          net.Conn
	Exported      Device
	RawDescriptor []byte
}

// Reply is a decoded RET_SUBMIT.
type Reply struct {
	Seqnum uint32
	Status int32
	Data   []byte
}

func NewUsbIpClient(t testing.TB, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{
		address: addr,
		timeout: 750 * time.Millisecond,
	}
}

// NextSeq returns a session-unique seqnum.
func (c *TestUsbIpClient) NextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

func (c *TestUsbIpClient) ListDevices() ([]Device, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}

	var hdr [12]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return nil, err
	}
	mh, err := usbip.DecodeMgmtHeader(hdr[:usbip.MgmtHeaderLen])
	if err != nil {
		return nil, err
	}
	if mh.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply command %x", mh.Command)
	}

	n := binary.BigEndian.Uint32(hdr[8:12])
	devices := make([]Device, 0, n)
	for i := uint32(0); i < n; i++ {
		dev, _, err := readExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

// AttachDevice imports busID. On rejection the connection is closed and the
// returned error wraps ErrImportRejected.
func (c *TestUsbIpClient) AttachDevice(busID string) (*ImportResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	var bus [usbip.BusIDLen]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		conn.Close()
		return nil, err
	}

	var hdr [usbip.MgmtHeaderLen]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		conn.Close()
		return nil, err
	}
	mh, err := usbip.DecodeMgmtHeader(hdr[:])
	if err != nil {
		conn.Close()
		return nil, err
	}
	if mh.Command != usbip.OpRepImport {
		conn.Close()
		return nil, fmt.Errorf("unexpected reply command %x", mh.Command)
	}
	if mh.Status != usbip.StatusOK {
		// The server closes right after a rejection; anything else is a bug.
		var extra [1]byte
		_, rerr := conn.Read(extra[:])
		conn.Close()
		if !errors.Is(rerr, io.EOF) {
			return nil, fmt.Errorf("%w: status %d, then %v", ErrImportRejected, mh.Status, rerr)
		}
		return nil, fmt.Errorf("%w: status %d", ErrImportRejected, mh.Status)
	}

	dev, raw, err := readExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &ImportResult{Conn: conn, Exported: dev, RawDescriptor: raw}, nil
}

func readExportedDevice(r net.Conn, readIfaces bool) (Device, []byte, error) {
	var base [usbip.DeviceRecordLen]byte
	if err := usbip.ReadExactly(r, base[:]); err != nil {
		return Device{}, nil, err
	}
	exp, err := usbip.DecodeExportedDevice(base[:])
	if err != nil {
		return Device{}, nil, err
	}

	ifaces := make([]usbip.InterfaceDesc, 0, exp.BNumInterfaces)
	if readIfaces && exp.BNumInterfaces > 0 {
		ifaceBuf := make([]byte, int(exp.BNumInterfaces)*4)
		if err := usbip.ReadExactly(r, ifaceBuf); err != nil {
			return Device{}, nil, err
		}
		for o := 0; o < len(ifaceBuf); o += 4 {
			ifaces = append(ifaces, usbip.InterfaceDesc{
				Class:    ifaceBuf[o],
				SubClass: ifaceBuf[o+1],
				Protocol: ifaceBuf[o+2],
			})
		}
	}

	return Device{
		Path:       usbip.CString(exp.Path[:]),
		BusID:      exp.BusIDString(),
		BusNum:     exp.BusId,
		DeviceNum:  exp.DevId,
		Speed:      exp.Speed,
		IDVendor:   exp.IDVendor,
		IDProduct:  exp.IDProduct,
		BcdDevice:  exp.BcdDevice,
		Class:      exp.BDeviceClass,
		SubClass:   exp.BDeviceSubClass,
		Protocol:   exp.BDeviceProtocol,
		ConfigVal:  exp.BConfigurationValue,
		NumConfigs: exp.BNumConfigurations,
		NumIfaces:  exp.BNumInterfaces,
		Interfaces: ifaces,
	}, bytes.Clone(base[:]), nil
}

// SendSubmit writes a CMD_SUBMIT without waiting for the reply. length is
// the IN buffer size; OUT transfers use len(outPayload).
func (c *TestUsbIpClient) SendSubmit(conn net.Conn, seq uint32, dir uint32, ep uint32, setup [8]byte, outPayload []byte, length uint32) error {
	if conn == nil {
		return io.ErrUnexpectedEOF
	}
	if dir == usbip.DirOut {
		length = uint32(len(outPayload))
	}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: ep},
		TransferBufferLen: length,
		Setup:             setup,
	}
	var buf bytes.Buffer
	_ = cmd.Write(&buf)
	if dir == usbip.DirOut {
		buf.Write(outPayload)
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

// ReadRetSubmit reads one RET_SUBMIT and its IN payload.
func (c *TestUsbIpClient) ReadRetSubmit(conn net.Conn, dir uint32) (Reply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer conn.SetReadDeadline(time.Time{})

	var retHdr [usbip.URBHeaderLen]byte
	if err := usbip.ReadExactly(conn, retHdr[:]); err != nil {
		return Reply{}, err
	}
	ret, err := usbip.DecodeRetSubmit(retHdr[:])
	if err != nil {
		return Reply{}, err
	}
	r := Reply{Seqnum: ret.Basic.Seqnum, Status: ret.Status}
	if dir == usbip.DirIn && ret.ActualLength > 0 {
		r.Data = make([]byte, int(ret.ActualLength))
		if err := usbip.ReadExactly(conn, r.Data); err != nil {
			return Reply{}, err
		}
	}
	return r, nil
}

// Control submits a control request on endpoint 0 and waits for its reply.
func (c *TestUsbIpClient) Control(conn net.Conn, s usb.Setup, outPayload []byte) (Reply, error) {
	dir := uint32(usbip.DirOut)
	if s.In() {
		dir = usbip.DirIn
	}
	seq := c.NextSeq()
	if err := c.SendSubmit(conn, seq, dir, 0, s.Bytes(), outPayload, uint32(s.Length)); err != nil {
		return Reply{}, err
	}
	r, err := c.ReadRetSubmit(conn, dir)
	if err != nil {
		return Reply{}, err
	}
	if r.Seqnum != seq {
		return r, fmt.Errorf("reply seq %d for request %d", r.Seqnum, seq)
	}
	return r, nil
}

// ReadInputReport submits an interrupt IN transfer on ep.
func (c *TestUsbIpClient) ReadInputReport(conn net.Conn, ep uint32, length uint32) (Reply, error) {
	seq := c.NextSeq()
	if err := c.SendSubmit(conn, seq, usbip.DirIn, ep, [8]byte{}, nil, length); err != nil {
		return Reply{}, err
	}
	return c.ReadRetSubmit(conn, usbip.DirIn)
}

// Unlink sends CMD_UNLINK with seq targeting victim and returns the reply.
func (c *TestUsbIpClient) Unlink(conn net.Conn, seq, victim uint32) (usbip.RetUnlink, error) {
	if conn == nil {
		return usbip.RetUnlink{}, io.ErrUnexpectedEOF
	}
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: seq},
		UnlinkSeqnum: victim,
	}
	if err := cmd.Write(conn); err != nil {
		return usbip.RetUnlink{}, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer conn.SetReadDeadline(time.Time{})
	var hdr [usbip.URBHeaderLen]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return usbip.RetUnlink{}, err
	}
	return usbip.DecodeRetUnlink(hdr[:])
}
