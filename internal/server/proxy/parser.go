package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbreplay/internal/log"
	"github.com/Alia5/usbreplay/usbip"
)

// maxBuffered bounds how much unframed data a Parser holds before it gives up.
const maxBuffered = 16 << 20

// Parser reassembles one direction of a USB/IP stream into frames, logs
// them and feeds URBs to a Session.
type Parser struct {
	logger         *slog.Logger
	buf            bytes.Buffer
	clientToServer bool
	sess           *Session

	urb  bool
	lost bool
}

// NewParser returns a parser for one direction. sess may be nil.
func NewParser(logger *slog.Logger, clientToServer bool, sess *Session) *Parser {
	return &Parser{
		logger:         logger.With("dir", dirString(clientToServer)),
		clientToServer: clientToServer,
		sess:           sess,
	}
}

// Parse consumes the next chunk of the stream.
func (p *Parser) Parse(data []byte) {
	if p.lost {
		return
	}
	p.buf.Write(data)

	for {
		var n int
		if p.urb {
			n = p.parseURB(p.buf.Bytes())
		} else {
			n = p.parseMgmt(p.buf.Bytes())
		}
		if p.lost {
			p.buf.Reset()
			return
		}
		if n == 0 {
			break
		}
		p.buf.Next(n)
	}

	if p.buf.Len() > maxBuffered {
		p.logger.Warn("Parser buffer overflow, no longer decoding this stream")
		p.lost = true
		p.buf.Reset()
	}
}

func (p *Parser) loseFraming(err error) {
	p.logger.Warn("Lost USBIP framing", "error", err)
	p.lost = true
}

// parseMgmt returns the number of bytes consumed, or 0 when more data is
// needed.
func (p *Parser) parseMgmt(data []byte) int {
	if len(data) < usbip.MgmtHeaderLen {
		return 0
	}
	hdr, err := usbip.DecodeMgmtHeader(data)
	if err != nil {
		p.loseFraming(err)
		return 0
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		p.logger.Info("USBIP packet", "op", "OP_REQ_DEVLIST")
		return usbip.MgmtHeaderLen

	case usbip.OpRepDevlist:
		return p.parseOpRepDevlist(data)

	case usbip.OpReqImport:
		n := usbip.MgmtHeaderLen + usbip.BusIDLen
		if len(data) < n {
			return 0
		}
		p.logger.Info("USBIP packet", "op", "OP_REQ_IMPORT", "busid", usbip.CString(data[usbip.MgmtHeaderLen:n]))
		p.urb = true
		return n

	case usbip.OpRepImport:
		if hdr.Status != usbip.StatusOK {
			p.logger.Info("USBIP packet", "op", "OP_REP_IMPORT", "status", hdr.Status)
			return usbip.MgmtHeaderLen
		}
		n := usbip.MgmtHeaderLen + usbip.DeviceRecordLen
		if len(data) < n {
			return 0
		}
		exp, err := usbip.DecodeExportedDevice(data[usbip.MgmtHeaderLen:n])
		if err != nil {
			p.loseFraming(err)
			return 0
		}
		p.logger.Info("USBIP packet", append([]any{"op", "OP_REP_IMPORT", "status", hdr.Status}, deviceAttrs(exp)...)...)
		p.urb = true
		return n

	default:
		p.loseFraming(fmt.Errorf("%w: management command 0x%04x", usbip.ErrMalformed, hdr.Command))
		return 0
	}
}

func (p *Parser) parseOpRepDevlist(data []byte) int {
	const countLen = 4
	if len(data) < usbip.MgmtHeaderLen+countLen {
		return 0
	}
	nDevices := int(binary.BigEndian.Uint32(data[8:12]))
	offset := usbip.MgmtHeaderLen + countLen

	var devices []usbip.ExportedDevice
	for i := 0; i < nDevices; i++ {
		if len(data) < offset+usbip.DeviceRecordLen {
			return 0
		}
		exp, err := usbip.DecodeExportedDevice(data[offset:])
		if err != nil {
			p.loseFraming(err)
			return 0
		}
		offset += usbip.DeviceRecordLen
		ifaces := 4 * int(exp.BNumInterfaces)
		if len(data) < offset+ifaces {
			return 0
		}
		for o := offset; o < offset+ifaces; o += 4 {
			exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{Class: data[o], SubClass: data[o+1], Protocol: data[o+2]})
		}
		offset += ifaces
		devices = append(devices, exp)
	}

	p.logger.Info("USBIP packet", "op", "OP_REP_DEVLIST", "nDevices", nDevices)
	for _, exp := range devices {
		p.logger.Info("  Device", deviceAttrs(exp)...)
		for j, iface := range exp.Interfaces {
			p.logger.Info("    Interface",
				"num", j,
				"class", fmt.Sprintf("%02x", iface.Class),
				"subclass", fmt.Sprintf("%02x", iface.SubClass),
				"protocol", fmt.Sprintf("%02x", iface.Protocol))
		}
	}
	return offset
}

func (p *Parser) parseURB(data []byte) int {
	if len(data) < usbip.URBHeaderLen {
		return 0
	}
	basic, err := usbip.DecodeHeaderBasic(data)
	if err != nil {
		p.loseFraming(err)
		return 0
	}

	switch basic.Command {
	case usbip.CmdSubmitCode:
		cmd, err := usbip.DecodeCmdSubmit(data)
		if err != nil {
			p.loseFraming(err)
			return 0
		}
		n := usbip.URBHeaderLen
		if cmd.HasOutBuffer() {
			n += int(cmd.TransferBufferLen)
		}
		if len(data) < n {
			return 0
		}
		args := []any{"op", "CMD_SUBMIT", "seq", cmd.Basic.Seqnum, "devid", cmd.Basic.Devid, "ep", cmd.Basic.Ep, "urb_dir", urbDirString(cmd.Basic.Dir), "len", cmd.TransferBufferLen}
		if cmd.Basic.Ep == 0 {
			args = append(args, "setup", fmt.Sprintf("% x", cmd.Setup[:]))
		}
		p.logger.Info("USBIP packet", args...)
		p.sess.submit(cmd, data[usbip.URBHeaderLen:n])
		return n

	case usbip.RetSubmitCode:
		ret, err := usbip.DecodeRetSubmit(data)
		if err != nil {
			p.loseFraming(err)
			return 0
		}
		n := usbip.URBHeaderLen
		if p.sess.inbound(ret.Basic.Seqnum) {
			n += int(ret.ActualLength)
		}
		if len(data) < n {
			return 0
		}
		payload := data[usbip.URBHeaderLen:n]
		p.logger.Info("USBIP packet", "op", "RET_SUBMIT", "seq", ret.Basic.Seqnum, "status", ret.Status, "actual_len", ret.ActualLength)
		if ctx := context.Background(); len(payload) > 0 && p.logger.Enabled(ctx, log.LevelTrace) {
			p.logger.Log(ctx, log.LevelTrace, "RET_SUBMIT payload", "seq", ret.Basic.Seqnum, "dump", log.Dump(payload))
		}
		p.sess.complete(ret, payload)
		return n

	case usbip.CmdUnlinkCode:
		cmd, err := usbip.DecodeCmdUnlink(data)
		if err != nil {
			p.loseFraming(err)
			return 0
		}
		p.logger.Info("USBIP packet", "op", "CMD_UNLINK", "seq", cmd.Basic.Seqnum, "unlink_seq", cmd.UnlinkSeqnum)
		p.sess.unlink(cmd)
		return usbip.URBHeaderLen

	case usbip.RetUnlinkCode:
		ret, err := usbip.DecodeRetUnlink(data)
		if err != nil {
			p.loseFraming(err)
			return 0
		}
		p.logger.Info("USBIP packet", "op", "RET_UNLINK", "seq", ret.Basic.Seqnum, "status", ret.Status)
		p.sess.unlinked(ret)
		return usbip.URBHeaderLen

	default:
		p.loseFraming(fmt.Errorf("%w: URB command %d", usbip.ErrMalformed, basic.Command))
		return 0
	}
}

func deviceAttrs(exp usbip.ExportedDevice) []any {
	return []any{
		"path", usbip.CString(exp.Path[:]),
		"busid", exp.BusIDString(),
		"bus", exp.BusId,
		"dev", exp.DevId,
		"speed", exp.Speed,
		"vid", fmt.Sprintf("%04x", exp.IDVendor),
		"pid", fmt.Sprintf("%04x", exp.IDProduct),
		"bcd", fmt.Sprintf("%04x", exp.BcdDevice),
		"class", fmt.Sprintf("%02x", exp.BDeviceClass),
		"subclass", fmt.Sprintf("%02x", exp.BDeviceSubClass),
		"protocol", fmt.Sprintf("%02x", exp.BDeviceProtocol),
		"config", exp.BConfigurationValue,
		"nConfigs", exp.BNumConfigurations,
		"nInterfaces", exp.BNumInterfaces,
	}
}

func dirString(clientToServer bool) string {
	if clientToServer {
		return "C→S"
	}
	return "S→C"
}

func urbDirString(dir uint32) string {
	if dir == usbip.DirOut {
		return "OUT"
	}
	return "IN"
}
