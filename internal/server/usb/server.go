// Package usb serves registered devices over USB/IP.
package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/usbreplay/device"
	"github.com/Alia5/usbreplay/internal/log"
	"github.com/Alia5/usbreplay/internal/metrics"
	"github.com/Alia5/usbreplay/usb"
	"github.com/Alia5/usbreplay/usbip"
	"github.com/Alia5/usbreplay/virtualbus"
)

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	registry  *virtualbus.Registry
	metrics   *metrics.Metrics
	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
}

func New(config ServerConfig, registry *virtualbus.Registry, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		registry:  registry,
		ready:     make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// SetMetrics records connection and transfer counters in m.
func (s *Server) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// ListenAndServe seals the registry and serves USB/IP on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.registry.Seal()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String(), "devices", len(s.registry.All()))
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		if !s.track(c) {
			_ = c.Close()
			return nil
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		s.metrics.Connection()
		go func() {
			defer s.untrack(c)
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "remote", c.RemoteAddr(), "error", err)
				} else {
					s.logger.Error("Connection handler error", "remote", c.RemoteAddr(), "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	conn = &logConn{Conn: conn, raw: log.WithPrefix(s.rawLogger, remote)}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	var hdrBuf [usbip.MgmtHeaderLen]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	hdr, err := usbip.DecodeMgmtHeader(hdrBuf[:])
	if err != nil {
		return err
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST", "remote", remote)
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT", "remote", remote)
		dm, ok, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		if !ok {
			return nil
		}
		return s.handleUrbStream(conn, dm, remote)
	default:
		return fmt.Errorf("%w: command 0x%04x before import", usbip.ErrMalformed, hdr.Command)
	}
}

func (s *Server) handleDevList(conn net.Conn) error {
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: usbip.StatusOK}
	_ = rep.Write(&buf)
	devices := s.registry.All()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(devices))}
	_ = dlh.Write(&buf)
	for _, d := range devices {
		exp := usbip.NewExportedDevice(d.Meta, d.Dev.Info())
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

// handleImport answers OP_REQ_IMPORT. It reports false when the bus id is
// unknown; the failure reply has then been written and the connection must
// be closed.
func (s *Server) handleImport(conn net.Conn) (virtualbus.DeviceMeta, bool, error) {
	var rest [usbip.BusIDLen]byte
	if err := usbip.ReadExactly(conn, rest[:]); err != nil {
		return virtualbus.DeviceMeta{}, false, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := usbip.CString(rest[:])
	s.logger.Info("Import request", "busid", reqBus)

	var buf bytes.Buffer
	dm, err := s.registry.Lookup(reqBus)
	if err != nil {
		s.logger.Warn("Import rejected", "busid", reqBus, "error", err)
		s.metrics.Import(false)
		rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: usbip.StatusError}
		_ = rep.Write(&buf)
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return virtualbus.DeviceMeta{}, false, fmt.Errorf("write import failure: %w", err)
		}
		return virtualbus.DeviceMeta{}, false, nil
	}

	s.metrics.Import(true)
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: usbip.StatusOK}
	_ = rep.Write(&buf)
	exp := usbip.NewExportedDevice(dm.Meta, dm.Dev.Info())
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return virtualbus.DeviceMeta{}, false, fmt.Errorf("write import reply failed: %w", err)
	}
	return dm, true, nil
}

type logConn struct {
	net.Conn
	raw log.RawLogger
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.raw != nil {
		lc.raw.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.raw != nil {
		lc.raw.Log(false, p[:n])
	}
	return n, err
}

func (s *Server) handleUrbStream(conn net.Conn, dm virtualbus.DeviceMeta, remote string) error {
	_ = conn.SetDeadline(time.Time{})

	meta := dm.Meta
	ctx := device.WithRemoteAddr(device.WithExportMeta(context.Background(), &meta), remote)
	logger := s.logger.With("busid", dm.ID.String())

	for {
		var hdr [usbip.URBHeaderLen]byte
		if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
			return fmt.Errorf("read URB header: %w", err)
		}
		basic, err := usbip.DecodeHeaderBasic(hdr[:])
		if err != nil {
			return err
		}

		switch basic.Command {
		case usbip.CmdUnlinkCode:
			cmd, err := usbip.DecodeCmdUnlink(hdr[:])
			if err != nil {
				return err
			}
			logger.Debug("USBIP_CMD_UNLINK", "seq", cmd.Basic.Seqnum, "unlink", cmd.UnlinkSeqnum)
			s.metrics.Unlink()
			ret := usbip.RetUnlink{
				Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: cmd.Basic.Seqnum},
				Status: usbip.ECONNRESET,
			}
			if err := ret.Write(conn); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}

		case usbip.CmdSubmitCode:
			cmd, err := usbip.DecodeCmdSubmit(hdr[:])
			if err != nil {
				return err
			}
			if err := s.handleSubmit(ctx, logger, conn, dm.Dev, cmd); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: unsupported cmd %d (seq=%d, devid=%d)", usbip.ErrMalformed, basic.Command, basic.Seqnum, basic.Devid)
		}
	}
}

func (s *Server) handleSubmit(ctx context.Context, logger *slog.Logger, conn net.Conn, dev usb.Device, cmd usbip.CmdSubmit) error {
	var outPayload []byte
	if cmd.HasOutBuffer() {
		if s.config.MaxTransferLength > 0 && cmd.TransferBufferLen > s.config.MaxTransferLength {
			return fmt.Errorf("%w: OUT buffer of %d bytes", usbip.ErrMalformed, cmd.TransferBufferLen)
		}
		outPayload = make([]byte, cmd.TransferBufferLen)
		if err := usbip.ReadExactly(conn, outPayload); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}

	t := usb.Transfer{
		Endpoint:  uint8(cmd.Basic.Ep),
		Direction: usb.Direction(cmd.Basic.Dir),
		Setup:     cmd.Setup,
		Payload:   outPayload,
		Length:    cmd.TransferBufferLen,
	}
	logger.Log(ctx, log.LevelTrace, "USBIP_CMD_SUBMIT", "seq", cmd.Basic.Seqnum, "ep", t.Endpoint, "dir", t.Direction, "len", t.Length)

	reply, err := dev.HandleTransfer(ctx, t)
	status := int32(usbip.StatusOK)
	switch {
	case errors.Is(err, usb.ErrSuppressed):
		s.metrics.Submit(metrics.OutcomeSuppressed)
		return nil
	case errors.Is(err, usb.ErrNoReply):
		s.metrics.Submit(metrics.OutcomeStall)
		status, reply = usbip.EPIPE, nil
	case err != nil:
		logger.Warn("Transfer failed", "seq", cmd.Basic.Seqnum, "ep", t.Endpoint, "error", err)
		s.metrics.Submit(metrics.OutcomeStall)
		status, reply = usbip.EPIPE, nil
	default:
		s.metrics.Submit(metrics.OutcomeReply)
	}

	ret := usbip.RetSubmit{
		Basic:  usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: cmd.Basic.Seqnum},
		Status: status,
	}
	if t.Direction == usb.DirIn {
		if uint32(len(reply)) > cmd.TransferBufferLen {
			reply = reply[:cmd.TransferBufferLen]
		}
		ret.ActualLength = uint32(len(reply))
	} else {
		reply = nil
		if status == usbip.StatusOK {
			ret.ActualLength = uint32(len(outPayload))
		}
	}
	if _, err := conn.Write(ret.Reply(reply)); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return nil
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error). We treat those as normal client disconnects and log
// them at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	e := strings.ToLower(err.Error())
	if strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "aborted") {
		return true
	}
	return false
}
