// Package proxy relays USB/IP between a client and an upstream server,
// logging the protocol and optionally recording the traffic for replay.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/usbreplay/internal/log"
)

type Server struct {
	listenAddr        string
	upstreamAddr      string
	connectionTimeout time.Duration
	logger            *slog.Logger
	rawLogger         log.RawLogger
	recorder          *Recorder

	mu        sync.Mutex
	ln        net.Listener
	conns     map[net.Conn]struct{}
	closed    bool
	ready     chan struct{}
	readyOnce sync.Once
}

func New(listenAddr, upstreamAddr string, connectionTimeout time.Duration, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		listenAddr:        listenAddr,
		upstreamAddr:      upstreamAddr,
		connectionTimeout: connectionTimeout,
		logger:            logger,
		rawLogger:         rawLogger,
		conns:             make(map[net.Conn]struct{}),
		ready:             make(chan struct{}),
	}
}

// SetRecorder records every proxied connection with r.
func (s *Server) SetRecorder(r *Recorder) { s.recorder = r }

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USB-IP proxy listening", "addr", ln.Addr().String(), "upstream", s.upstreamAddr, "recording", s.recorder != nil)

	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Proxy server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", clientConn.RemoteAddr())
		go s.handleProxy(clientConn)
	}
}

// Ready is closed once the listener is bound.
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

// Close stops the listener and drops every relayed connection.
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

func (s *Server) track(conns ...net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, c := range conns {
		s.conns[c] = struct{}{}
	}
	return true
}

func (s *Server) untrack(conns ...net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range conns {
		delete(s.conns, c)
	}
}

func (s *Server) handleProxy(client net.Conn) {
	defer client.Close()
	remote := client.RemoteAddr().String()
	logger := s.logger.With("client", remote)

	upstream, err := net.DialTimeout("tcp", s.upstreamAddr, s.connectionTimeout)
	if err != nil {
		logger.Error("Failed to connect to upstream", "upstream", s.upstreamAddr, "error", err)
		return
	}
	defer upstream.Close()
	if !s.track(client, upstream) {
		return
	}
	defer s.untrack(client, upstream)

	// Both sides must speak within the timeout; the first chunk clears it.
	deadline := time.Now().Add(s.connectionTimeout)
	if err := errors.Join(client.SetDeadline(deadline), upstream.SetDeadline(deadline)); err != nil {
		logger.Error("Failed to set deadline", "error", err)
		return
	}
	logger.Info("Proxying connection", "upstream", upstream.RemoteAddr())

	sess := s.recorder.Session()
	raw := log.WithPrefix(s.rawLogger, remote)
	pumps := []*pump{
		{src: client, dst: upstream, clientToServer: true, raw: raw, parser: NewParser(logger, true, sess)},
		{src: upstream, dst: client, clientToServer: false, raw: raw, parser: NewParser(logger, false, sess)},
	}

	var wg sync.WaitGroup
	for _, p := range pumps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := p.run()
			if err != nil && !isExpectedDisconnect(err) {
				logger.Debug("Relay error", "dir", dirString(p.clientToServer), "error", err)
			}
			logger.Debug("Relay ended", "dir", dirString(p.clientToServer), "bytes", n)
			halfClose(p.dst, true)
			halfClose(p.src, false)
		}()
	}
	wg.Wait()
	logger.Info("Connection closed")
}

// pump relays one direction of a proxied connection.
type pump struct {
	src, dst       net.Conn
	clientToServer bool
	raw            log.RawLogger
	parser         *Parser
}

// run parses each chunk before forwarding it, so a command is always
// recorded before the peer can answer it.
func (p *pump) run() (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	first := true
	for {
		n, rerr := p.src.Read(buf)
		if n > 0 {
			if p.raw != nil {
				p.raw.Log(p.clientToServer, buf[:n])
			}
			p.parser.Parse(buf[:n])

			if first {
				first = false
				if err := errors.Join(p.src.SetDeadline(time.Time{}), p.dst.SetDeadline(time.Time{})); err != nil {
					return total, err
				}
			}

			wn, werr := p.dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func halfClose(conn net.Conn, write bool) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if write {
		_ = tc.CloseWrite()
	} else {
		_ = tc.CloseRead()
	}
}

func isExpectedDisconnect(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
