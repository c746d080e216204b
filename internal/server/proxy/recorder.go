package proxy

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Alia5/usbreplay/capture"
	"github.com/Alia5/usbreplay/usb"
	"github.com/Alia5/usbreplay/usbip"
)

// Recorder turns proxied URB traffic into capture transactions. Every
// proxied connection is recorded as its own source with a fresh salt.
type Recorder struct {
	corpus *capture.Corpus
	logger *slog.Logger
	conns  atomic.Uint32
}

// NewRecorder adds recorded transactions to corpus.
func NewRecorder(corpus *capture.Corpus, logger *slog.Logger) *Recorder {
	return &Recorder{corpus: corpus, logger: logger}
}

// Corpus returns the corpus transactions are added to.
func (r *Recorder) Corpus() *capture.Corpus { return r.corpus }

// Session starts recording one connection. A nil Recorder yields a nil
// Session, which records nothing.
func (r *Recorder) Session() *Session {
	if r == nil {
		return nil
	}
	n := r.conns.Add(1)
	return &Session{
		rec:     r,
		salt:    capture.NewSalt(),
		idBase:  uint64(n) << 32,
		pending: make(map[uint32]pendingURB),
		unlinks: make(map[uint32]uint32),
	}
}

type pendingURB struct {
	endpoint  uint8
	direction usb.Direction
	xfer      usb.TransferType
	setup     usb.Setup
	unlinked  bool
}

// Session tracks the URBs in flight on one proxied connection.
type Session struct {
	rec    *Recorder
	salt   uuid.UUID
	idBase uint64

	mu      sync.Mutex
	pending map[uint32]pendingURB
	unlinks map[uint32]uint32
	config  *usb.ConfigSummary
}

func (s *Session) id(seq uint32) uint64 { return s.idBase | uint64(seq) }

func (s *Session) add(t *capture.Transaction) {
	if !s.rec.corpus.Add(t) && t.Stage == capture.StageComplete {
		s.rec.logger.Debug("Completion without open submission", "id", t.ID)
	}
}

func (s *Session) transferType(ep uint8, dir usb.Direction) usb.TransferType {
	if ep == 0 {
		return usb.TransferControl
	}
	if s.config != nil {
		if e, ok := s.config.Endpoint(ep, dir); ok {
			return e.TransferType()
		}
	}
	return usb.TransferInterrupt
}

// inbound reports whether the RET_SUBMIT for seq carries a payload.
func (s *Session) inbound(seq uint32) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[seq]
	return ok && p.direction == usb.DirIn
}

func (s *Session) submit(cmd usbip.CmdSubmit, payload []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := pendingURB{
		endpoint:  uint8(cmd.Basic.Ep),
		direction: usb.Direction(cmd.Basic.Dir),
	}
	p.xfer = s.transferType(p.endpoint, p.direction)
	t := &capture.Transaction{
		ID:           s.id(cmd.Basic.Seqnum),
		Stage:        capture.StageSubmit,
		TransferType: p.xfer,
		Endpoint:     p.endpoint,
		Direction:    p.direction,
		Payload:      append([]byte(nil), payload...),
		Salt:         s.salt,
	}
	if p.xfer == usb.TransferControl {
		t.Setup = cmd.Setup
		p.setup, _ = usb.DecodeSetup(cmd.Setup[:])
	}
	s.pending[cmd.Basic.Seqnum] = p
	s.add(t)
}

func (s *Session) complete(ret usbip.RetSubmit, payload []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[ret.Basic.Seqnum]
	if !ok {
		s.rec.logger.Debug("RET_SUBMIT without recorded CMD_SUBMIT", "seq", ret.Basic.Seqnum)
		return
	}
	delete(s.pending, ret.Basic.Seqnum)
	if p.unlinked {
		return
	}

	t := &capture.Transaction{
		ID:           s.id(ret.Basic.Seqnum),
		Stage:        capture.StageComplete,
		TransferType: p.xfer,
		Endpoint:     p.endpoint,
		Direction:    p.direction,
		Payload:      append([]byte(nil), payload...),
		Salt:         s.salt,
	}
	if ret.Status != usbip.StatusOK {
		t.Stage = capture.StageError
		t.Payload = nil
	}
	s.add(t)

	if t.Stage == capture.StageComplete && p.setup.Kind == usb.DeviceGetDescriptor &&
		p.setup.DescriptorType() == usb.ConfigDescType && p.setup.DescriptorIndex() == 0 {
		if cfg, err := usb.ParseConfiguration(payload); err == nil {
			s.config = &cfg
		}
	}
}

func (s *Session) unlink(cmd usbip.CmdUnlink) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlinks[cmd.Basic.Seqnum] = cmd.UnlinkSeqnum
}

// unlinked closes the victim URB when the server confirms the unlink.
func (s *Session) unlinked(ret usbip.RetUnlink) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	victim, ok := s.unlinks[ret.Basic.Seqnum]
	delete(s.unlinks, ret.Basic.Seqnum)
	if !ok || ret.Status != usbip.ECONNRESET {
		return
	}
	p, ok := s.pending[victim]
	if !ok || p.unlinked {
		return
	}
	// Kept so a racing RET_SUBMIT can still be framed.
	p.unlinked = true
	s.pending[victim] = p
	s.add(&capture.Transaction{
		ID:           s.id(victim),
		Stage:        capture.StageError,
		TransferType: p.xfer,
		Endpoint:     p.endpoint,
		Direction:    p.direction,
		Salt:         s.salt,
	})
}
