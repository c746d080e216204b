// Package capture normalizes recorded USB traffic into transactions and pairs
// submissions with their completions.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/Alia5/usbreplay/usb"
)

// Stage tags the half of a transaction a frame records.
type Stage uint8

const (
	StageSubmit Stage = iota + 1
	StageComplete
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageSubmit:
		return "submit"
	case StageComplete:
		return "complete"
	case StageError:
		return "error"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// ErrSkipFrame is returned by the adapters for frames that carry no usable
// transfer stage. Callers drop them.
var ErrSkipFrame = errors.New("frame has no usable transfer stage")

// Transaction is one observed USB event. It is not modified after an adapter
// returns it.
type Transaction struct {
	ID           uint64
	Stage        Stage
	TransferType usb.TransferType
	Endpoint     uint8
	Direction    usb.Direction
	// Setup is only meaningful on control submissions.
	Setup   [usb.SetupLen]byte
	Payload []byte
	Salt    uuid.UUID
}

// DecodedSetup classifies the setup block.
func (t *Transaction) DecodedSetup() usb.Setup {
	s, _ := usb.DecodeSetup(t.Setup[:])
	return s
}

func (t *Transaction) Key() Key { return Key{Salt: t.Salt, ID: t.ID} }

// Key identifies a transaction across capture sources.
type Key struct {
	Salt uuid.UUID
	ID   uint64
}

// Pair is a submission and its completion. Complete is nil when no response
// was recorded.
type Pair struct {
	Submit   *Transaction
	Complete *Transaction
}

// Response returns the recorded completion payload.
func (p *Pair) Response() ([]byte, bool) {
	if p.Complete == nil {
		return nil, false
	}
	return p.Complete.Payload, true
}

// NewSalt returns a fresh salt for one capture source.
func NewSalt() uuid.UUID { return uuid.New() }

// Corpus is the pairing table shared by all ingested sources. Pairs keep
// the order in which their submissions were first seen.
type Corpus struct {
	mu    sync.RWMutex
	open  map[Key]*Pair
	pairs []*Pair
}

func NewCorpus() *Corpus {
	return &Corpus{open: make(map[Key]*Pair)}
}

// IngestStats counts what happened to the frames of one source.
type IngestStats struct {
	Frames  int
	Dropped int
	Paired  int
}

// Ingest normalizes every frame of src under salt and adds it to the corpus.
func (c *Corpus) Ingest(src Source, salt uuid.UUID) (IngestStats, error) {
	var st IngestStats
	for {
		fr, err := src.Next()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("read frame %d: %w", st.Frames, err)
		}
		st.Frames++
		t, err := Normalize(fr, salt)
		if err != nil {
			st.Dropped++
			continue
		}
		if c.Add(t) && t.Stage == StageComplete {
			st.Paired++
		}
	}
}

// Add inserts one transaction. A submission opens a new pair under its key;
// a completion closes the open pair with the same key. Error frames close the
// open pair without a response. Error frames and completions without an open
// submission are not stored and Add reports false for them.
func (c *Corpus) Add(t *Transaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.Stage {
	case StageSubmit:
		p := &Pair{Submit: t}
		c.open[t.Key()] = p
		c.pairs = append(c.pairs, p)
		return true
	case StageComplete:
		p, ok := c.open[t.Key()]
		if !ok {
			return false
		}
		p.Complete = t
		delete(c.open, t.Key())
		return true
	case StageError:
		delete(c.open, t.Key())
		return false
	default:
		return false
	}
}

// Pairs returns a snapshot of all pairs in insertion order.
func (c *Corpus) Pairs() []*Pair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Pair, len(c.pairs))
	for i, p := range c.pairs {
		cp := *p
		out[i] = &cp
	}
	return out
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pairs)
}
