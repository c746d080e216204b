package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger records raw wire chunks exchanged with USB/IP peers.
type RawLogger interface {
	// Log records one chunk. in is true for bytes read from the peer.
	Log(in bool, data []byte)
}

type rawLogger struct {
	w      io.Writer
	mu     *sync.Mutex
	prefix string
}

// NewRaw returns a RawLogger writing one hex dump line per chunk to w. A nil
// writer yields a logger that drops everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w, mu: &sync.Mutex{}}
}

// WithPrefix returns a RawLogger sharing l's writer whose lines start with
// prefix. Loggers not created by NewRaw are returned unchanged.
func WithPrefix(l RawLogger, prefix string) RawLogger {
	r, ok := l.(*rawLogger)
	if !ok {
		return l
	}
	return &rawLogger{w: r.w, mu: r.mu, prefix: prefix}
}

func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	dir := "S->C"
	if in {
		dir = "C->S"
	}
	prefix := ""
	if r.prefix != "" {
		prefix = r.prefix + " "
	}
	line := fmt.Sprintf("%s %s%s chunk: %d bytes, hex: % x\n",
		time.Now().Format("2006/01/02 15:04:05"),
		prefix,
		dir,
		len(data),
		data)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}

// Dump formats data as a canonical hex dump for trace logging.
func Dump(data []byte) string { return hex.Dump(data) }
