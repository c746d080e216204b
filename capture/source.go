package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/efficientgo/core/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"
)

// Frame is one raw record yielded by a capture source.
type Frame struct {
	LinkType layers.LinkType
	Data     []byte
}

// Source yields frames until it returns io.EOF.
type Source interface {
	Next() (Frame, error)
}

// Frames is an in-memory Source.
type Frames []Frame

func (f *Frames) Next() (Frame, error) {
	if len(*f) == 0 {
		return Frame{}, io.EOF
	}
	fr := (*f)[0]
	*f = (*f)[1:]
	return fr, nil
}

// Normalize dispatches a frame to the adapter for its link type.
func Normalize(fr Frame, salt uuid.UUID) (*Transaction, error) {
	switch fr.LinkType {
	case LinkTypeUsbmon, LinkTypeUsbmonMmapped:
		return FromUsbmon(fr.LinkType, fr.Data, salt)
	case LinkTypeUSBPcap:
		return FromUSBPcap(fr.Data, salt)
	default:
		return nil, fmt.Errorf("%w: link type %s", ErrSkipFrame, fr.LinkType)
	}
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

const pcapngMagic = 0x0A0D0D0A

// FileSource reads frames from a pcap or pcapng file.
type FileSource struct {
	Path string
	f    *os.File
	r    packetReader
}

// OpenFile opens a capture file, detecting pcapng by its section header magic.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture %s", path)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "read capture magic of %s", path)
	}

	var r packetReader
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "parse capture header of %s", path)
	}
	return &FileSource{Path: path, f: f, r: r}, nil
}

func (s *FileSource) LinkType() layers.LinkType { return s.r.LinkType() }

func (s *FileSource) Next() (Frame, error) {
	data, _, err := s.r.ReadPacketData()
	if err != nil {
		return Frame{}, err
	}
	return Frame{LinkType: s.r.LinkType(), Data: data}, nil
}

func (s *FileSource) Close() error { return s.f.Close() }

// ExpandPaths replaces each directory in paths by the regular files it
// directly contains, in name order.
func ExpandPaths(paths ...string) ([]string, error) {
	var out []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", p)
		}
		if !fi.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read capture directory %s", p)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				out = append(out, filepath.Join(p, e.Name()))
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.Newf("no capture files in %v", paths)
	}
	return out, nil
}

// IngestFile opens one capture file and ingests it under a fresh salt.
func (c *Corpus) IngestFile(path string) (IngestStats, error) {
	src, err := OpenFile(path)
	if err != nil {
		return IngestStats{}, err
	}
	defer src.Close()
	st, err := c.Ingest(src, NewSalt())
	if err != nil {
		return st, errors.Wrapf(err, "ingest %s", path)
	}
	return st, nil
}
