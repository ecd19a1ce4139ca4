package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/antonioclim/netENwsl-sub003/fault"
)

const (
	magicMicros        = 0xA1B2C3D4
	magicNanos         = 0xA1B23C4D
	magicMicrosSwapped = 0xD4C3B2A1
	magicNanosSwapped  = 0x4D3CB2A1
	magicSectionHeader = 0x0A0D0D0A
)

// Reader yields frames from a capture file. The zero value is invalid; use
// Open or NewReader.
type Reader struct {
	name   string
	br     *bufio.Reader
	closer io.Closer
	format Format

	// order is the byte order of the current pcap file or pcapng section.
	order binary.ByteOrder

	// classic pcap state
	nanos bool
	link  LinkType

	// pcapng state
	ifaces []ngInterface
}

// Open opens path and detects its format from the first four bytes.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	r, err := NewReader(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads a capture from r. name is used in error messages.
func NewReader(r io.Reader, name string) (*Reader, error) {
	rd := &Reader{name: name, br: bufio.NewReaderSize(r, 64<<10)}
	magic, err := rd.br.Peek(4)
	if err != nil {
		return nil, rd.formatError("LAB-CAP-001", "file too short to hold a capture header")
	}
	switch binary.LittleEndian.Uint32(magic) {
	case magicMicros:
		rd.order = binary.LittleEndian
	case magicNanos:
		rd.order, rd.nanos = binary.LittleEndian, true
	case magicMicrosSwapped:
		rd.order = binary.BigEndian
	case magicNanosSwapped:
		rd.order, rd.nanos = binary.BigEndian, true
	case magicSectionHeader:
		rd.format = FormatPcapNG
		return rd, nil
	default:
		return nil, rd.formatError("LAB-CAP-002", fmt.Sprintf("unknown magic 0x%08x", binary.BigEndian.Uint32(magic)))
	}
	rd.format = FormatPcap
	if err := rd.readGlobalHeader(); err != nil {
		return nil, err
	}
	return rd, nil
}

// Name returns the name the reader was created with.
func (r *Reader) Name() string { return r.name }

// Format returns the detected container format.
func (r *Reader) Format() Format { return r.format }

// Next returns the next frame. It returns io.EOF at the end of the capture,
// including when the final record is truncated.
func (r *Reader) Next() (Frame, error) {
	if r.format == FormatPcapNG {
		return r.nextBlock()
	}
	return r.nextRecord()
}

// Close releases the underlying file, if the Reader owns one.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *Reader) formatError(rule, msg string) error {
	return fault.New(fault.KindCaptureFormat, rule, fmt.Sprintf("capture %s: %s", r.name, msg))
}

// readFull reads exactly len(buf) bytes. A short read at end of input is
// reported as io.EOF so a partial trailing record ends iteration quietly.
func (r *Reader) readFull(buf []byte) error {
	_, err := io.ReadFull(r.br, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// discard skips n bytes; running out of input is reported as io.EOF.
func (r *Reader) discard(n int) error {
	got, err := r.br.Discard(n)
	if got == n {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
