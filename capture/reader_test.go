package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"

	"github.com/antonioclim/netENwsl-sub003/capture/capturetest"
	"github.com/antonioclim/netENwsl-sub003/fault"
)

func readAll(t *testing.T, path string) ([]Frame, *Reader) {
	t.Helper()
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	var out []Frame
	for {
		fr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, r
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, fr)
	}
}

func sampleFrames(t *testing.T) [][]byte {
	t.Helper()
	return capturetest.EthernetFrames(t,
		capturetest.TCP("10.0.0.1", 40000, "10.0.0.2", 9090, []byte("hello")),
		capturetest.UDP("10.0.0.1", 40001, "10.0.0.2", 9091, []byte("world")),
		capturetest.TCP("10.0.0.2", 9090, "10.0.0.1", 40000, []byte("bye")),
	)
}

func TestOpen_ClassicPcap(t *testing.T) {
	frames := sampleFrames(t)
	path := capturetest.WritePcap(t, t.TempDir(), "lab.pcap", layers.LinkTypeEthernet, frames...)

	got, r := readAll(t, path)
	if r.Format() != FormatPcap {
		t.Fatalf("expected pcap format, got %s", r.Format())
	}
	if len(got) != len(frames) {
		t.Fatalf("expected %d frames, got %d", len(frames), len(got))
	}
	for i, fr := range got {
		if fr.LinkType != LinkTypeEthernet {
			t.Fatalf("frame %d: linktype %s", i, fr.LinkType)
		}
		if diff := cmp.Diff(frames[i], fr.Data); diff != "" {
			t.Fatalf("frame %d data mismatch (-want +got):\n%s", i, diff)
		}
		want := capturetest.BaseTime.Add(time.Duration(i) * time.Millisecond)
		if !fr.Timestamp.Equal(want) {
			t.Fatalf("frame %d: timestamp %s want %s", i, fr.Timestamp, want)
		}
	}
}

func TestOpen_PcapNGFromGopacket(t *testing.T) {
	frames := sampleFrames(t)
	path := capturetest.WritePcapNG(t, t.TempDir(), "lab.pcapng", layers.LinkTypeEthernet, frames...)

	got, r := readAll(t, path)
	if r.Format() != FormatPcapNG {
		t.Fatalf("expected pcapng format, got %s", r.Format())
	}
	if len(got) != len(frames) {
		t.Fatalf("expected %d frames, got %d", len(frames), len(got))
	}
	for i, fr := range got {
		if fr.LinkType != LinkTypeEthernet {
			t.Fatalf("frame %d: linktype %s", i, fr.LinkType)
		}
		if !bytes.Equal(fr.Data, frames[i]) {
			t.Fatalf("frame %d data mismatch", i)
		}
	}
}

func TestOpen_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pcap")
	if err := os.WriteFile(path, []byte("this is not a capture file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if !fault.IsKind(err, fault.KindCaptureFormat) {
		t.Fatalf("expected CaptureFormat error, got %v", err)
	}
	if !strings.Contains(err.Error(), path) {
		t.Fatalf("error should name the file: %v", err)
	}
	if fault.RuleOf(err) != "LAB-CAP-002" {
		t.Fatalf("expected LAB-CAP-002, got %s", fault.RuleOf(err))
	}
}

func TestOpen_TooShort(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{0xd4, 0xc3}), "short.pcap")
	if fault.RuleOf(err) != "LAB-CAP-001" {
		t.Fatalf("expected LAB-CAP-001, got %v", err)
	}
	// Magic is fine but the global header is cut.
	_, err = NewReader(bytes.NewReader([]byte{0xd4, 0xc3, 0xb2, 0xa1, 2, 0, 4, 0}), "cut.pcap")
	if fault.RuleOf(err) != "LAB-CAP-003" {
		t.Fatalf("expected LAB-CAP-003, got %v", err)
	}
}

func TestNext_TruncatedTrailingRecordEndsQuietly(t *testing.T) {
	for _, tc := range []struct {
		name  string
		write func(t testing.TB, dir, name string, link layers.LinkType, frames ...[]byte) string
	}{
		{"lab.pcap", capturetest.WritePcap},
		{"lab.pcapng", capturetest.WritePcapNG},
	} {
		t.Run(tc.name, func(t *testing.T) {
			frames := sampleFrames(t)
			path := tc.write(t, t.TempDir(), tc.name, layers.LinkTypeEthernet, frames...)
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			// Cut into the middle of the last frame.
			if err := os.Truncate(path, info.Size()-int64(len(frames[2])/2)); err != nil {
				t.Fatal(err)
			}
			got, _ := readAll(t, path)
			if len(got) != 2 {
				t.Fatalf("expected the 2 complete frames before the cut, got %d", len(got))
			}
			for i := range got {
				if !bytes.Equal(got[i].Data, frames[i]) {
					t.Fatalf("frame %d corrupted", i)
				}
			}
		})
	}
}

func TestNext_BigEndianNanosecondPcap(t *testing.T) {
	var buf bytes.Buffer
	be := binary.BigEndian
	hdr := make([]byte, 24)
	be.PutUint32(hdr[0:4], magicNanos)
	be.PutUint16(hdr[4:6], 2)
	be.PutUint16(hdr[6:8], 4)
	be.PutUint32(hdr[16:20], 65535)
	be.PutUint32(hdr[20:24], uint32(LinkTypeRaw))
	buf.Write(hdr)
	payload := []byte{0x45, 0, 0, 20}
	rec := make([]byte, 16)
	be.PutUint32(rec[0:4], 1000)
	be.PutUint32(rec[4:8], 123456789)
	be.PutUint32(rec[8:12], uint32(len(payload)))
	be.PutUint32(rec[12:16], 60)
	buf.Write(rec)
	buf.Write(payload)

	r, err := NewReader(&buf, "be.pcap")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	fr, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := Frame{LinkType: LinkTypeRaw, Timestamp: time.Unix(1000, 123456789).UTC(), Data: payload, OrigLen: 60}
	if diff := cmp.Diff(want, fr); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestNext_OversizedRecordIsFormatError(t *testing.T) {
	var buf bytes.Buffer
	le := binary.LittleEndian
	hdr := make([]byte, 24)
	le.PutUint32(hdr[0:4], magicMicros)
	le.PutUint32(hdr[20:24], uint32(LinkTypeEthernet))
	buf.Write(hdr)
	rec := make([]byte, 16)
	le.PutUint32(rec[8:12], MaxRecordSize+1)
	buf.Write(rec)

	r, err := NewReader(&buf, "huge.pcap")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := r.Next(); !fault.IsKind(err, fault.KindCaptureFormat) {
		t.Fatalf("expected CaptureFormat error, got %v", err)
	}
}

// ngBuilder writes pcapng blocks by hand so byte order and block mix can be
// controlled precisely.
type ngBuilder struct {
	order binary.ByteOrder
	buf   bytes.Buffer
}

func (b *ngBuilder) block(typ uint32, body []byte) {
	pad := (4 - len(body)%4) % 4
	total := uint32(12 + len(body) + pad)
	var w [4]byte
	b.order.PutUint32(w[:], typ)
	b.buf.Write(w[:])
	b.order.PutUint32(w[:], total)
	b.buf.Write(w[:])
	b.buf.Write(body)
	b.buf.Write(make([]byte, pad))
	b.order.PutUint32(w[:], total)
	b.buf.Write(w[:])
}

func (b *ngBuilder) section() {
	body := make([]byte, 16)
	b.order.PutUint32(body[0:4], byteOrderMagic)
	b.order.PutUint16(body[4:6], 1)
	b.order.PutUint64(body[8:16], ^uint64(0))
	b.block(blockSectionHeader, body)
}

func (b *ngBuilder) iface(link LinkType, tsresol byte) {
	body := make([]byte, 8)
	b.order.PutUint16(body[0:2], uint16(link))
	b.order.PutUint32(body[4:8], 65535)
	if tsresol != 0 {
		opt := make([]byte, 12)
		b.order.PutUint16(opt[0:2], optTSResol)
		b.order.PutUint16(opt[2:4], 1)
		opt[4] = tsresol
		// opt[8:12] is opt_endofopt
		body = append(body, opt...)
	}
	b.block(blockInterfaceDescription, body)
}

func (b *ngBuilder) ifaceSnap(link LinkType, snaplen uint32) {
	body := make([]byte, 8)
	b.order.PutUint16(body[0:2], uint16(link))
	b.order.PutUint32(body[4:8], snaplen)
	b.block(blockInterfaceDescription, body)
}

func (b *ngBuilder) enhanced(id uint32, ticks uint64, data []byte) {
	body := make([]byte, 20)
	b.order.PutUint32(body[0:4], id)
	b.order.PutUint32(body[4:8], uint32(ticks>>32))
	b.order.PutUint32(body[8:12], uint32(ticks))
	b.order.PutUint32(body[12:16], uint32(len(data)))
	b.order.PutUint32(body[16:20], uint32(len(data)))
	b.block(blockEnhancedPacket, append(body, data...))
}

func (b *ngBuilder) simple(data []byte) {
	body := make([]byte, 4)
	b.order.PutUint32(body, uint32(len(data)))
	b.block(blockSimplePacket, append(body, data...))
}

func TestPcapNG_HandBuiltBlocks(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			b := &ngBuilder{order: order}
			b.section()
			b.iface(LinkTypeEthernet, 0)
			b.iface(LinkTypeRaw, 9) // nanoseconds
			b.block(0x00000BAD, []byte("custom block payload"))
			b.enhanced(0, 1_500_000, []byte{1, 2, 3})        // 1.5s in microseconds
			b.enhanced(1, 2_000_000_001, []byte{4, 5, 6, 7}) // 2s + 1ns
			b.simple([]byte{8, 9})
			b.enhanced(7, 0, []byte{10}) // undeclared interface

			r, err := NewReader(bytes.NewReader(b.buf.Bytes()), "hand.pcapng")
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			var got []Frame
			for {
				fr, err := r.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				got = append(got, fr)
			}
			want := []Frame{
				{LinkType: LinkTypeEthernet, Timestamp: time.Unix(1, 500_000_000).UTC(), Data: []byte{1, 2, 3}, OrigLen: 3},
				{LinkType: LinkTypeRaw, Timestamp: time.Unix(2, 1).UTC(), Data: []byte{4, 5, 6, 7}, OrigLen: 4, Interface: 1},
				{LinkType: LinkTypeEthernet, Data: []byte{8, 9}, OrigLen: 2},
				{LinkType: LinkTypeUnknown, Timestamp: time.Unix(0, 0).UTC(), Data: []byte{10}, OrigLen: 1, Interface: 7},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("frames mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPcapNG_NewSectionResetsInterfaces(t *testing.T) {
	b := &ngBuilder{order: binary.LittleEndian}
	b.section()
	b.iface(LinkTypeEthernet, 0)
	b.enhanced(0, 0, []byte{1})
	b.section()
	b.iface(LinkTypeLinuxSLL, 0)
	b.enhanced(0, 0, []byte{2})

	r, err := NewReader(bytes.NewReader(b.buf.Bytes()), "two-sections.pcapng")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.LinkType != LinkTypeEthernet || second.LinkType != LinkTypeLinuxSLL {
		t.Fatalf("unexpected linktypes %s, %s", first.LinkType, second.LinkType)
	}
}

func TestPcapNG_InvalidBlockLength(t *testing.T) {
	b := &ngBuilder{order: binary.LittleEndian}
	b.section()
	raw := b.buf.Bytes()
	bad := make([]byte, 8)
	binary.LittleEndian.PutUint32(bad[0:4], blockEnhancedPacket)
	binary.LittleEndian.PutUint32(bad[4:8], 13) // not a multiple of 4
	raw = append(raw, bad...)

	r, err := NewReader(bytes.NewReader(raw), "badlen.pcapng")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := r.Next(); fault.RuleOf(err) != "LAB-CAP-007" {
		t.Fatalf("expected LAB-CAP-007, got %v", err)
	}
}

func TestPcapNG_TruncatedBlockEndsQuietly(t *testing.T) {
	b := &ngBuilder{order: binary.LittleEndian}
	b.section()
	b.iface(LinkTypeEthernet, 0)
	b.enhanced(0, 0, []byte{1, 2, 3, 4})
	b.enhanced(0, 0, []byte{5, 6, 7, 8, 9, 10, 11, 12})
	raw := b.buf.Bytes()
	raw = raw[:len(raw)-10]

	r, err := NewReader(bytes.NewReader(raw), "cut.pcapng")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on truncated block, got %v", err)
	}
}

func TestPcapNG_SimplePacketHonoursSnapLen(t *testing.T) {
	b := &ngBuilder{order: binary.LittleEndian}
	b.section()
	b.ifaceSnap(LinkTypeRaw, 4)
	// The block holds the whole 6-byte packet but the interface only
	// captured 4.
	b.simple([]byte{1, 2, 3, 4, 5, 6})
	b.section()
	b.ifaceSnap(LinkTypeRaw, 0) // no limit
	b.simple([]byte{7, 8, 9})

	r, err := NewReader(bytes.NewReader(b.buf.Bytes()), "snap.pcapng")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var got []Frame
	for {
		fr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, fr)
	}
	want := []Frame{
		{LinkType: LinkTypeRaw, Data: []byte{1, 2, 3, 4}, OrigLen: 6},
		{LinkType: LinkTypeRaw, Data: []byte{7, 8, 9}, OrigLen: 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}
