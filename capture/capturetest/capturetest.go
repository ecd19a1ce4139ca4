// Package capturetest builds packets and capture files for tests.
//
// Frames are serialized with gopacket so fixtures are produced by an
// independent encoder rather than by the decoder under test.
package capturetest

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// BaseTime is the timestamp of the first frame written by the helpers.
var BaseTime = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

// Segment describes one transport segment to build.
type Segment struct {
	SrcIP, DstIP     string
	SrcPort, DstPort uint16
	UDP              bool
	SYN, ACK         bool
	FIN, RST, PSH    bool
	Seq, Ack         uint32
	Payload          []byte
}

// TCP returns a PSH+ACK segment carrying payload.
func TCP(src string, sport uint16, dst string, dport uint16, payload []byte) Segment {
	return Segment{SrcIP: src, DstIP: dst, SrcPort: sport, DstPort: dport, ACK: true, PSH: true, Seq: 1, Ack: 1, Payload: payload}
}

// UDP returns a UDP datagram carrying payload.
func UDP(src string, sport uint16, dst string, dport uint16, payload []byte) Segment {
	return Segment{SrcIP: src, DstIP: dst, SrcPort: sport, DstPort: dport, UDP: true, Payload: payload}
}

// Handshake returns SYN, SYN+ACK and ACK segments between a client and a server.
func Handshake(client string, cport uint16, server string, sport uint16) []Segment {
	return []Segment{
		{SrcIP: client, DstIP: server, SrcPort: cport, DstPort: sport, SYN: true, Seq: 100},
		{SrcIP: server, DstIP: client, SrcPort: sport, DstPort: cport, SYN: true, ACK: true, Seq: 300, Ack: 101},
		{SrcIP: client, DstIP: server, SrcPort: cport, DstPort: sport, ACK: true, Seq: 101, Ack: 301},
	}
}

func (s Segment) layers(t testing.TB) []gopacket.SerializableLayer {
	t.Helper()
	src, dst := net.ParseIP(s.SrcIP), net.ParseIP(s.DstIP)
	if src == nil || dst == nil {
		t.Fatalf("capturetest: bad address %q -> %q", s.SrcIP, s.DstIP)
	}
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	proto := layers.IPProtocolTCP
	if s.UDP {
		proto = layers.IPProtocolUDP
	}
	if v4 := src.To4(); v4 != nil {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: v4, DstIP: dst.To4()}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src, DstIP: dst}
		network, ipLayer = ip, ip
	}
	if s.UDP {
		udp := &layers.UDP{SrcPort: layers.UDPPort(s.SrcPort), DstPort: layers.UDPPort(s.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			t.Fatalf("capturetest: %v", err)
		}
		return []gopacket.SerializableLayer{ipLayer, udp, gopacket.Payload(s.Payload)}
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort), DstPort: layers.TCPPort(s.DstPort),
		Seq: s.Seq, Ack: s.Ack, Window: 65535,
		SYN: s.SYN, ACK: s.ACK, FIN: s.FIN, RST: s.RST, PSH: s.PSH,
	}
	if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
		t.Fatalf("capturetest: %v", err)
	}
	return []gopacket.SerializableLayer{ipLayer, tcp, gopacket.Payload(s.Payload)}
}

func serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("capturetest: serialize: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// RawIP returns s as an IP packet with no link header.
func RawIP(t testing.TB, s Segment) []byte {
	t.Helper()
	return serialize(t, s.layers(t)...)
}

// Ethernet returns s wrapped in an Ethernet II header.
func Ethernet(t testing.TB, s Segment) []byte {
	t.Helper()
	etherType := layers.EthernetTypeIPv4
	if net.ParseIP(s.SrcIP).To4() == nil {
		etherType = layers.EthernetTypeIPv6
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02},
		DstMAC:       net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x03},
		EthernetType: etherType,
	}
	return serialize(t, append([]gopacket.SerializableLayer{eth}, s.layers(t)...)...)
}

// LinuxSLL returns s behind a 16-byte Linux cooked-capture header.
func LinuxSLL(t testing.TB, s Segment) []byte {
	t.Helper()
	ip := RawIP(t, s)
	hdr := make([]byte, 16)
	hdr[1] = 0     // packet sent to us
	hdr[3] = 1     // ARPHRD_ETHER
	hdr[5] = 6     // address length
	hdr[14] = 0x08 // protocol 0x0800
	if ip[0]>>4 == 6 {
		hdr[14], hdr[15] = 0x86, 0xDD
	}
	return append(hdr, ip...)
}

// EthernetFrames converts segments to Ethernet frames.
func EthernetFrames(t testing.TB, segs ...Segment) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(segs))
	for _, s := range segs {
		out = append(out, Ethernet(t, s))
	}
	return out
}

func create(t testing.TB, dir, name string) (*os.File, string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("capturetest: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("capturetest: %v", err)
	}
	return f, path
}

func captureInfo(i int, data []byte) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     BaseTime.Add(time.Duration(i) * time.Millisecond),
		CaptureLength: len(data),
		Length:        len(data),
	}
}

// WritePcap writes frames as a classic (microsecond, little-endian) pcap file
// and returns its path.
func WritePcap(t testing.TB, dir, name string, link layers.LinkType, frames ...[]byte) string {
	t.Helper()
	f, path := create(t, dir, name)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, link); err != nil {
		t.Fatalf("capturetest: %v", err)
	}
	for i, fr := range frames {
		if err := w.WritePacket(captureInfo(i, fr), fr); err != nil {
			t.Fatalf("capturetest: %v", err)
		}
	}
	return path
}

// WritePcapNG writes frames as a single-interface pcapng file and returns its path.
func WritePcapNG(t testing.TB, dir, name string, link layers.LinkType, frames ...[]byte) string {
	t.Helper()
	f, path := create(t, dir, name)
	defer f.Close()
	w, err := pcapgo.NewNgWriter(f, link)
	if err != nil {
		t.Fatalf("capturetest: %v", err)
	}
	for i, fr := range frames {
		if err := w.WritePacket(captureInfo(i, fr), fr); err != nil {
			t.Fatalf("capturetest: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("capturetest: %v", err)
	}
	return path
}
