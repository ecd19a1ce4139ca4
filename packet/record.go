// Package packet strips link, network and transport headers from captured
// frames, exposing just enough of each segment to locate challenge tokens
// and recognise TCP handshakes.
//
// Nothing here panics or returns errors for malformed input: frames that
// cannot be decoded are reported as not ok and skipped by callers.
package packet

import (
	"fmt"
	"net/netip"
	"strings"
)

// Transport is the L4 protocol of a Record.
type Transport string

const (
	TCP   Transport = "tcp"
	UDP   Transport = "udp"
	Other Transport = "other"
)

// ParseTransport accepts "tcp" or "udp" in any case.
func ParseTransport(s string) (Transport, error) {
	switch Transport(strings.ToLower(s)) {
	case TCP:
		return TCP, nil
	case UDP:
		return UDP, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", s)
	}
}

// Flags holds the TCP control bits.
type Flags uint8

const (
	FIN Flags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
)

// Has reports whether every bit of x is set.
func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{{SYN, "SYN"}, {ACK, "ACK"}, {FIN, "FIN"}, {RST, "RST"}, {PSH, "PSH"}, {URG, "URG"}}
	var parts []string
	for _, n := range names {
		if f.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

// Record is the decoded view of one frame (the L4 record).
type Record struct {
	Transport Transport
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	SrcPort   uint16
	DstPort   uint16
	// Flags is only meaningful for TCP.
	Flags   Flags
	Payload []byte
}

// TouchesPort reports whether either port equals p.
func (r Record) TouchesPort(p uint16) bool {
	return r.SrcPort == p || r.DstPort == p
}

func (r Record) String() string {
	if r.Transport == Other {
		return fmt.Sprintf("other %s -> %s", r.SrcAddr, r.DstAddr)
	}
	s := fmt.Sprintf("%s %s -> %s len=%d",
		r.Transport,
		netip.AddrPortFrom(r.SrcAddr, r.SrcPort),
		netip.AddrPortFrom(r.DstAddr, r.DstPort),
		len(r.Payload))
	if r.Transport == TCP {
		s += " flags=" + r.Flags.String()
	}
	return s
}
