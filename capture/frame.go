// Package capture decodes classic pcap and pcapng files into a lazy,
// finite sequence of raw link-layer frames.
//
// A Reader streams one frame at a time, so large captures are never loaded
// wholesale. Restarting a sequence means opening a new Reader.
package capture

import (
	"fmt"
	"time"
)

// LinkType is a pcap LINKTYPE_* value.
type LinkType uint32

const (
	LinkTypeNull     LinkType = 0
	LinkTypeEthernet LinkType = 1
	LinkTypeRawBSD   LinkType = 12
	LinkTypeRawOld   LinkType = 14
	LinkTypeRaw      LinkType = 101
	LinkTypeLinuxSLL LinkType = 113
	LinkTypeIPv4     LinkType = 228
	LinkTypeIPv6     LinkType = 229

	// LinkTypeUnknown marks frames whose pcapng interface was never described.
	LinkTypeUnknown LinkType = 0xFFFFFFFF
)

func (l LinkType) String() string {
	switch l {
	case LinkTypeNull:
		return "null"
	case LinkTypeEthernet:
		return "ethernet"
	case LinkTypeRawBSD, LinkTypeRawOld, LinkTypeRaw:
		return "raw"
	case LinkTypeLinuxSLL:
		return "linux-sll"
	case LinkTypeIPv4:
		return "ipv4"
	case LinkTypeIPv6:
		return "ipv6"
	case LinkTypeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("linktype(%d)", uint32(l))
	}
}

// Format identifies the container format of a capture file.
type Format int

const (
	FormatPcap Format = iota + 1
	FormatPcapNG
)

func (f Format) String() string {
	switch f {
	case FormatPcap:
		return "pcap"
	case FormatPcapNG:
		return "pcapng"
	default:
		return "unknown"
	}
}

// Frame is one captured link-layer frame.
type Frame struct {
	LinkType  LinkType
	Timestamp time.Time
	// Data holds the captured bytes, which may be shorter than OrigLen.
	Data    []byte
	OrigLen int
	// Interface is the pcapng interface index (always 0 for classic pcap).
	Interface int
}

// MaxRecordSize bounds a single record or block. Larger declared lengths are
// treated as corruption rather than allocated.
const MaxRecordSize = 64 << 20
