package packet

import (
	"encoding/binary"

	"github.com/antonioclim/netENwsl-sub003/capture"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8

	ethernetHeaderLen = 14
	vlanTagLen        = 4
	sllHeaderLen      = 16
	nullHeaderLen     = 4

	// unknownScanWindow is how far into a frame of unknown linktype we look
	// for something resembling an IPv4 header.
	unknownScanWindow = 64
)

// NetworkLayer strips the link header of frame and returns the IP packet.
func NetworkLayer(link capture.LinkType, frame []byte) ([]byte, bool) {
	switch link {
	case capture.LinkTypeEthernet:
		return stripEthernet(frame)
	case capture.LinkTypeLinuxSLL:
		if len(frame) < sllHeaderLen || !isIPEtherType(binary.BigEndian.Uint16(frame[14:16])) {
			return nil, false
		}
		return frame[sllHeaderLen:], true
	case capture.LinkTypeRaw, capture.LinkTypeRawBSD, capture.LinkTypeRawOld,
		capture.LinkTypeIPv4, capture.LinkTypeIPv6:
		return frame, len(frame) > 0
	case capture.LinkTypeNull:
		if len(frame) <= nullHeaderLen {
			return nil, false
		}
		ip := frame[nullHeaderLen:]
		if v := ip[0] >> 4; v != 4 && v != 6 {
			return nil, false
		}
		return ip, true
	default:
		return scanForIPv4(frame)
	}
}

func isIPEtherType(t uint16) bool {
	return t == etherTypeIPv4 || t == etherTypeIPv6
}

func stripEthernet(frame []byte) ([]byte, bool) {
	if len(frame) < ethernetHeaderLen {
		return nil, false
	}
	off := 12
	etherType := binary.BigEndian.Uint16(frame[off : off+2])
	// at most two stacked tags
	for i := 0; i < 2 && (etherType == etherTypeVLAN || etherType == etherTypeQinQ); i++ {
		off += vlanTagLen
		if len(frame) < off+2 {
			return nil, false
		}
		etherType = binary.BigEndian.Uint16(frame[off : off+2])
	}
	if !isIPEtherType(etherType) {
		return nil, false
	}
	return frame[off+2:], true
}

// scanForIPv4 is the best-effort path for unknown linktypes: the first byte
// in the scan window carrying version 4 and a sane IHL is taken as the start
// of an IPv4 header.
func scanForIPv4(frame []byte) ([]byte, bool) {
	limit := len(frame)
	if limit > unknownScanWindow {
		limit = unknownScanWindow
	}
	for i := 0; i < limit; i++ {
		b := frame[i]
		if b>>4 != 4 || b&0x0F < 5 {
			continue
		}
		if _, ok := decodeIPv4(frame[i:]); ok {
			return frame[i:], true
		}
	}
	return nil, false
}
