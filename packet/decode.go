package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/antonioclim/netENwsl-sub003/capture"
)

const (
	protoTCP = 6
	protoUDP = 17

	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
	tcpMinHeaderLen  = 20
	udpHeaderLen     = 8
)

// Decode strips every header of frame down to the transport payload.
func Decode(link capture.LinkType, frame []byte) (Record, bool) {
	ip, ok := NetworkLayer(link, frame)
	if !ok {
		return Record{}, false
	}
	return DecodeIP(ip)
}

// DecodeIP decodes an IPv4 or IPv6 packet.
func DecodeIP(b []byte) (Record, bool) {
	if len(b) == 0 {
		return Record{}, false
	}
	switch b[0] >> 4 {
	case 4:
		return decodeIPv4(b)
	case 6:
		return decodeIPv6(b)
	default:
		return Record{}, false
	}
}

func decodeIPv4(b []byte) (Record, bool) {
	if len(b) < ipv4MinHeaderLen || b[0]>>4 != 4 {
		return Record{}, false
	}
	ihl := int(b[0]&0x0F) * 4
	if ihl < ipv4MinHeaderLen || len(b) < ihl {
		return Record{}, false
	}
	end := len(b)
	// total_length bounds the segment; a bogus value falls back to what was captured
	if total := int(binary.BigEndian.Uint16(b[2:4])); total >= ihl && total < end {
		end = total
	}
	rec := Record{
		Transport: Other,
		SrcAddr:   netip.AddrFrom4([4]byte(b[12:16])),
		DstAddr:   netip.AddrFrom4([4]byte(b[16:20])),
	}
	// only the first fragment carries the transport header
	if binary.BigEndian.Uint16(b[6:8])&0x1FFF != 0 {
		return rec, true
	}
	return decodeTransport(rec, b[9], b[ihl:end])
}

func decodeIPv6(b []byte) (Record, bool) {
	if len(b) < ipv6HeaderLen || b[0]>>4 != 6 {
		return Record{}, false
	}
	end := len(b)
	if plen := int(binary.BigEndian.Uint16(b[4:6])); plen > 0 && ipv6HeaderLen+plen < end {
		end = ipv6HeaderLen + plen
	}
	rec := Record{
		Transport: Other,
		SrcAddr:   netip.AddrFrom16([16]byte(b[8:24])),
		DstAddr:   netip.AddrFrom16([16]byte(b[24:40])),
	}
	return decodeTransport(rec, b[6], b[ipv6HeaderLen:end])
}

func decodeTransport(rec Record, proto byte, seg []byte) (Record, bool) {
	switch proto {
	case protoTCP:
		if len(seg) < tcpMinHeaderLen {
			return Record{}, false
		}
		off := int(seg[12]>>4) * 4
		if off < tcpMinHeaderLen || off > len(seg) {
			return Record{}, false
		}
		rec.Transport = TCP
		rec.SrcPort = binary.BigEndian.Uint16(seg[0:2])
		rec.DstPort = binary.BigEndian.Uint16(seg[2:4])
		rec.Flags = Flags(seg[13] & 0x3F)
		rec.Payload = seg[off:]
	case protoUDP:
		if len(seg) < udpHeaderLen {
			return Record{}, false
		}
		end := len(seg)
		if l := int(binary.BigEndian.Uint16(seg[4:6])); l >= udpHeaderLen && l < end {
			end = l
		}
		rec.Transport = UDP
		rec.SrcPort = binary.BigEndian.Uint16(seg[0:2])
		rec.DstPort = binary.BigEndian.Uint16(seg[2:4])
		rec.Payload = seg[udpHeaderLen:end]
	}
	return rec, true
}
