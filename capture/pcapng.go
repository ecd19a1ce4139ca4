package capture

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"
)

const (
	blockInterfaceDescription = 0x00000001
	blockPacketObsolete       = 0x00000002
	blockSimplePacket         = 0x00000003
	blockEnhancedPacket       = 0x00000006
	blockSectionHeader        = magicSectionHeader

	byteOrderMagic = 0x1A2B3C4D

	optEndOfOpt = 0
	optTSResol  = 9
	optTSOffset = 14

	minBlockLen = 12
)

// ngInterface is what an Interface Description Block tells us about the
// frames that reference it.
type ngInterface struct {
	link LinkType
	// ticksPerSecond is derived from if_tsresol; the default is microseconds.
	ticksPerSecond uint64
	offset         int64
	// snaplen caps simple packet blocks, which carry no captured length.
	// Zero means no limit.
	snaplen int
}

func (r *Reader) nextBlock() (Frame, error) {
	for {
		var head [8]byte
		if err := r.readFull(head[:]); err != nil {
			return Frame{}, err
		}
		// The section header type is a palindrome, so it reads the same in
		// either byte order; its length cannot be decoded until the
		// byte-order magic has been seen.
		if binary.LittleEndian.Uint32(head[0:4]) == blockSectionHeader {
			if err := r.readSectionHeader(head[4:8]); err != nil {
				return Frame{}, err
			}
			continue
		}
		typ := r.order.Uint32(head[0:4])
		length := r.order.Uint32(head[4:8])
		if err := r.checkBlockLength(length); err != nil {
			return Frame{}, err
		}
		bodyLen := int(length) - 8
		switch typ {
		case blockInterfaceDescription, blockEnhancedPacket, blockSimplePacket, blockPacketObsolete:
		default:
			if err := r.discard(bodyLen); err != nil {
				return Frame{}, err
			}
			continue
		}
		block := make([]byte, bodyLen)
		if err := r.readFull(block); err != nil {
			return Frame{}, err
		}
		body := block[:len(block)-4] // drop the trailing total length
		switch typ {
		case blockInterfaceDescription:
			r.ifaces = append(r.ifaces, r.parseInterface(body))
		case blockEnhancedPacket:
			if fr, ok := r.enhancedPacket(body); ok {
				return fr, nil
			}
		case blockSimplePacket:
			if fr, ok := r.simplePacket(body); ok {
				return fr, nil
			}
		case blockPacketObsolete:
			if fr, ok := r.obsoletePacket(body); ok {
				return fr, nil
			}
		}
	}
}

func (r *Reader) readSectionHeader(rawLen []byte) error {
	var bom [4]byte
	if err := r.readFull(bom[:]); err != nil {
		return err
	}
	switch binary.LittleEndian.Uint32(bom[:]) {
	case byteOrderMagic:
		r.order = binary.LittleEndian
	case bits.ReverseBytes32(byteOrderMagic):
		r.order = binary.BigEndian
	default:
		return r.formatError("LAB-CAP-005", fmt.Sprintf("bad pcapng byte-order magic 0x%08x", binary.BigEndian.Uint32(bom[:])))
	}
	length := r.order.Uint32(rawLen)
	if err := r.checkBlockLength(length); err != nil {
		return err
	}
	if length < 28 {
		return r.formatError("LAB-CAP-006", fmt.Sprintf("section header block too short (%d bytes)", length))
	}
	if err := r.discard(int(length) - 12); err != nil {
		return err
	}
	// Interface ids are scoped to their section.
	r.ifaces = r.ifaces[:0]
	return nil
}

func (r *Reader) checkBlockLength(length uint32) error {
	if length < minBlockLen || length%4 != 0 || length > MaxRecordSize {
		return r.formatError("LAB-CAP-007", fmt.Sprintf("invalid pcapng block length %d", length))
	}
	return nil
}

func (r *Reader) parseInterface(body []byte) ngInterface {
	ifc := ngInterface{link: LinkTypeUnknown, ticksPerSecond: 1_000_000}
	if len(body) < 8 {
		return ifc
	}
	ifc.link = LinkType(r.order.Uint16(body[0:2]))
	ifc.snaplen = int(r.order.Uint32(body[4:8]))
	opts := body[8:]
	for len(opts) >= 4 {
		code := r.order.Uint16(opts[0:2])
		olen := int(r.order.Uint16(opts[2:4]))
		if code == optEndOfOpt || 4+olen > len(opts) {
			break
		}
		val := opts[4 : 4+olen]
		switch {
		case code == optTSResol && olen >= 1:
			if tps, ok := ticksFromResolution(val[0]); ok {
				ifc.ticksPerSecond = tps
			}
		case code == optTSOffset && olen >= 8:
			ifc.offset = int64(r.order.Uint64(val[0:8]))
		}
		padded := (olen + 3) &^ 3
		if 4+padded > len(opts) {
			break
		}
		opts = opts[4+padded:]
	}
	return ifc
}

// ticksFromResolution decodes if_tsresol: the high bit selects a power of
// two, otherwise a power of ten.
func ticksFromResolution(v byte) (uint64, bool) {
	exp := uint64(v & 0x7F)
	if v&0x80 != 0 {
		if exp > 63 {
			return 0, false
		}
		return 1 << exp, true
	}
	if exp > 19 {
		return 0, false
	}
	tps := uint64(1)
	for i := uint64(0); i < exp; i++ {
		tps *= 10
	}
	return tps, true
}

func (r *Reader) iface(id int) ngInterface {
	if id >= 0 && id < len(r.ifaces) {
		return r.ifaces[id]
	}
	return ngInterface{link: LinkTypeUnknown, ticksPerSecond: 1_000_000}
}

func (ifc ngInterface) timestamp(high, low uint32) time.Time {
	ticks := uint64(high)<<32 | uint64(low)
	sec := ticks / ifc.ticksPerSecond
	rem := ticks % ifc.ticksPerSecond
	hi, lo := bits.Mul64(rem, 1_000_000_000)
	nsec, _ := bits.Div64(hi, lo, ifc.ticksPerSecond)
	return time.Unix(int64(sec)+ifc.offset, int64(nsec)).UTC()
}

func (r *Reader) enhancedPacket(body []byte) (Frame, bool) {
	if len(body) < 20 {
		return Frame{}, false
	}
	id := int(r.order.Uint32(body[0:4]))
	ifc := r.iface(id)
	capLen := int(r.order.Uint32(body[12:16]))
	origLen := int(r.order.Uint32(body[16:20]))
	data := body[20:]
	if capLen < len(data) {
		data = data[:capLen]
	}
	return Frame{
		LinkType:  ifc.link,
		Timestamp: ifc.timestamp(r.order.Uint32(body[4:8]), r.order.Uint32(body[8:12])),
		Data:      data,
		OrigLen:   origLen,
		Interface: id,
	}, true
}

func (r *Reader) simplePacket(body []byte) (Frame, bool) {
	if len(body) < 4 {
		return Frame{}, false
	}
	ifc := r.iface(0)
	origLen := int(r.order.Uint32(body[0:4]))
	capLen := origLen
	if ifc.snaplen > 0 && ifc.snaplen < capLen {
		capLen = ifc.snaplen
	}
	data := body[4:]
	if capLen < len(data) {
		data = data[:capLen]
	}
	return Frame{LinkType: ifc.link, Data: data, OrigLen: origLen}, true
}

func (r *Reader) obsoletePacket(body []byte) (Frame, bool) {
	if len(body) < 20 {
		return Frame{}, false
	}
	id := int(r.order.Uint16(body[0:2]))
	ifc := r.iface(id)
	capLen := int(r.order.Uint32(body[12:16]))
	data := body[20:]
	if capLen < len(data) {
		data = data[:capLen]
	}
	return Frame{
		LinkType:  ifc.link,
		Timestamp: ifc.timestamp(r.order.Uint32(body[4:8]), r.order.Uint32(body[8:12])),
		Data:      data,
		OrigLen:   int(r.order.Uint32(body[16:20])),
		Interface: id,
	}, true
}
