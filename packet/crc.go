package packet

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// CRCRule describes a custom binary application protocol whose messages
// carry a CRC-32 (IEEE) of a span of the message.
type CRCRule struct {
	Transport Transport `yaml:"transport" json:"transport"`
	// Port is the server port; 0 means the challenge's payload port.
	Port uint16 `yaml:"port" json:"port"`
	// Magic, when set, must prefix a payload for the rule to apply.
	Magic string `yaml:"magic" json:"magic"`
	// SpanStart is the first byte covered by the checksum.
	SpanStart int `yaml:"span_start" json:"span_start"`
	// ChecksumOffset locates the big-endian checksum; negative values count
	// from the end of the payload. The span ends where the checksum starts.
	ChecksumOffset int `yaml:"checksum_offset" json:"checksum_offset"`
	MinLength      int `yaml:"min_length" json:"min_length"`
}

// Check reports whether the rule applies to payload and, if so, whether the
// embedded checksum matches the recomputed one.
func (r CRCRule) Check(payload []byte) (applicable, valid bool) {
	if len(payload) < 4 || len(payload) < r.MinLength {
		return false, false
	}
	if r.Magic != "" && !bytes.HasPrefix(payload, []byte(r.Magic)) {
		return false, false
	}
	cs := r.ChecksumOffset
	if cs < 0 {
		cs += len(payload)
	}
	if cs < 0 || cs+4 > len(payload) || r.SpanStart < 0 || r.SpanStart > cs {
		return true, false
	}
	want := binary.BigEndian.Uint32(payload[cs : cs+4])
	return true, crc32.ChecksumIEEE(payload[r.SpanStart:cs]) == want
}

// AppendCRC returns msg followed by the big-endian CRC-32 of msg[spanStart:].
func AppendCRC(msg []byte, spanStart int) []byte {
	out := append([]byte(nil), msg...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(msg[spanStart:]))
}
