package capture

import (
	"fmt"
	"time"
)

const (
	pcapGlobalHeaderLen = 24
	pcapRecordHeaderLen = 16
	linkTypeMask        = 0x03FFFFFF
)

func (r *Reader) readGlobalHeader() error {
	hdr := make([]byte, pcapGlobalHeaderLen)
	if err := r.readFull(hdr); err != nil {
		return r.formatError("LAB-CAP-003", "truncated pcap global header")
	}
	r.link = LinkType(r.order.Uint32(hdr[20:24]) & linkTypeMask)
	return nil
}

func (r *Reader) nextRecord() (Frame, error) {
	var hdr [pcapRecordHeaderLen]byte
	if err := r.readFull(hdr[:]); err != nil {
		return Frame{}, err
	}
	sec := r.order.Uint32(hdr[0:4])
	frac := r.order.Uint32(hdr[4:8])
	inclLen := r.order.Uint32(hdr[8:12])
	origLen := r.order.Uint32(hdr[12:16])
	if inclLen > MaxRecordSize {
		return Frame{}, r.formatError("LAB-CAP-004", fmt.Sprintf("record length %d exceeds limit", inclLen))
	}
	data := make([]byte, inclLen)
	if err := r.readFull(data); err != nil {
		return Frame{}, err
	}
	nsec := int64(frac)
	if !r.nanos {
		nsec *= 1000
	}
	return Frame{
		LinkType:  r.link,
		Timestamp: time.Unix(int64(sec), nsec).UTC(),
		Data:      data,
		OrigLen:   int(origLen),
	}, nil
}
