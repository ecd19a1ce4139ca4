package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/antonioclim/netENwsl-sub003/capture"
	"github.com/antonioclim/netENwsl-sub003/evidence"
	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/packet"
)

const maxElsewhere = 3

// sighting is where a token was observed.
type sighting struct {
	capture string
	frame   int
	rec     packet.Record
}

func (s sighting) String() string {
	return fmt.Sprintf("%s frame #%d (%s %s:%d -> %s:%d)", s.capture, s.frame+1,
		s.rec.Transport, s.rec.SrcAddr, s.rec.SrcPort, s.rec.DstAddr, s.rec.DstPort)
}

// captureScan accumulates what the capture stage learns across files.
type captureScan struct {
	token     []byte
	filter    packet.Filter
	found     *sighting
	elsewhere []sighting

	crc          *packet.CRCRule
	crcFilter    packet.Filter
	crcValid     int
	crcInvalid   int
	handshake    packet.HandshakeState
	handshakeOK  bool
	parsed       int
	handshakeFor uint16
}

func (s *captureScan) scan(path, name string) (packet.WalkStats, error) {
	rd, err := capture.Open(path)
	if err != nil {
		return packet.WalkStats{}, err
	}
	defer rd.Close()

	hs := packet.NewHandshakeTracker()
	st, err := packet.Walk(rd, func(i int, _ capture.Frame, rec packet.Record) {
		hs.Observe(rec)
		if len(s.token) > 0 && s.found == nil {
			if packet.ContainsToken(rec, s.token, s.filter) {
				s.found = &sighting{capture: name, frame: i, rec: rec}
			} else if len(s.elsewhere) < maxElsewhere && packet.ContainsToken(rec, s.token, packet.Filter{}) {
				s.elsewhere = append(s.elsewhere, sighting{capture: name, frame: i, rec: rec})
			}
		}
		if s.crc != nil && len(rec.Payload) > 0 && s.crcFilter.Matches(rec) {
			if applicable, valid := s.crc.Check(rec.Payload); applicable {
				if valid {
					s.crcValid++
				} else {
					s.crcInvalid++
				}
			}
		}
	})
	if hs.Complete(s.handshakeFor) {
		s.handshakeOK = true
	}
	if b := hs.Best(s.handshakeFor); b > s.handshake {
		s.handshake = b
	}
	return st, err
}

func (r *run) checkCaptures(ctx context.Context) (Outcome, error) {
	net := r.ch.Network
	s := &captureScan{
		token:        []byte(r.ch.Tokens.PayloadToken),
		filter:       r.ch.PayloadFilter(),
		crc:          r.prof.CRC,
		handshakeFor: net.PayloadPort,
	}
	if s.crc != nil {
		s.crcFilter = packet.Filter{Transport: s.crc.Transport, Port: s.crc.Port}
		if s.crcFilter.Transport == "" {
			s.crcFilter.Transport = net.PayloadTransport
		}
		if s.crcFilter.Port == 0 {
			s.crcFilter.Port = net.PayloadPort
		}
	}

	for _, rel := range r.capts {
		if err := ctx.Err(); err != nil {
			return OutcomeSetupError, err
		}
		name := "capture:" + rel
		abs, _, err := evidence.Resolve(r.in.BaseDir, rel)
		if err != nil {
			r.report.fail(name, err.Error(), fault.RuleOf(err))
			continue
		}
		st, err := s.scan(abs, rel)
		if err != nil {
			r.logger.WithField("capture", rel).WithError(err).Warn("capture unreadable")
			r.report.fail(name, err.Error(), fault.RuleOf(err))
			continue
		}
		s.parsed++
		r.report.pass(name, fmt.Sprintf("%d frame(s), %d decoded, %d skipped", st.Frames, st.Decoded, st.Skipped))
	}

	if len(s.token) > 0 {
		r.payloadTokenCheck(s)
	}
	if r.prof.Handshake {
		if s.handshakeOK {
			r.report.pass("structure.handshake", fmt.Sprintf("complete TCP handshake on port %d", net.PayloadPort))
		} else {
			r.report.fail("structure.handshake",
				fmt.Sprintf("no complete TCP handshake on port %d in %d capture(s) (best state: %s)", net.PayloadPort, s.parsed, s.handshake),
				"LAB-STRUCT-001")
		}
	}
	if s.crc != nil {
		counts := fmt.Sprintf("%d valid, %d invalid CRC-32 message(s) on %s", s.crcValid, s.crcInvalid, s.crcFilter)
		if s.crcValid > 0 {
			r.report.pass("structure.crc", counts)
		} else {
			r.report.fail("structure.crc", "no message with a valid CRC-32: "+counts, "LAB-STRUCT-002")
		}
	}
	return "", nil
}

func (r *run) payloadTokenCheck(s *captureScan) {
	if s.found != nil {
		r.report.pass("token.payload", "payload token found in "+s.found.String())
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "payload token %q not found on %s in %d capture(s)", s.token, describeFilter(s.filter), s.parsed)
	if len(r.capts) == 0 {
		b.Reset()
		fmt.Fprintf(&b, "payload token %q expected on %s: no verified capture artifact to search", s.token, describeFilter(s.filter))
	}
	if len(s.elsewhere) > 0 {
		seen := make([]string, 0, len(s.elsewhere))
		for _, e := range s.elsewhere {
			seen = append(seen, e.String())
		}
		b.WriteString("; seen instead in " + strings.Join(seen, ", "))
	}
	r.report.fail("token.payload", b.String(), "LAB-TOKEN-002")
}

func describeFilter(f packet.Filter) string {
	switch {
	case f.Port != 0 && f.Transport != "":
		return fmt.Sprintf("%s port %d", f.Transport, f.Port)
	case f.Port != 0:
		return fmt.Sprintf("port %d", f.Port)
	default:
		return f.String()
	}
}
