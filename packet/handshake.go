package packet

import "net/netip"

// HandshakeState is the progress of a TCP three-way handshake on one flow.
type HandshakeState int

const (
	HandshakeNone HandshakeState = iota
	HandshakeSynSeen
	HandshakeSynAckSeen
	HandshakeComplete
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeSynSeen:
		return "syn-seen"
	case HandshakeSynAckSeen:
		return "syn-ack-seen"
	case HandshakeComplete:
		return "complete"
	default:
		return "none"
	}
}

type endpoint struct {
	addr netip.Addr
	port uint16
}

func (e endpoint) less(o endpoint) bool {
	if c := e.addr.Compare(o.addr); c != 0 {
		return c < 0
	}
	return e.port < o.port
}

// flowKey is the unordered endpoint pair, so both capture directions map to
// the same flow.
type flowKey struct{ lo, hi endpoint }

func keyOf(a, b endpoint) flowKey {
	if b.less(a) {
		a, b = b, a
	}
	return flowKey{lo: a, hi: b}
}

type flow struct {
	state     HandshakeState
	initiator endpoint
}

// HandshakeTracker follows SYN -> SYN+ACK -> ACK per flow. The zero value is
// not usable; call NewHandshakeTracker.
type HandshakeTracker struct {
	flows map[flowKey]*flow
}

func NewHandshakeTracker() *HandshakeTracker {
	return &HandshakeTracker{flows: make(map[flowKey]*flow)}
}

// Observe feeds one record into the tracker. Non-TCP records are ignored.
func (h *HandshakeTracker) Observe(rec Record) {
	if rec.Transport != TCP || rec.Flags.Has(RST) {
		return
	}
	src := endpoint{rec.SrcAddr, rec.SrcPort}
	dst := endpoint{rec.DstAddr, rec.DstPort}
	key := keyOf(src, dst)
	f := h.flows[key]

	syn, ack := rec.Flags.Has(SYN), rec.Flags.Has(ACK)
	switch {
	case syn && !ack:
		switch {
		case f == nil:
			h.flows[key] = &flow{state: HandshakeSynSeen, initiator: src}
		case f.state == HandshakeComplete, src == f.initiator:
			// finished flow, or a retransmitted SYN
		default:
			h.flows[key] = &flow{state: HandshakeSynSeen, initiator: src}
		}
	case syn && ack:
		if f != nil && f.state == HandshakeSynSeen && src != f.initiator {
			f.state = HandshakeSynAckSeen
		}
	case ack:
		if f != nil && f.state == HandshakeSynAckSeen && src == f.initiator {
			f.state = HandshakeComplete
		}
	}
}

// State returns the handshake state of the flow rec belongs to.
func (h *HandshakeTracker) State(rec Record) HandshakeState {
	f := h.flows[keyOf(endpoint{rec.SrcAddr, rec.SrcPort}, endpoint{rec.DstAddr, rec.DstPort})]
	if f == nil {
		return HandshakeNone
	}
	return f.state
}

// Complete reports whether any flow using port (either side) finished its
// handshake. Port 0 matches every flow.
func (h *HandshakeTracker) Complete(port uint16) bool {
	for k, f := range h.flows {
		if f.state != HandshakeComplete {
			continue
		}
		if port == 0 || k.lo.port == port || k.hi.port == port {
			return true
		}
	}
	return false
}

// Best returns the most advanced state reached by any flow using port.
func (h *HandshakeTracker) Best(port uint16) HandshakeState {
	best := HandshakeNone
	for k, f := range h.flows {
		if port != 0 && k.lo.port != port && k.hi.port != port {
			continue
		}
		if f.state > best {
			best = f.state
		}
	}
	return best
}
