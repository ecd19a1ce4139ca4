package packet

import (
	"bytes"
	"fmt"
)

// Filter restricts token matches to one transport and port. The zero
// value matches everything.
type Filter struct {
	Transport Transport
	Port      uint16
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec Record) bool {
	if f.Transport != "" && rec.Transport != f.Transport {
		return false
	}
	if f.Port != 0 && !rec.TouchesPort(f.Port) {
		return false
	}
	return true
}

func (f Filter) String() string {
	switch {
	case f.Transport == "" && f.Port == 0:
		return "any"
	case f.Port == 0:
		return string(f.Transport)
	case f.Transport == "":
		return fmt.Sprintf("port %d", f.Port)
	default:
		return fmt.Sprintf("%s/%d", f.Transport, f.Port)
	}
}

// ContainsToken reports whether token occurs verbatim in the payload of rec
// and rec passes f.
func ContainsToken(rec Record, token []byte, f Filter) bool {
	if len(token) == 0 || len(rec.Payload) < len(token) {
		return false
	}
	return f.Matches(rec) && bytes.Contains(rec.Payload, token)
}
