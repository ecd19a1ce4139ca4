package compliance

// Mode selects how a missing signing key is treated when a challenge is
// verified.
//
// Strict is the zero value and fails closed: an unsigned challenge is only
// accepted when the caller explicitly opts into Practice.
type Mode int

const (
	Strict Mode = iota
	Practice
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Practice:
		return "practice"
	default:
		return "unknown"
	}
}
