package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/profile"
)

const (
	maxStudentIDLen = 64
	tokenBytes      = 8
)

// IssueRequest describes one challenge to issue.
type IssueRequest struct {
	StudentID string
	CourseID  string
	Profile   profile.Profile
	// TTL overrides the profile TTL when positive.
	TTL time.Duration
	// Key signs the challenge when non-empty.
	Key []byte
	// Sign requires a signature; with an empty Key it is a configuration error.
	Sign bool

	Now  func() time.Time
	Rand io.Reader
}

// SanitizeStudentID drops every character outside [A-Za-z0-9._-] and caps
// the result at 64 characters.
func SanitizeStudentID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			if b.Len() < maxStudentIDLen {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func newToken(rnd io.Reader, week int, kind byte) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return "", fault.Wrap(fault.KindInternal, "LAB-ISSUE-003", "read random token", err)
	}
	return fmt.Sprintf("W%d%c-%s", week, kind, strings.ToUpper(hex.EncodeToString(buf))), nil
}

// Issue builds, hashes and optionally signs a new challenge.
func Issue(req IssueRequest) (*Challenge, error) {
	student := SanitizeStudentID(req.StudentID)
	if student == "" {
		return nil, fault.New(fault.KindConfiguration, "LAB-ISSUE-001",
			fmt.Sprintf("student id %q has no allowed characters", req.StudentID))
	}
	if req.Sign && len(req.Key) == 0 {
		return nil, fault.New(fault.KindConfiguration, "LAB-CFG-001", "signing requested without a key")
	}
	p := req.Profile
	if err := p.Validate(); err != nil {
		return nil, err
	}
	rnd := req.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	now := time.Now
	if req.Now != nil {
		now = req.Now
	}
	ttl := p.EffectiveTTL()
	if req.TTL > 0 {
		ttl = req.TTL
	}
	if ttl < time.Second {
		return nil, fault.New(fault.KindConfiguration, "LAB-ISSUE-002", "ttl must be at least one second")
	}

	id, err := uuid.NewRandomFromReader(rnd)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "LAB-ISSUE-003", "generate challenge id", err)
	}
	c := &Challenge{
		SchemaVersion: SchemaVersion,
		ChallengeID:   id.String(),
		CourseID:      req.CourseID,
		Week:          p.Week,
		StudentID:     student,
		IssuedAt:      now().UTC().Truncate(time.Second),
		TTLSeconds:    int64(ttl / time.Second),
	}
	if c.CourseID == "" {
		c.CourseID = p.Course
	}
	if p.ReportToken {
		if c.Tokens.ReportToken, err = newToken(rnd, p.Week, 'R'); err != nil {
			return nil, err
		}
	}
	if p.PayloadToken {
		if c.Tokens.PayloadToken, err = newToken(rnd, p.Week, 'P'); err != nil {
			return nil, err
		}
	}
	port, err := p.Port.Pick(rnd)
	if err != nil {
		return nil, err
	}
	c.Network = Network{
		PayloadTransport: p.Transport,
		PayloadPort:      port,
		MulticastGroup:   p.MulticastGroup,
	}
	if len(p.ExtraPorts) > 0 {
		c.Network.Ports = make(map[string]uint16, len(p.ExtraPorts))
		for k, v := range p.ExtraPorts {
			c.Network.Ports[k] = v
		}
	}

	payload, err := c.UnsignedPayload()
	if err != nil {
		return nil, err
	}
	if c.Integrity.SHA256, err = codec.ComputeIntegrity(payload); err != nil {
		return nil, err
	}
	if len(req.Key) > 0 {
		if c.Integrity.Signature, err = codec.Sign(req.Key, payload); err != nil {
			return nil, err
		}
	}
	return c, nil
}
