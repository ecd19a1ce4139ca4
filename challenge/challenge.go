// Package challenge models the per-student challenge record: secret tokens,
// the network parameters the lab must use and an integrity block binding
// them together.
//
// Integrity is computed over the canonical JSON form of every field except
// "integrity" itself. A challenge loaded from disk keeps the exact document
// it was read from, so fields this package does not know about are covered
// by the hash as well.
package challenge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/antonioclim/netENwsl-sub003/cidutil"
	"github.com/antonioclim/netENwsl-sub003/codec"
	"github.com/antonioclim/netENwsl-sub003/fault"
	"github.com/antonioclim/netENwsl-sub003/packet"
)

// SchemaVersion is the only schema_version this package reads and writes.
const SchemaVersion = 1

const integrityKey = "integrity"

type Tokens struct {
	ReportToken  string `json:"report_token,omitempty" yaml:"report_token,omitempty"`
	PayloadToken string `json:"payload_token,omitempty" yaml:"payload_token,omitempty"`
}

// Network carries the recommended parameters for the lab traffic. The
// payload token only counts when seen on PayloadTransport/PayloadPort.
type Network struct {
	PayloadTransport packet.Transport  `json:"payload_transport,omitempty" yaml:"payload_transport,omitempty"`
	PayloadPort      uint16            `json:"payload_port,omitempty" yaml:"payload_port,omitempty"`
	Ports            map[string]uint16 `json:"ports,omitempty" yaml:"ports,omitempty"`
	MulticastGroup   string            `json:"multicast_group,omitempty" yaml:"multicast_group,omitempty"`
}

type Integrity struct {
	SHA256    string `json:"sha256" yaml:"sha256"`
	Signature string `json:"signature_hmac_sha256,omitempty" yaml:"signature_hmac_sha256,omitempty"`
}

// Challenge is immutable once issued.
type Challenge struct {
	SchemaVersion int       `json:"schema_version" yaml:"schema_version"`
	ChallengeID   string    `json:"challenge_id,omitempty" yaml:"challenge_id,omitempty"`
	CourseID      string    `json:"course_id" yaml:"course_id"`
	Week          int       `json:"week" yaml:"week"`
	StudentID     string    `json:"student_id" yaml:"student_id"`
	IssuedAt      time.Time `json:"issued_at" yaml:"issued_at"`
	TTLSeconds    int64     `json:"ttl_seconds" yaml:"ttl_seconds"`
	Tokens        Tokens    `json:"tokens" yaml:"tokens"`
	Network       Network   `json:"network" yaml:"network"`
	Integrity     Integrity `json:"integrity" yaml:"integrity"`

	// raw is the decoded document the challenge was loaded from.
	raw map[string]any
}

// UnsignedPayload returns the document covered by the integrity hash and
// signature: everything except the integrity block.
func (c *Challenge) UnsignedPayload() (map[string]any, error) {
	if c.raw != nil {
		out := make(map[string]any, len(c.raw))
		for k, v := range c.raw {
			if k != integrityKey {
				out[k] = v
			}
		}
		return out, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "LAB-CHAL-001", "encode challenge", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "LAB-CHAL-001", "encode challenge", err)
	}
	delete(m, integrityKey)
	return m, nil
}

// CanonicalPayload returns the canonical bytes of UnsignedPayload.
func (c *Challenge) CanonicalPayload() ([]byte, error) {
	p, err := c.UnsignedPayload()
	if err != nil {
		return nil, err
	}
	return codec.Canonicalize(p)
}

// CID is the content identifier of the canonical unsigned payload. Evidence
// records it so a submission is bound to one exact challenge.
func (c *Challenge) CID() (string, error) {
	b, err := c.CanonicalPayload()
	if err != nil {
		return "", err
	}
	id, err := cidutil.Of(b)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "LAB-CHAL-002", "compute challenge cid", err)
	}
	return id.String(), nil
}

// VerifyIntegrity recomputes the integrity hash.
func (c *Challenge) VerifyIntegrity() error {
	p, err := c.UnsignedPayload()
	if err != nil {
		return err
	}
	return codec.VerifyIntegrity(p, c.Integrity.SHA256)
}

// VerifySignature applies policy to the challenge signature. The returned
// note describes what was (or was not) verified.
func (c *Challenge) VerifySignature(policy codec.SignaturePolicy) (string, error) {
	p, err := c.UnsignedPayload()
	if err != nil {
		return "", err
	}
	return codec.CheckSignature(policy, p, c.Integrity.Signature)
}

// Verify runs VerifyIntegrity then VerifySignature.
func (c *Challenge) Verify(policy codec.SignaturePolicy) (string, error) {
	if err := c.VerifyIntegrity(); err != nil {
		return "", err
	}
	return c.VerifySignature(policy)
}

// ExpiresAt returns issued_at + ttl + grace.
func (c *Challenge) ExpiresAt(grace time.Duration) time.Time {
	return c.IssuedAt.Add(time.Duration(c.TTLSeconds)*time.Second + grace)
}

// IsExpired reports whether now is strictly after ExpiresAt(grace).
func (c *Challenge) IsExpired(now time.Time, grace time.Duration) bool {
	return now.After(c.ExpiresAt(grace))
}

// CheckExpiry returns a KindExpired error when the challenge has expired.
func (c *Challenge) CheckExpiry(now time.Time, grace time.Duration) error {
	if !c.IsExpired(now, grace) {
		return nil
	}
	exp := c.ExpiresAt(grace)
	return fault.New(fault.KindExpired, "LAB-EXP-001",
		fmt.Sprintf("challenge expired at %s (%s ago)", exp.UTC().Format(time.RFC3339), now.Sub(exp).Round(time.Second)))
}

// PayloadFilter is the transport/port a payload token must travel on.
func (c *Challenge) PayloadFilter() packet.Filter {
	return packet.Filter{Transport: c.Network.PayloadTransport, Port: c.Network.PayloadPort}
}
