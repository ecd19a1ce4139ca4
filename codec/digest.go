package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"strings"

	"github.com/antonioclim/netENwsl-sub003/compliance"
	"github.com/antonioclim/netENwsl-sub003/fault"
)

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256Reader streams r into SHA-256 and returns the hex digest and the
// number of bytes read.
func SHA256Reader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of b under key.
func HMACSHA256Hex(key, b []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(b)
	return hex.EncodeToString(m.Sum(nil))
}

// ComputeIntegrity returns SHA256Hex(Canonicalize(payload)).
func ComputeIntegrity(payload any) (string, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}

// Sign returns HMACSHA256Hex(key, Canonicalize(payload)).
func Sign(key []byte, payload any) (string, error) {
	if len(key) == 0 {
		return "", fault.New(fault.KindConfiguration, "LAB-CFG-001", "signing requested without a key")
	}
	canon, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return HMACSHA256Hex(key, canon), nil
}

// VerifyIntegrity fails with a KindIntegrity error unless the canonical
// digest of payload equals want.
func VerifyIntegrity(payload any, want string) error {
	if want == "" {
		return fault.New(fault.KindIntegrity, "LAB-INT-001", "integrity hash missing")
	}
	got, err := ComputeIntegrity(payload)
	if err != nil {
		return fault.Wrap(fault.KindIntegrity, "LAB-INT-002", "cannot canonicalize payload", err)
	}
	if !hexEqual(got, want) {
		return fault.New(fault.KindIntegrity, "LAB-INT-003", "integrity hash mismatch (record altered after issue)")
	}
	return nil
}

// VerifySignature fails with a KindSignature error if sig is absent or is
// not the HMAC of payload under key.
func VerifySignature(key []byte, payload any, sig string) error {
	if sig == "" {
		return fault.New(fault.KindSignature, "LAB-SIG-001", "signature missing")
	}
	want, err := Sign(key, payload)
	if err != nil {
		return err
	}
	if !hexEqual(want, sig) {
		return fault.New(fault.KindSignature, "LAB-SIG-002", "signature mismatch")
	}
	return nil
}

func hexEqual(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SignaturePolicy describes how challenge signatures are enforced.
type SignaturePolicy struct {
	// Key is the HMAC secret. Empty means no key is configured.
	Key []byte
	// Mode decides whether unsigned challenges pass when Key is empty.
	Mode compliance.Mode
	// Require makes a missing Key a configuration error.
	Require bool
}

// CheckSignature applies p to a payload and its (possibly empty) signature.
//
// With a key configured, an unsigned or mismatched signature is always
// rejected. Without a key the challenge passes only in Practice mode, and
// the returned note says the signature was not verified.
func CheckSignature(p SignaturePolicy, payload any, sig string) (string, error) {
	if len(p.Key) > 0 {
		if err := VerifySignature(p.Key, payload, sig); err != nil {
			return "", err
		}
		return "signature verified", nil
	}
	if p.Require {
		return "", fault.New(fault.KindConfiguration, "LAB-CFG-002", "signature verification required but no signing key is configured")
	}
	if p.Mode == compliance.Practice {
		if sig != "" {
			return "signature present but not verified (no key configured, practice mode)", nil
		}
		return "unsigned challenge accepted (practice mode)", nil
	}
	return "", fault.New(fault.KindSignature, "LAB-SIG-003", "no signing key configured; unsigned challenges are accepted only in practice mode")
}
