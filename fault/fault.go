// Package fault defines the structured error taxonomy shared by the
// challenge, evidence, capture and validator packages.
package fault

import "errors"

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind/RuleID rather than matching error strings.
// Error() strings are meant for humans and may change.
type Kind string

const (
	KindConfiguration   Kind = "Configuration"
	KindSchema          Kind = "Schema"
	KindIntegrity       Kind = "Integrity"
	KindSignature       Kind = "Signature"
	KindExpired         Kind = "Expired"
	KindEvidenceMissing Kind = "EvidenceMissing"
	KindArtifactMissing Kind = "ArtifactMissing"
	KindHashMismatch    Kind = "HashMismatch"
	KindCaptureFormat   Kind = "CaptureFormat"
	KindInternal        Kind = "Internal"
)

// Error is the structured error type.
//
// RuleID is a stable identifier (e.g. LAB-INT-001, LAB-CAP-002) naming the
// violated rule. Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	RuleID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns a *Error without a cause.
func New(kind Kind, ruleID, msg string) error {
	return &Error{Kind: kind, RuleID: ruleID, Message: msg}
}

// Wrap returns a *Error carrying cause. A nil cause behaves like New.
func Wrap(kind Kind, ruleID, msg string, cause error) error {
	if cause == nil {
		return New(kind, ruleID, msg)
	}
	return &Error{Kind: kind, RuleID: ruleID, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of a structured error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// RuleOf returns the stable RuleID for a structured error, or "" if unknown.
func RuleOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.RuleID
}
