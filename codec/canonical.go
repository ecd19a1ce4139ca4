// Package codec implements the integrity primitives shared by every record:
// canonical JSON serialization, SHA-256 digests and HMAC-SHA256 signatures.
//
// All functions are pure. Canonical bytes are what gets hashed and signed;
// the on-disk layout of a record (indentation, key order, YAML vs JSON) never
// affects its digest.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/antonioclim/netENwsl-sub003/fault"
)

// Canonicalize returns the canonical JSON encoding of v.
//
// The output is byte-identical to Python's
// json.dumps(v, sort_keys=True, separators=(",", ":"), ensure_ascii=True),
// so records signed by either implementation verify in the other. v is first
// marshalled with encoding/json, so struct tags apply. Integer literals are
// written exactly; any literal with a fraction or exponent is a float and is
// written as FormatFloat does, so 1.0 stays 1.0. Go float64 values marshal
// without a fraction when integral and therefore canonicalize as integers.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-CANON-001", "value is not JSON encodable", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON canonicalizes a single JSON document.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fault.Wrap(fault.KindSchema, "LAB-CANON-002", "invalid JSON", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fault.New(fault.KindSchema, "LAB-CANON-003", "trailing data after JSON document")
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := formatNumber(x)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		writeString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fault.New(fault.KindInternal, "LAB-CANON-004", "unexpected JSON value type")
	}
	return nil
}

func formatNumber(n json.Number) (string, error) {
	lit := string(n)
	if !strings.ContainsAny(lit, ".eE") {
		i, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return "", fault.New(fault.KindSchema, "LAB-CANON-005", "invalid number: "+lit)
		}
		return i.String(), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fault.New(fault.KindSchema, "LAB-CANON-005", "number out of range: "+lit)
	}
	return FormatFloat(f), nil
}

// FormatFloat formats f like Python's float repr: the shortest digits that
// round-trip, fixed notation with at least one fractional digit for decimal
// exponents in [-4, 16), scientific notation with a two-digit minimum
// exponent otherwise.
func FormatFloat(f float64) string {
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.LastIndexByte(sci, 'e')+1:])
	if f != 0 && (exp < -4 || exp >= 16) {
		return sci
	}
	fixed := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(fixed, '.') {
		fixed += ".0"
	}
	return fixed
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20 || r == 0x7F:
			writeUnicodeEscape(buf, uint16(r))
		case r < utf8.RuneSelf:
			buf.WriteByte(byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			writeUnicodeEscape(buf, uint16(hi))
			writeUnicodeEscape(buf, uint16(lo))
		default:
			writeUnicodeEscape(buf, uint16(r))
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, u uint16) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[u>>12&0xF])
	buf.WriteByte(hexDigits[u>>8&0xF])
	buf.WriteByte(hexDigits[u>>4&0xF])
	buf.WriteByte(hexDigits[u&0xF])
}
