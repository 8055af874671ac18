package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/verigate/internal/canonical"
	"github.com/tjfontaine/verigate/internal/domain"
)

// ErrIncompleteRecord marks a record lacking required fields. It is wrapped in
// a domain input error so callers can tell malformed input apart from a hash
// that simply does not match.
var ErrIncompleteRecord = errors.New("incomplete record")

// Canonical returns the canonical pre-image of r for the given kind.
func Canonical(kind Kind, r Record) (string, error) {
	if missing := r.Missing(kind); len(missing) > 0 {
		return "", domain.ErrInput(domain.ErrorCodeIncompleteRecord,
			fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))).
			WithCause(ErrIncompleteRecord)
	}

	normalized, err := r.Normalize()
	if err != nil {
		return "", err
	}

	s, err := canonical.Serialize(map[string]any(normalized))
	if err != nil {
		return "", domain.ErrInput(domain.ErrorCodeMalformedRecord, "record has no canonical form").WithCause(err)
	}
	return s, nil
}

// ComputeHash returns the lowercase hex SHA-256 of a chat record.
func ComputeHash(r Record) (string, error) {
	return ComputeHashFor(KindChat, r)
}

// ComputeHashFor returns the lowercase hex SHA-256 of r under the required-field
// contract of kind.
func ComputeHashFor(kind Kind, r Record) (string, error) {
	s, err := Canonical(kind, r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the hash of a chat record and compares it with
// expected, ignoring case and an optional 0x prefix. Input errors are returned
// rather than reported as a mismatch.
func VerifyHash(r Record, expected string) (bool, error) {
	return VerifyHashFor(KindChat, r, expected)
}

// VerifyHashFor is VerifyHash under the contract of kind.
func VerifyHashFor(kind Kind, r Record, expected string) (bool, error) {
	got, err := ComputeHashFor(kind, r)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, NormalizeHash(expected)), nil
}

// NormalizeHash trims whitespace and a 0x prefix.
func NormalizeHash(h string) string {
	h = strings.TrimSpace(h)
	if len(h) >= 2 && (h[:2] == "0x" || h[:2] == "0X") {
		h = h[2:]
	}
	return h
}
