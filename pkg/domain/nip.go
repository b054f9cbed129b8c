package domain

import (
	"strings"

	dErrors "companyhub/pkg/domain-errors"
)

// NIP is a normalized Polish tax identification number: exactly ten ASCII digits.
// It is a domain primitive; once parsed it is always well formed.
type NIP string

var nipWeights = [9]int{6, 5, 7, 2, 3, 4, 5, 6, 7}

// ParseNIP strips separators (spaces, dashes, the "PL" prefix) and validates
// the remaining digits. A NIP made of one repeated digit is rejected.
func ParseNIP(s string) (NIP, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "nip is required")
	}
	raw = strings.TrimPrefix(strings.ToUpper(raw), "PL")

	var b strings.Builder
	b.Grow(10)
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return "", dErrors.New(dErrors.CodeInvalidInput, "nip contains invalid characters")
		}
	}

	digits := b.String()
	if len(digits) != 10 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "nip must have exactly 10 digits")
	}
	if strings.Count(digits, digits[:1]) == len(digits) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "nip cannot repeat a single digit")
	}
	return NIP(digits), nil
}

// ParseStrictNIP is ParseNIP plus the mod-11 checksum.
func ParseStrictNIP(s string) (NIP, error) {
	n, err := ParseNIP(s)
	if err != nil {
		return "", err
	}
	if !n.ValidChecksum() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "nip checksum mismatch")
	}
	return n, nil
}

// ValidChecksum reports whether the last digit matches the weighted mod-11 sum.
func (n NIP) ValidChecksum() bool {
	if len(n) != 10 {
		return false
	}
	sum := 0
	for i, w := range nipWeights {
		sum += int(n[i]-'0') * w
	}
	check := sum % 11
	return check != 10 && check == int(n[9]-'0')
}

func (n NIP) String() string {
	return string(n)
}

// IsNil returns true if the NIP is empty.
func (n NIP) IsNil() bool {
	return n == ""
}
