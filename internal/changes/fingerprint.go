package changes

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"

	dErrors "companyhub/pkg/domain-errors"
)

// Fingerprint hashes the RFC 8785 canonical form of a JSON payload, so
// payloads that differ only in key order or whitespace share a fingerprint.
func Fingerprint(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "canonicalize payload")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
