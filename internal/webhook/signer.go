package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "companyhub/pkg/domain-errors"
)

// DeliveryClaims bind a signature to one delivery body.
type DeliveryClaims struct {
	Digest string `json:"digest"`
	jwt.RegisteredClaims
}

// Signer issues HS256 tokens over the SHA-256 digest of a webhook body,
// keyed by the subscription secret.
type Signer struct {
	issuer string
	ttl    time.Duration
}

func NewSigner(issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Signer{issuer: issuer, ttl: ttl}
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign returns the X-Companyhub-Signature value for body.
func (s *Signer) Sign(secret string, deliveryID uuid.UUID, body []byte, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, DeliveryClaims{
		Digest: digest(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   deliveryID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "sign delivery")
	}
	return signed, nil
}

// Verify checks a signature the way a subscriber would.
func (s *Signer) Verify(secret, token string, body []byte, now time.Time) (*DeliveryClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &DeliveryClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeInvalidInput, "signature has expired")
		}
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid signature")
	}
	claims, ok := parsed.Claims.(*DeliveryClaims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid signature")
	}
	if claims.Digest != digest(body) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "signature does not match body")
	}
	return claims, nil
}
