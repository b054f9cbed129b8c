package webhook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner(t *testing.T) {
	s := NewSigner("companyhub", time.Minute)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	body := []byte(`{"entity_id":"1234567890"}`)
	id := uuid.New()

	token, err := s.Sign("secret", id, body, now)
	require.NoError(t, err)

	claims, err := s.Verify("secret", token, body, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, id.String(), claims.Subject)

	t.Run("tampered body", func(t *testing.T) {
		_, err := s.Verify("secret", token, []byte(`{"entity_id":"5260250995"}`), now)
		assert.ErrorContains(t, err, "does not match")
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := s.Verify("other", token, body, now)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := s.Verify("secret", token, body, now.Add(2*time.Minute))
		assert.ErrorContains(t, err, "expired")
	})
}
