package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCaller(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CallerID(ctx))
	assert.Empty(t, CallerTier(ctx))

	ctx = WithCaller(ctx, "acme", "premium")
	assert.Equal(t, "acme", CallerID(ctx))
	assert.Equal(t, "premium", CallerTier(ctx))
}

func TestNow(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("injected time wins", func(t *testing.T) {
		ctx := WithTime(context.Background(), fixed)
		assert.Equal(t, fixed, Now(ctx))
	})

	t.Run("falls back to wall clock", func(t *testing.T) {
		before := time.Now()
		got := Now(context.Background())
		assert.False(t, got.Before(before))
	})
}
