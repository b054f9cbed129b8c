package service

import (
	"context"

	"companyhub/internal/ratelimit/models"
)

// BucketStore defines the persistence interface for sliding window counters.
type BucketStore interface {
	// AllowAll admits one call only if every limit has room; a denial consumes nothing.
	AllowAll(ctx context.Context, limits []models.Limit) (*models.RateLimitResult, error)

	// Reset clears the counter for a key.
	Reset(ctx context.Context, key string) error

	// GetCurrentCount returns the current count for a key.
	GetCurrentCount(ctx context.Context, key string) (int, error)
}
