package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
	"companyhub/pkg/requestcontext"
)

const redisKeyPrefix = "snapshot:"

// RedisStore keeps snapshots as JSON strings. The Redis TTL covers the
// freshness window plus a stale retention period.
type RedisStore struct {
	client         redis.UniversalClient
	staleRetention time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, staleRetention time.Duration) *RedisStore {
	return &RedisStore{client: client, staleRetention: staleRetention}
}

func (s *RedisStore) Get(ctx context.Context, entityID domain.NIP, provider providers.Name) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key(entityID, provider)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) Put(ctx context.Context, snap *Snapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ttl := snap.ExpiresAt.Sub(requestcontext.Now(ctx)) + s.staleRetention
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key(snap.EntityID, snap.Provider), raw, ttl).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}
