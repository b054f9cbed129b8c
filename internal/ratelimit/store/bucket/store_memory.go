package bucket

import (
	"context"
	"slices"
	"sync"
	"time"

	"companyhub/internal/ratelimit/models"
	"companyhub/pkg/requestcontext"
)

// InMemoryBucketStore keeps a sliding window log per key in process memory.
// Counters are not shared between replicas; use RedisBucketStore for that.
type InMemoryBucketStore struct {
	mu        sync.Mutex
	buckets   map[string]*slidingWindow
	lastSweep time.Time
}

// sweepInterval bounds how often AllowAll scans for idle buckets.
const sweepInterval = time.Minute

// slidingWindow holds the admission timestamps of one key in ascending order.
type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

// New creates an empty in-memory bucket store.
func New() *InMemoryBucketStore {
	return &InMemoryBucketStore{
		buckets: make(map[string]*slidingWindow),
	}
}

// Allow checks a single bucket and records one admission when it has room.
func (s *InMemoryBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	return s.AllowAll(ctx, []models.Limit{{Key: key, Limit: limit, Window: window}})
}

// AllowAll admits the call only if every bucket has room, then records one
// admission in each. A denial records nothing.
func (s *InMemoryBucketStore) AllowAll(ctx context.Context, limits []models.Limit) (*models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	result := &models.RateLimitResult{Allowed: true}
	windows := make([]*slidingWindow, len(limits))
	for i, l := range limits {
		sw := s.getOrCreateBucket(l.Key, l.Window)
		sw.cleanup(now)
		windows[i] = sw

		count := len(sw.timestamps)
		if count < l.Limit {
			continue
		}
		result.Allowed = false
		resetAt := now.Add(l.Window)
		if l.Limit > 0 {
			resetAt = sw.timestamps[count-l.Limit].Add(l.Window)
		}
		if resetAt.After(result.ResetAt) {
			result.ResetAt = resetAt
			result.BlockedBy = l.Key
		}
	}
	if !result.Allowed {
		for i, sw := range windows {
			if len(sw.timestamps) == 0 {
				delete(s.buckets, limits[i].Key)
			}
		}
		return result, nil
	}

	for _, sw := range windows {
		sw.insert(now)
	}
	return result, nil
}

// Reset clears the counter for a key.
func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

// GetCurrentCount returns the number of admissions still inside the window.
func (s *InMemoryBucketStore) GetCurrentCount(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw := s.buckets[key]
	if sw == nil {
		return 0, nil
	}
	sw.cleanup(requestcontext.Now(ctx))
	if len(sw.timestamps) == 0 {
		delete(s.buckets, key)
	}
	return len(sw.timestamps), nil
}

// sweepLocked drops buckets whose log has fully expired, at most once per
// sweepInterval. It must be called with s.mu held.
func (s *InMemoryBucketStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, sw := range s.buckets {
		sw.cleanup(now)
		if len(sw.timestamps) == 0 {
			delete(s.buckets, key)
		}
	}
}

// cleanup drops timestamps at or before now-window.
func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

// insert keeps timestamps sorted; request times can arrive slightly out of order.
func (sw *slidingWindow) insert(t time.Time) {
	i, _ := slices.BinarySearchFunc(sw.timestamps, t, func(a, b time.Time) int {
		if a.After(b) {
			return 1
		}
		return -1
	})
	sw.timestamps = slices.Insert(sw.timestamps, i, t)
}

// getOrCreateBucket must be called with s.mu held.
func (s *InMemoryBucketStore) getOrCreateBucket(key string, window time.Duration) *slidingWindow {
	if sw := s.buckets[key]; sw != nil {
		return sw
	}
	sw := &slidingWindow{window: window}
	s.buckets[key] = sw
	return sw
}
