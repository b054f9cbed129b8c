// Package singleflight collapses concurrent fetches for the same key into one
// upstream call.
//
// Unlike a plain singleflight.Group, the shared call runs on a context
// detached from the first caller's cancellation, so a caller that gives up
// does not abort work that other waiters or the cache still need.
package singleflight

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates in-flight calls by key.
type Group struct {
	g singleflight.Group
}

// Do runs fn once per key among concurrent callers. Each caller waits until
// the shared call completes or its own ctx ends, whichever comes first.
// shared reports whether the result was delivered to more than one caller.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := g.g.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops the in-flight entry for key so the next call starts fresh.
func (g *Group) Forget(key string) {
	g.g.Forget(key)
}
