// Package scheduler enumerates due background work: snapshots of watched
// entities that outlived their subscription's validation schedule, and
// delivery tasks whose next attempt has come.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"companyhub/internal/aggregator"
	"companyhub/internal/providers"
	"companyhub/internal/ratelimit/models"
	"companyhub/internal/snapshot"
	"companyhub/internal/webhook"
	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
	"companyhub/pkg/requestcontext"
)

// SystemCaller is the identity revalidation runs under.
var SystemCaller = models.Caller{ID: "scheduler", Tier: models.QuotaTierSystem}

type Resolver interface {
	Resolve(ctx context.Context, req aggregator.Request) (*aggregator.Result, error)
}

type DeliveryProcessor interface {
	ProcessDue(ctx context.Context) (webhook.Stats, error)
}

type SubscriptionLister interface {
	ListActive(ctx context.Context) ([]*webhook.Subscription, error)
}

// Report summarizes one tick.
type Report struct {
	Revalidated int
	Deliveries  webhook.Stats
}

type Scheduler struct {
	resolver    Resolver
	deliveries  DeliveryProcessor
	subs        SubscriptionLister
	snapshots   snapshot.Store
	providers   []providers.Name
	concurrency int
	logger      *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithProviders limits revalidation to the given providers.
func WithProviders(names ...providers.Name) Option {
	return func(s *Scheduler) {
		s.providers = names
	}
}

// WithConcurrency bounds how many entities are revalidated at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		s.concurrency = n
	}
}

func New(resolver Resolver, deliveries DeliveryProcessor, subs SubscriptionLister, snapshots snapshot.Store, opts ...Option) (*Scheduler, error) {
	if resolver == nil || deliveries == nil || subs == nil || snapshots == nil {
		return nil, errors.New("scheduler requires a resolver, a delivery processor, a subscription lister and a snapshot store")
	}
	s := &Scheduler{
		resolver:    resolver,
		deliveries:  deliveries,
		subs:        subs,
		snapshots:   snapshots,
		providers:   providers.All,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs a tick immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.RunAt(ctx, time.Now())
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		return
	}
	if report.Revalidated > 0 || report.Deliveries.Claimed > 0 || report.Deliveries.Requeued > 0 {
		s.logger.InfoContext(ctx, "scheduler tick",
			"revalidated", report.Revalidated,
			"claimed", report.Deliveries.Claimed,
			"delivered", report.Deliveries.Delivered,
			"retried", report.Deliveries.Retried,
			"failed", report.Deliveries.Failed,
			"requeued", report.Deliveries.Requeued,
		)
	}
}

// RunAt performs one sweep as of now: revalidation first, so changes it
// detects are delivered in the same pass. Exported for testability.
func (s *Scheduler) RunAt(ctx context.Context, now time.Time) (Report, error) {
	ctx = requestcontext.WithTime(ctx, now)
	var report Report

	revalidated, revalidateErr := s.Revalidate(ctx)
	report.Revalidated = revalidated

	stats, err := s.deliveries.ProcessDue(ctx)
	report.Deliveries = stats
	return report, errors.Join(revalidateErr, err)
}

type watch struct {
	entity    domain.NIP
	interval  time.Duration
	providers []providers.Name
}

// Revalidate refreshes every watched entity whose snapshots are older than
// the shortest schedule among its subscriptions. Wildcard subscriptions watch
// no entity in particular and are skipped.
func (s *Scheduler) Revalidate(ctx context.Context) (int, error) {
	subs, err := s.subs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	watches := s.collect(subs)
	now := requestcontext.Now(ctx)

	refreshed := make([]bool, len(watches))
	var g errgroup.Group
	g.SetLimit(max(1, s.concurrency))
	for i, w := range watches {
		g.Go(func() error {
			due := s.due(ctx, w, now)
			if len(due) == 0 {
				return nil
			}
			_, err := s.resolver.Resolve(ctx, aggregator.Request{
				EntityID:     w.entity,
				Providers:    due,
				ForceRefresh: due,
				AllowPartial: true,
				Caller:       SystemCaller,
			})
			if err != nil {
				s.logger.ErrorContext(ctx, "revalidation failed", "nip", w.entity, "error", err)
				return nil
			}
			refreshed[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range refreshed {
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Scheduler) collect(subs []*webhook.Subscription) []*watch {
	byEntity := make(map[string]*watch)
	var order []string
	for _, sub := range subs {
		if sub.EntityID == webhook.AnyEntity || !sub.Active {
			continue
		}
		w, ok := byEntity[sub.EntityID]
		if !ok {
			w = &watch{entity: domain.NIP(sub.EntityID), interval: sub.RevalidationInterval()}
			byEntity[sub.EntityID] = w
			order = append(order, sub.EntityID)
		}
		w.interval = min(w.interval, sub.RevalidationInterval())
		for _, p := range s.providers {
			if sub.WantsProvider(p) && !slices.Contains(w.providers, p) {
				w.providers = append(w.providers, p)
			}
		}
	}
	out := make([]*watch, 0, len(order))
	for _, e := range order {
		out = append(out, byEntity[e])
	}
	return out
}

// due returns the providers whose snapshot is missing or older than the interval.
func (s *Scheduler) due(ctx context.Context, w *watch, now time.Time) []providers.Name {
	var out []providers.Name
	for _, p := range w.providers {
		snap, err := s.snapshots.Get(ctx, w.entity, p)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			out = append(out, p)
		case err != nil:
			s.logger.WarnContext(ctx, "snapshot lookup failed", "nip", w.entity, "provider", p, "error", err)
		case now.Sub(snap.FetchedAt) >= w.interval:
			out = append(out, p)
		}
	}
	return out
}
