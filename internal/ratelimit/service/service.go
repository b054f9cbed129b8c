package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"companyhub/internal/platform/metrics"
	"companyhub/internal/providers"
	"companyhub/internal/ratelimit/models"
	dErrors "companyhub/pkg/domain-errors"
	"companyhub/pkg/requestcontext"
)

// Limiter enforces provider budgets and caller tier budgets in one atomic check.
type Limiter struct {
	buckets   BucketStore
	schedules map[providers.Name]models.Schedule
	tiers     map[models.QuotaTier][]models.Window
	location  *time.Location
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	penalties map[providers.Name]time.Time
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithLocation sets the zone whose wall-clock hour selects the active band.
func WithLocation(loc *time.Location) Option {
	return func(l *Limiter) {
		l.location = loc
	}
}

// WithSchedule sets the band schedule of one provider.
func WithSchedule(provider providers.Name, schedule models.Schedule) Option {
	return func(l *Limiter) {
		l.schedules[provider] = schedule
	}
}

// WithTierBudget replaces the windows of one caller tier. No windows means unlimited.
func WithTierBudget(tier models.QuotaTier, windows ...models.Window) Option {
	return func(l *Limiter) {
		l.tiers[tier] = windows
	}
}

// DefaultTierBudgets returns free 5/h, premium 1000/h and an unlimited system tier.
func DefaultTierBudgets() map[models.QuotaTier][]models.Window {
	return map[models.QuotaTier][]models.Window{
		models.QuotaTierFree:    {{Limit: 5, Period: time.Hour}},
		models.QuotaTierPremium: {{Limit: 1000, Period: time.Hour}},
		models.QuotaTierSystem:  nil,
	}
}

// New creates a limiter. Providers without a schedule are unlimited; regon
// defaults to its published bands.
func New(buckets BucketStore, opts ...Option) (*Limiter, error) {
	if buckets == nil {
		return nil, errors.New("buckets store is required")
	}

	l := &Limiter{
		buckets: buckets,
		schedules: map[providers.Name]models.Schedule{
			providers.Regon: models.RegonSchedule(),
		},
		tiers:     DefaultTierBudgets(),
		location:  time.UTC,
		logger:    slog.Default(),
		penalties: make(map[providers.Name]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}

	for name, schedule := range l.schedules {
		if err := schedule.Validate(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "invalid schedule for "+string(name))
		}
	}
	return l, nil
}

// ActiveBand returns the band of provider at t.
func (l *Limiter) ActiveBand(provider providers.Name, t time.Time) models.Band {
	schedule, ok := l.schedules[provider]
	if !ok {
		return models.Band{}
	}
	return schedule.BandAt(t.In(l.location).Hour())
}

// TryAcquire spends one unit of the provider's active band and of the caller's
// tier, or neither.
func (l *Limiter) TryAcquire(ctx context.Context, provider providers.Name, caller models.Caller) (*models.Decision, error) {
	now := requestcontext.Now(ctx)
	band := l.ActiveBand(provider, now)
	limits := append(l.providerLimits(provider, band), l.tierLimits(caller)...)
	return l.acquire(ctx, provider, band.Name, limits)
}

// AcquireCaller spends one unit of the caller's tier budget only. Callers that
// share one upstream fetch each pay their own tier.
func (l *Limiter) AcquireCaller(ctx context.Context, provider providers.Name, caller models.Caller) (*models.Decision, error) {
	return l.acquire(ctx, provider, "", l.tierLimits(caller))
}

// AcquireProvider spends one unit of the provider's active band only. It is
// charged once per upstream call.
func (l *Limiter) AcquireProvider(ctx context.Context, provider providers.Name) (*models.Decision, error) {
	band := l.ActiveBand(provider, requestcontext.Now(ctx))
	return l.acquire(ctx, provider, band.Name, l.providerLimits(provider, band))
}

// providerLimits keys buckets by provider and period, not by band, so one
// sliding log spans a band change and is checked against the active cap.
func (l *Limiter) providerLimits(provider providers.Name, band models.Band) []models.Limit {
	limits := make([]models.Limit, 0, len(band.Windows))
	for _, w := range band.Windows {
		limits = append(limits, models.Limit{
			Key:    models.ProviderKey(string(provider), w),
			Limit:  w.Limit,
			Window: w.Period,
		})
	}
	return limits
}

func (l *Limiter) tierLimits(caller models.Caller) []models.Limit {
	tier := caller.Tier
	if !tier.IsValid() {
		tier = models.QuotaTierFree
	}
	windows := l.tiers[tier]
	limits := make([]models.Limit, 0, len(windows))
	for _, w := range windows {
		limits = append(limits, models.Limit{
			Key:    models.TierKey(tier, caller.ID, w),
			Limit:  w.Limit,
			Window: w.Period,
		})
	}
	return limits
}

func (l *Limiter) acquire(ctx context.Context, provider providers.Name, band string, limits []models.Limit) (*models.Decision, error) {
	now := requestcontext.Now(ctx)
	if until, ok := l.penalty(provider); ok && now.Before(until) {
		return l.deny(ctx, provider, &models.Decision{NextAvailableAt: until, Reason: models.ReasonPenalized, Band: band})
	}
	if len(limits) == 0 {
		return &models.Decision{Allowed: true, Band: band}, nil
	}

	result, err := l.buckets.AllowAll(ctx, limits)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check rate limit")
	}
	if result.Allowed {
		return &models.Decision{Allowed: true, Band: band}, nil
	}

	reason := models.ReasonProviderBudget
	if models.IsTierKey(result.BlockedBy) {
		reason = models.ReasonTierBudget
	}
	return l.deny(ctx, provider, &models.Decision{
		NextAvailableAt: result.ResetAt,
		Reason:          reason,
		Band:            band,
	})
}

// Penalize denies provider until the given time. A later penalty extends an
// earlier one; an earlier one never shortens it.
func (l *Limiter) Penalize(provider providers.Name, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.penalties[provider]; ok && current.After(until) {
		return
	}
	l.penalties[provider] = until
}

func (l *Limiter) penalty(provider providers.Name) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	until, ok := l.penalties[provider]
	return until, ok
}

func (l *Limiter) deny(ctx context.Context, provider providers.Name, d *models.Decision) (*models.Decision, error) {
	l.metrics.IncrementLimiterDenial(string(provider), string(d.Reason))
	l.logger.InfoContext(ctx, "rate limit exceeded",
		"event", "rate_limit_exceeded",
		"provider", provider,
		"reason", d.Reason,
		"band", d.Band,
		"next_available_at", d.NextAvailableAt,
	)
	return d, nil
}
