// Package aggregator resolves one entity against every requested provider
// and composes a single answer out of cache hits, fresh fetches, budget
// denials and upstream failures.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"companyhub/internal/platform/metrics"
	"companyhub/internal/platform/workerpool"
	"companyhub/internal/providers"
	"companyhub/internal/singleflight"
	"companyhub/internal/snapshot"
	dErrors "companyhub/pkg/domain-errors"
	"companyhub/pkg/platform/circuit"
	"companyhub/pkg/platform/sentinel"
	"companyhub/pkg/requestcontext"
)

const defaultPenalty = time.Minute

var (
	errBreakerOpen        = errors.New("circuit breaker open")
	errLimiterUnavailable = errors.New("rate limiter unavailable")
)

// budgetExhaustedError is the shared outcome of a single-flight fetch denied
// by the provider budget; every waiter reports it as rate_limited.
type budgetExhaustedError struct {
	nextAvailableAt time.Time
}

func (e *budgetExhaustedError) Error() string {
	return "provider budget exhausted"
}

// Service is the aggregation engine.
type Service struct {
	registry *providers.Registry
	cache    snapshot.Store
	limiter  Limiter
	recorder ChangeRecorder
	notifier Notifier
	ttl      snapshot.TTLPolicy
	pool     *workerpool.Pool
	flights  singleflight.Group
	breakers map[providers.Name]*circuit.Breaker

	callTimeout    time.Duration
	requestTimeout time.Duration
	scope          DispositionScope
	breakerOpts    []circuit.Option

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRecorder enables change detection on fresh fetches.
func WithRecorder(r ChangeRecorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithNotifier enqueues webhook deliveries for detected changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithTTLPolicy(p snapshot.TTLPolicy) Option {
	return func(s *Service) {
		s.ttl = p
	}
}

// WithPool shares a worker pool with other background work.
func WithPool(p *workerpool.Pool) Option {
	return func(s *Service) {
		s.pool = p
	}
}

func WithTimeouts(call, request time.Duration) Option {
	return func(s *Service) {
		if call > 0 {
			s.callTimeout = call
		}
		if request > 0 {
			s.requestTimeout = request
		}
	}
}

func WithDispositionScope(scope DispositionScope) Option {
	return func(s *Service) {
		s.scope = scope
	}
}

// WithBreakerOptions configures every provider's circuit breaker.
func WithBreakerOptions(opts ...circuit.Option) Option {
	return func(s *Service) {
		s.breakerOpts = append(s.breakerOpts, opts...)
	}
}

func New(registry *providers.Registry, cache snapshot.Store, limiter Limiter, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, errors.New("provider registry is required")
	}
	if cache == nil {
		return nil, errors.New("snapshot store is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	s := &Service{
		registry:       registry,
		cache:          cache,
		limiter:        limiter,
		ttl:            snapshot.TTLPolicy{Default: 24 * time.Hour, BankAccount: 7 * 24 * time.Hour},
		callTimeout:    10 * time.Second,
		requestTimeout: 15 * time.Second,
		scope:          ScopeRequest,
		logger:         slog.Default(),
		tracer:         otel.Tracer("companyhub/aggregator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.scope.IsValid() {
		return nil, fmt.Errorf("invalid disposition scope %q", s.scope)
	}
	if s.pool == nil {
		s.pool = workerpool.New(len(registry.Names()) * 4)
	}
	s.breakers = make(map[providers.Name]*circuit.Breaker)
	for _, name := range registry.Names() {
		s.breakers[name] = circuit.New(name.String(), s.breakerOpts...)
	}
	return s, nil
}

// Breaker exposes a provider's breaker for health reporting.
func (s *Service) Breaker(p providers.Name) (*circuit.Breaker, bool) {
	b, ok := s.breakers[p]
	return b, ok
}

// Resolve queries every requested provider concurrently and composes the
// outcomes. Provider failures never fail the call; the returned error covers
// only invalid requests.
func (s *Service) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.EntityID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "entity id is required")
	}
	for _, p := range req.Providers {
		if _, ok := s.registry.Get(p); !ok {
			return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown provider %q", p))
		}
	}
	names := req.Providers
	if len(names) == 0 {
		names = s.registry.Names()
	}

	ctx, span := s.tracer.Start(ctx, "aggregator.resolve", trace.WithAttributes(
		attribute.String("entity.nip", req.EntityID.String()),
		attribute.Int("providers.count", len(names)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	results := make([]ProviderResult, len(names))
	fallbacks := make([]*snapshot.Snapshot, len(names))
	done := make([]bool, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			err := s.pool.Do(ctx, func(ctx context.Context) {
				results[i], fallbacks[i] = s.resolveProvider(ctx, req, name)
				done[i] = true
			})
			if err != nil {
				s.logger.DebugContext(ctx, "provider not scheduled before deadline", "provider", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range names {
		if done[i] {
			continue
		}
		results[i] = s.withFallback(context.WithoutCancel(ctx), req, name, ProviderResult{
			Provider: name,
			Status:   StatusError,
			Error:    "timeout: request deadline exceeded",
		}, fallbacks[i])
	}

	res := &Result{
		EntityID:   req.EntityID,
		Providers:  results,
		ResolvedAt: requestcontext.Now(ctx),
	}
	compose(res, s.scope, req.AllowPartial)

	for _, pr := range res.Providers {
		s.metrics.ObserveProviderOutcome(pr.Provider.String(), string(pr.Status))
	}
	s.metrics.IncrementDisposition(string(res.Disposition))
	span.SetAttributes(attribute.String("disposition", string(res.Disposition)))
	if res.Disposition != DispositionSuccess {
		span.SetStatus(codes.Error, string(res.Disposition))
	}
	return res, nil
}

// resolveProvider runs the cache, breaker, budget and fetch decisions for
// one provider. The second return is the snapshot read from the cache, used
// by Resolve if the deadline cuts the work short.
func (s *Service) resolveProvider(ctx context.Context, req Request, name providers.Name) (ProviderResult, *snapshot.Snapshot) {
	ctx, span := s.tracer.Start(ctx, "aggregator.provider", trace.WithAttributes(
		attribute.String("provider", name.String()),
	))
	defer span.End()

	out := ProviderResult{Provider: name}
	conn, ok := s.registry.Get(name)
	if !ok {
		out.Status = StatusError
		out.Error = fmt.Sprintf("provider %s is not configured", name)
		return out, nil
	}

	now := requestcontext.Now(ctx)
	cached := s.lookup(ctx, req, name)
	if cached != nil && !req.forced(name) && cached.IsFresh(now) {
		s.metrics.ObserveCacheLookup(name.String(), "hit")
		return fromSnapshot(StatusCached, cached, false), cached
	}
	if cached == nil {
		s.metrics.ObserveCacheLookup(name.String(), "miss")
	} else if !cached.IsFresh(now) {
		s.metrics.ObserveCacheLookup(name.String(), "stale")
	}

	breaker := s.breakers[name]
	if ready, retryAt := breaker.Ready(); !ready {
		return s.rateLimited(name, retryAt, cached), cached
	}

	decision, err := s.limiter.AcquireCaller(ctx, name, req.Caller)
	if err != nil {
		s.logger.ErrorContext(ctx, "rate limiter unavailable", "provider", name, "error", err)
		out.Status = StatusError
		out.Error = "rate limiter unavailable"
		return s.withFallback(ctx, req, name, out, cached), cached
	}
	if !decision.Allowed {
		return s.rateLimited(name, decision.NextAvailableAt, cached), cached
	}

	snap, shared, err := s.flights.Do(ctx, req.EntityID.String()+":"+name.String(), func(fctx context.Context) (any, error) {
		return s.fetch(fctx, req, conn)
	})
	if shared {
		s.metrics.IncrementSharedFetch()
	}
	if err == nil {
		return fromSnapshot(StatusFresh, snap.(*snapshot.Snapshot), false), cached
	}

	span.RecordError(err)
	var exhausted *budgetExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return s.rateLimited(name, exhausted.nextAvailableAt, cached), cached
	case errors.Is(err, errLimiterUnavailable):
		out.Status = StatusError
		out.Error = err.Error()
	case errors.Is(err, errBreakerOpen):
		_, retryAt := breaker.Ready()
		return s.rateLimited(name, retryAt, cached), cached
	case providers.GetCategory(err) == providers.ErrorNotFound:
		out.Status = StatusNotFound
		return out, cached
	case providers.GetCategory(err) == providers.ErrorRateLimited:
		return s.rateLimited(name, requestcontext.Now(ctx).Add(penaltyFor(err)), cached), cached
	case ctx.Err() != nil:
		out.Status = StatusError
		out.Error = "timeout: request deadline exceeded"
	default:
		out.Status = StatusError
		out.Error = err.Error()
	}
	return s.withFallback(ctx, req, name, out, cached), cached
}

// fetch is the single-flight representative: one provider budget unit, one
// upstream call, then the cache write, change detection and delivery
// scheduling.
func (s *Service) fetch(ctx context.Context, req Request, conn providers.Connector) (*snapshot.Snapshot, error) {
	name := conn.Name()
	decision, err := s.limiter.AcquireProvider(ctx, name)
	if err != nil {
		s.logger.ErrorContext(ctx, "rate limiter unavailable", "provider", name, "error", err)
		return nil, errLimiterUnavailable
	}
	if !decision.Allowed {
		return nil, &budgetExhaustedError{nextAvailableAt: decision.NextAvailableAt}
	}

	breaker := s.breakers[name]
	if !breaker.Allow() {
		return nil, errBreakerOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	start := time.Now()
	raw, err := conn.Fetch(callCtx, req.EntityID)
	elapsed := time.Since(start)
	cancel()

	if err != nil && errors.Is(err, context.DeadlineExceeded) && providers.GetCategory(err) == providers.ErrorInternal {
		err = providers.NewProviderError(providers.ErrorTimeout, name, "call timed out", err)
	}
	s.metrics.ObserveUpstream(name.String(), upstreamResult(err), elapsed)
	s.recordBreaker(ctx, breaker, name, err)

	if err != nil {
		if providers.GetCategory(err) == providers.ErrorRateLimited {
			until := requestcontext.Now(ctx).Add(penaltyFor(err))
			s.limiter.Penalize(name, until)
			s.logger.WarnContext(ctx, "upstream throttled", "provider", name, "until", until)
		} else if providers.GetCategory(err) != providers.ErrorNotFound {
			s.logger.WarnContext(ctx, "provider fetch failed", "provider", name, "nip", req.EntityID, "error", err)
		}
		return nil, err
	}

	now := requestcontext.Now(ctx)
	snap, err := snapshot.New(req.EntityID, name, raw.Payload, raw.ReportVariant, now, s.ttl.For(name))
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, name, "unusable payload", err)
	}

	var previous []byte
	if prior, err := s.cache.Get(ctx, req.EntityID, name); err == nil {
		previous = prior.Payload
	}
	if err := s.cache.Put(ctx, snap); err != nil {
		s.logger.ErrorContext(ctx, "failed to store snapshot", "provider", name, "nip", req.EntityID, "error", err)
	}
	s.detectChanges(ctx, req, name, previous, snap)
	return snap, nil
}

func (s *Service) detectChanges(ctx context.Context, req Request, name providers.Name, previous []byte, snap *snapshot.Snapshot) {
	if s.recorder == nil {
		return
	}
	record, err := s.recorder.Record(ctx, req.EntityID, name, previous, snap.Payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "change detection failed", "provider", name, "nip", req.EntityID, "error", err)
		return
	}
	if record == nil || s.notifier == nil {
		return
	}
	if _, err := s.notifier.Enqueue(ctx, record); err != nil {
		s.logger.ErrorContext(ctx, "failed to enqueue deliveries", "change_id", record.ID, "error", err)
	}
}

func (s *Service) recordBreaker(ctx context.Context, b *circuit.Breaker, name providers.Name, err error) {
	var change circuit.StateChange
	if providers.CountsAsFailure(err) {
		_, change = b.RecordFailure()
	} else {
		_, change = b.RecordSuccess()
	}
	switch {
	case change.Opened:
		s.metrics.IncrementBreakerTransition(name.String(), circuit.StateOpen.String())
		s.logger.WarnContext(ctx, "circuit breaker opened", "event", "breaker_opened", "provider", name)
	case change.Closed:
		s.metrics.IncrementBreakerTransition(name.String(), circuit.StateClosed.String())
		s.logger.InfoContext(ctx, "circuit breaker closed", "event", "breaker_closed", "provider", name)
	}
}

// lookup reads the snapshot; store failures count as a miss.
func (s *Service) lookup(ctx context.Context, req Request, name providers.Name) *snapshot.Snapshot {
	snap, err := s.cache.Get(ctx, req.EntityID, name)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "snapshot lookup failed", "provider", name, "nip", req.EntityID, "error", err)
		}
		return nil
	}
	return snap
}

func (s *Service) rateLimited(name providers.Name, at time.Time, cached *snapshot.Snapshot) ProviderResult {
	out := ProviderResult{Provider: name, Status: StatusRateLimited}
	if cached != nil {
		out = fromSnapshot(StatusRateLimited, cached, true)
	}
	if !at.IsZero() {
		out.NextAvailableAt = &at
	}
	return out
}

// withFallback attaches the stored snapshot, read now if not read yet.
func (s *Service) withFallback(ctx context.Context, req Request, name providers.Name, out ProviderResult, cached *snapshot.Snapshot) ProviderResult {
	if cached == nil {
		cached = s.lookup(ctx, req, name)
	}
	if cached == nil {
		return out
	}
	fb := fromSnapshot(out.Status, cached, true)
	fb.Error = out.Error
	fb.NextAvailableAt = out.NextAvailableAt
	return fb
}

func fromSnapshot(status Status, snap *snapshot.Snapshot, stale bool) ProviderResult {
	fetched := snap.FetchedAt
	return ProviderResult{
		Provider:      snap.Provider,
		Status:        status,
		Payload:       snap.Payload,
		FetchedAt:     &fetched,
		Stale:         stale,
		ReportVariant: snap.ReportVariant,
	}
}

func penaltyFor(err error) time.Duration {
	if d := providers.RetryAfter(err); d > 0 {
		return d
	}
	return defaultPenalty
}

func upstreamResult(err error) string {
	if err == nil {
		return "success"
	}
	return string(providers.GetCategory(err))
}
