package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"companyhub/internal/changes"
	"companyhub/internal/platform/metrics"
	"companyhub/internal/platform/workerpool"
	"companyhub/pkg/platform/sentinel"
	"companyhub/pkg/requestcontext"
)

const (
	headerSignature = "X-Companyhub-Signature"
	headerDelivery  = "X-Companyhub-Delivery"
	maxResponseBody = 64 << 10
)

// Stats summarizes one ProcessDue pass.
type Stats struct {
	Requeued  int
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

// Dispatcher is the only writer of delivery task transitions.
type Dispatcher struct {
	subs        SubscriptionStore
	tasks       TaskStore
	client      *http.Client
	signer      *Signer
	backoff     *Backoff
	pacer       *rate.Limiter
	maxAttempts int
	staleAfter  time.Duration
	claimBatch  int
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	inTx        func(ctx context.Context, fn func(ctx context.Context) error) error
	pool        *workerpool.Pool
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

func WithSigner(s *Signer) Option {
	return func(d *Dispatcher) {
		d.signer = s
	}
}

func WithBackoff(b *Backoff) Option {
	return func(d *Dispatcher) {
		d.backoff = b
	}
}

// WithPacing caps outbound POSTs per second across all subscribers. Zero disables pacing.
func WithPacing(perSecond float64) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.pacer = nil
			return
		}
		d.pacer = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
}

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		d.maxAttempts = n
	}
}

// WithStaleAfter sets how long a task may stay in_flight before it is requeued.
func WithStaleAfter(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.staleAfter = d
	}
}

func WithClaimBatch(n int) Option {
	return func(d *Dispatcher) {
		d.claimBatch = n
	}
}

func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

// WithPool runs each delivery in a slot of pool, shared with on-demand lookups.
func WithPool(p *workerpool.Pool) Option {
	return func(d *Dispatcher) {
		d.pool = p
	}
}

// WithTransactor persists each attempt and its task transition through run,
// so a SQL backend can commit both in one transaction.
func WithTransactor(run func(ctx context.Context, fn func(ctx context.Context) error) error) Option {
	return func(d *Dispatcher) {
		d.inTx = run
	}
}

func NewDispatcher(subs SubscriptionStore, tasks TaskStore, opts ...Option) (*Dispatcher, error) {
	if subs == nil {
		return nil, errors.New("subscription store is required")
	}
	if tasks == nil {
		return nil, errors.New("task store is required")
	}
	d := &Dispatcher{
		subs:        subs,
		tasks:       tasks,
		client:      &http.Client{Timeout: 10 * time.Second},
		signer:      NewSigner("companyhub", 0),
		backoff:     NewBackoff(30*time.Second, time.Hour),
		maxAttempts: 5,
		staleAfter:  5 * time.Minute,
		claimBatch:  50,
		concurrency: 4,
		logger:      slog.Default(),
		tracer:      otel.Tracer("companyhub/webhook"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.inTx == nil {
		d.inTx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	if d.maxAttempts < 1 {
		return nil, errors.New("max attempts must be at least 1")
	}
	return d, nil
}

// Enqueue creates one pending task per active subscription interested in the
// record and returns how many were created. Re-enqueueing a record is a no-op.
func (d *Dispatcher) Enqueue(ctx context.Context, record *changes.ChangeRecord) (int, error) {
	subs, err := d.subs.ListForEntity(ctx, record.EntityID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	now := requestcontext.Now(ctx)
	created := 0
	for _, sub := range subs {
		sections, ok := sub.match(record)
		if !ok {
			continue
		}
		payload, err := payloadFor(record, sections)
		if err != nil {
			return created, fmt.Errorf("encode webhook payload: %w", err)
		}
		err = d.tasks.Create(ctx, newTask(sub, record, payload, now))
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	if created > 0 {
		d.logger.InfoContext(ctx, "deliveries enqueued",
			"event", "deliveries_enqueued",
			"nip", record.EntityID,
			"provider", record.Provider,
			"change_id", record.ID,
			"count", created,
		)
	}
	return created, nil
}

// ProcessDue requeues stale in_flight tasks, claims due ones and delivers
// them. One failing subscriber never blocks the others.
func (d *Dispatcher) ProcessDue(ctx context.Context) (Stats, error) {
	var stats Stats
	now := requestcontext.Now(ctx)

	requeued, err := d.tasks.RequeueStale(ctx, now.Add(-d.staleAfter), now)
	if err != nil {
		return stats, err
	}
	stats.Requeued = requeued
	if requeued > 0 {
		d.logger.WarnContext(ctx, "requeued stale deliveries", "count", requeued)
	}

	claimed, err := d.tasks.ClaimDue(ctx, now, d.claimBatch)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(claimed)

	outcomes := make([]Status, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, d.concurrency))
	for i, task := range claimed {
		g.Go(func() error {
			if d.pool == nil {
				outcomes[i] = d.deliver(gctx, task)
				return nil
			}
			// a task left in_flight here is requeued once it goes stale
			if err := d.pool.Do(gctx, func(ctx context.Context) { outcomes[i] = d.deliver(ctx, task) }); err != nil {
				d.logger.WarnContext(ctx, "delivery not scheduled", "delivery_id", task.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range outcomes {
		switch s {
		case StatusDelivered:
			stats.Delivered++
		case StatusPending:
			stats.Retried++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// deliver performs one attempt and persists the resulting transition.
func (d *Dispatcher) deliver(ctx context.Context, task *DeliveryTask) Status {
	ctx, span := d.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("delivery.id", task.ID.String()),
		attribute.Int("delivery.attempt", task.Attempts+1),
	))
	defer span.End()

	start := time.Now()
	statusCode, deliverErr := d.post(ctx, task)
	elapsed := time.Since(start)
	now := requestcontext.Now(ctx)

	attempt := &DeliveryAttempt{
		ID:          uuid.New(),
		TaskID:      task.ID,
		Attempt:     task.Attempts + 1,
		StatusCode:  statusCode,
		Success:     deliverErr == nil,
		Duration:    elapsed,
		AttemptedAt: now,
	}
	if deliverErr != nil {
		attempt.Error = deliverErr.Error()
	}
	if deliverErr == nil {
		_ = task.markDelivered(now)
	} else {
		delay := d.backoff.Delay(task.Attempts + 1)
		_ = task.markFailedAttempt(now, d.maxAttempts, delay, deliverErr.Error())
		span.RecordError(deliverErr)
		span.SetStatus(codes.Error, deliverErr.Error())
	}
	span.SetAttributes(attribute.String("delivery.status", string(task.Status)))
	d.metrics.ObserveDelivery(string(task.Status), elapsed)

	err := d.inTx(ctx, func(ctx context.Context) error {
		if err := d.tasks.RecordAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		return d.tasks.Update(ctx, task)
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to persist delivery outcome", "delivery_id", task.ID, "error", err)
	}

	switch task.Status {
	case StatusDelivered:
		d.logger.InfoContext(ctx, "delivery succeeded",
			"event", "delivery_succeeded", "delivery_id", task.ID, "attempt", task.Attempts, "status_code", statusCode)
	case StatusFailed:
		d.logger.WarnContext(ctx, "delivery failed permanently",
			"event", "delivery_failed", "delivery_id", task.ID, "attempts", task.Attempts, "error", deliverErr)
	default:
		d.logger.InfoContext(ctx, "delivery will be retried",
			"event", "delivery_retry_scheduled", "delivery_id", task.ID, "attempt", task.Attempts,
			"next_attempt_at", task.NextAttemptAt, "error", deliverErr)
	}
	return task.Status
}

func (d *Dispatcher) post(ctx context.Context, task *DeliveryTask) (int, error) {
	sub, err := d.subs.Get(ctx, task.SubscriptionID)
	if err != nil {
		return 0, fmt.Errorf("load subscription: %w", err)
	}
	signature, err := d.signer.Sign(sub.Secret, task.ID, task.Payload, requestcontext.Now(ctx))
	if err != nil {
		return 0, err
	}

	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			return 0, fmt.Errorf("delivery pacing: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.WebhookURL, bytes.NewReader(task.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDelivery, task.ID.String())
	req.Header.Set(headerSignature, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
