package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"companyhub/internal/platform/postgres"
	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
)

// PostgresSubscriptionStore reads subscriptions from the subscriptions table.
type PostgresSubscriptionStore struct {
	db *sql.DB
}

func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

const insertSubscription = `
INSERT INTO subscriptions (id, subscriber_id, entity_id, webhook_url, secret, providers, sections, schedule, custom_interval_hours, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (s *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	names := make([]string, len(sub.Providers))
	for i, p := range sub.Providers {
		names[i] = p.String()
	}
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, insertSubscription,
		sub.ID, sub.SubscriberID, sub.EntityID, sub.WebhookURL, sub.Secret,
		pq.Array(names), pq.Array(sub.Sections), string(sub.Schedule), sub.CustomIntervalHours,
		sub.Active, sub.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

const selectSubscriptions = `
SELECT id, subscriber_id, entity_id, webhook_url, secret, providers, sections, schedule, custom_interval_hours, active, created_at
FROM subscriptions`

func (s *PostgresSubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := postgres.Conn(ctx, s.db).QueryRowContext(ctx, selectSubscriptions+` WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresSubscriptionStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return s.query(ctx, selectSubscriptions+` WHERE active ORDER BY created_at`)
}

func (s *PostgresSubscriptionStore) ListForEntity(ctx context.Context, entityID domain.NIP) ([]*Subscription, error) {
	return s.query(ctx, selectSubscriptions+` WHERE active AND entity_id IN ($1, '*') ORDER BY created_at`, entityID.String())
}

func (s *PostgresSubscriptionStore) query(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var (
		sub      Subscription
		names    []string
		schedule string
	)
	err := s.Scan(&sub.ID, &sub.SubscriberID, &sub.EntityID, &sub.WebhookURL, &sub.Secret,
		pq.Array(&names), pq.Array(&sub.Sections), &schedule, &sub.CustomIntervalHours,
		&sub.Active, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		sub.Providers = append(sub.Providers, providers.Name(n))
	}
	sub.Schedule = Schedule(schedule)
	return &sub, nil
}

// PostgresTaskStore is the durable delivery queue.
type PostgresTaskStore struct {
	db *sql.DB
}

func NewPostgresTaskStore(db *sql.DB) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

const taskColumns = `id, subscription_id, change_record_id, status, attempts, next_attempt_at, claimed_at, webhook_url, payload, last_error, created_at, updated_at`

const insertTask = `
INSERT INTO delivery_tasks (` + taskColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (subscription_id, change_record_id) DO NOTHING`

func (s *PostgresTaskStore) Create(ctx context.Context, t *DeliveryTask) error {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, insertTask,
		t.ID, t.SubscriptionID, t.ChangeRecordID, string(t.Status), t.Attempts, t.NextAttemptAt,
		nullTime(t.ClaimedAt), t.WebhookURL, []byte(t.Payload), t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert delivery task: %w", err)
	}
	if n == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *PostgresTaskStore) Get(ctx context.Context, id uuid.UUID) (*DeliveryTask, error) {
	row := postgres.Conn(ctx, s.db).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM delivery_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find delivery task: %w", err)
	}
	return t, nil
}

// claimDue locks due rows with SKIP LOCKED so concurrent workers never claim
// the same task.
const claimDue = `
UPDATE delivery_tasks
SET status = 'in_flight', claimed_at = $1, updated_at = $1
WHERE id IN (
    SELECT id FROM delivery_tasks
    WHERE status = 'pending' AND next_attempt_at <= $1
    ORDER BY next_attempt_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns

func (s *PostgresTaskStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*DeliveryTask, error) {
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, claimDue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim delivery tasks: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery tasks: %w", err)
	}
	return out, nil
}

const requeueStale = `
UPDATE delivery_tasks
SET status = 'pending', claimed_at = NULL, updated_at = $2
WHERE status = 'in_flight' AND claimed_at < $1`

func (s *PostgresTaskStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, requeueStale, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return int(n), nil
}

const updateTask = `
UPDATE delivery_tasks
SET status = $2, attempts = $3, next_attempt_at = $4, claimed_at = $5, last_error = $6, updated_at = $7
WHERE id = $1 AND status = 'in_flight'`

func (s *PostgresTaskStore) Update(ctx context.Context, t *DeliveryTask) error {
	res, err := postgres.Conn(ctx, s.db).ExecContext(ctx, updateTask,
		t.ID, string(t.Status), t.Attempts, t.NextAttemptAt, nullTime(t.ClaimedAt), t.LastError, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update delivery task: %w", err)
	}
	if n == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

const insertAttempt = `
INSERT INTO delivery_attempts (id, task_id, attempt, status_code, success, error, duration_ms, attempted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *PostgresTaskStore) RecordAttempt(ctx context.Context, a *DeliveryAttempt) error {
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, insertAttempt,
		a.ID, a.TaskID, a.Attempt, a.StatusCode, a.Success, a.Error, a.Duration.Milliseconds(), a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *PostgresTaskStore) Attempts(ctx context.Context, taskID uuid.UUID) ([]*DeliveryAttempt, error) {
	rows, err := postgres.Conn(ctx, s.db).QueryContext(ctx, `
SELECT id, task_id, attempt, status_code, success, error, duration_ms, attempted_at
FROM delivery_attempts WHERE task_id = $1 ORDER BY attempt`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryAttempt
	for rows.Next() {
		var (
			a          DeliveryAttempt
			durationMS int64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attempt, &a.StatusCode, &a.Success, &a.Error, &durationMS, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery attempts: %w", err)
	}
	return out, nil
}

func scanTask(s scanner) (*DeliveryTask, error) {
	var (
		t         DeliveryTask
		status    string
		claimedAt sql.NullTime
		payload   []byte
	)
	err := s.Scan(&t.ID, &t.SubscriptionID, &t.ChangeRecordID, &status, &t.Attempts, &t.NextAttemptAt,
		&claimedAt, &t.WebhookURL, &payload, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if claimedAt.Valid {
		ts := claimedAt.Time
		t.ClaimedAt = &ts
	}
	t.Payload = payload
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
