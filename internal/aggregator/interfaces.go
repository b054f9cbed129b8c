package aggregator

import (
	"context"
	"encoding/json"
	"time"

	"companyhub/internal/changes"
	"companyhub/internal/providers"
	"companyhub/internal/ratelimit/models"
	"companyhub/pkg/domain"
)

// Limiter admits upstream calls against provider and caller budgets. Every
// caller pays its tier; the provider band is charged once per upstream call.
type Limiter interface {
	AcquireCaller(ctx context.Context, provider providers.Name, caller models.Caller) (*models.Decision, error)
	AcquireProvider(ctx context.Context, provider providers.Name) (*models.Decision, error)
	Penalize(provider providers.Name, until time.Time)
}

// ChangeRecorder appends a change record when a payload changed.
type ChangeRecorder interface {
	Record(ctx context.Context, entityID domain.NIP, provider providers.Name, previous, next json.RawMessage) (*changes.ChangeRecord, error)
}

// Notifier schedules webhook deliveries for a change record.
type Notifier interface {
	Enqueue(ctx context.Context, record *changes.ChangeRecord) (int, error)
}
