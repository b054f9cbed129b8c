// Package snapshot stores the last successful payload per (entity, provider)
// together with its freshness window.
//
// Stores keep snapshots after they expire so callers can fall back to stale
// data when the upstream is unavailable. A miss is reported as
// sentinel.ErrNotFound.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	dErrors "companyhub/pkg/domain-errors"
)

// Snapshot is one provider's view of one entity.
type Snapshot struct {
	EntityID      domain.NIP      `json:"entity_id"`
	Provider      providers.Name  `json:"provider"`
	Payload       json.RawMessage `json:"payload"`
	FetchedAt     time.Time       `json:"fetched_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	ReportVariant string          `json:"report_variant,omitempty"`
}

// New builds a snapshot expiring ttl after fetchedAt.
func New(entityID domain.NIP, provider providers.Name, payload json.RawMessage, reportVariant string, fetchedAt time.Time, ttl time.Duration) (*Snapshot, error) {
	if ttl <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("snapshot ttl must be positive, got %s", ttl))
	}
	if len(payload) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "snapshot payload is required")
	}
	return &Snapshot{
		EntityID:      entityID,
		Provider:      provider,
		Payload:       payload,
		FetchedAt:     fetchedAt,
		ExpiresAt:     fetchedAt.Add(ttl),
		ReportVariant: reportVariant,
	}, nil
}

// IsFresh reports whether the snapshot may be served without refetching.
func (s *Snapshot) IsFresh(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

func (s *Snapshot) validate() error {
	if s == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "snapshot is required")
	}
	if !s.ExpiresAt.After(s.FetchedAt) {
		return dErrors.New(dErrors.CodeInvariantViolation, "snapshot must expire after it was fetched")
	}
	return nil
}

// Store is the snapshot cache.
type Store interface {
	// Get returns the stored snapshot, fresh or not, or sentinel.ErrNotFound.
	Get(ctx context.Context, entityID domain.NIP, provider providers.Name) (*Snapshot, error)
	// Put overwrites the snapshot for (EntityID, Provider).
	Put(ctx context.Context, snap *Snapshot) error
}

// TTLPolicy decides how long a provider's snapshot stays fresh.
type TTLPolicy struct {
	Default     time.Duration
	BankAccount time.Duration
	// Uniform applies Default to every provider.
	Uniform bool
}

// For returns the freshness window for provider.
func (p TTLPolicy) For(provider providers.Name) time.Duration {
	if !p.Uniform && provider == providers.IBAN && p.BankAccount > 0 {
		return p.BankAccount
	}
	return p.Default
}

func key(entityID domain.NIP, provider providers.Name) string {
	return entityID.String() + ":" + provider.String()
}
