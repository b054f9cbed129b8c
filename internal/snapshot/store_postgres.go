package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"companyhub/internal/platform/postgres"
	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
)

// PostgresStore persists snapshots in provider_snapshots.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSnapshot = `
SELECT payload, report_variant, fetched_at, expires_at
FROM provider_snapshots
WHERE entity_id = $1 AND provider = $2`

func (s *PostgresStore) Get(ctx context.Context, entityID domain.NIP, provider providers.Name) (*Snapshot, error) {
	snap := Snapshot{EntityID: entityID, Provider: provider}
	var payload []byte
	err := postgres.Conn(ctx, s.db).QueryRowContext(ctx, selectSnapshot, entityID.String(), provider.String()).
		Scan(&payload, &snap.ReportVariant, &snap.FetchedAt, &snap.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find snapshot: %w", err)
	}
	snap.Payload = payload
	return &snap, nil
}

const upsertSnapshot = `
INSERT INTO provider_snapshots (entity_id, provider, payload, report_variant, fetched_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (entity_id, provider) DO UPDATE SET
    payload = EXCLUDED.payload,
    report_variant = EXCLUDED.report_variant,
    fetched_at = EXCLUDED.fetched_at,
    expires_at = EXCLUDED.expires_at`

func (s *PostgresStore) Put(ctx context.Context, snap *Snapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}
	_, err := postgres.Conn(ctx, s.db).ExecContext(ctx, upsertSnapshot,
		snap.EntityID.String(), snap.Provider.String(), []byte(snap.Payload),
		snap.ReportVariant, snap.FetchedAt, snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
