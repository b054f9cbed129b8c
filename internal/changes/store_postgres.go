package changes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"companyhub/internal/platform/postgres"
	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
)

// PostgresLog persists change records in change_records.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

const insertRecord = `
INSERT INTO change_records (id, entity_id, provider, kind, changeset, previous_payload, new_payload, fingerprint, detected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Append writes a record, joining the transaction on ctx if any.
func (l *PostgresLog) Append(ctx context.Context, record *ChangeRecord) error {
	changeset, err := json.Marshal(record.Changeset)
	if err != nil {
		return fmt.Errorf("marshal changeset: %w", err)
	}
	var previous any
	if len(record.PreviousPayload) > 0 {
		previous = []byte(record.PreviousPayload)
	}
	_, err = postgres.Conn(ctx, l.db).ExecContext(ctx, insertRecord,
		record.ID, record.EntityID.String(), record.Provider.String(), string(record.Kind),
		changeset, previous, []byte(record.NewPayload), record.Fingerprint, record.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert change record: %w", err)
	}
	return nil
}

const selectRecords = `
SELECT id, entity_id, provider, kind, changeset, previous_payload, new_payload, fingerprint, detected_at
FROM change_records`

func (l *PostgresLog) Get(ctx context.Context, id uuid.UUID) (*ChangeRecord, error) {
	row := postgres.Conn(ctx, l.db).QueryRowContext(ctx, selectRecords+` WHERE id = $1`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find change record: %w", err)
	}
	return r, nil
}

func (l *PostgresLog) ListByEntity(ctx context.Context, entityID domain.NIP, limit int) ([]*ChangeRecord, error) {
	query := selectRecords + ` WHERE entity_id = $1 ORDER BY detected_at DESC`
	args := []any{entityID.String()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := postgres.Conn(ctx, l.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change records: %w", err)
	}
	defer rows.Close()

	var out []*ChangeRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*ChangeRecord, error) {
	var (
		r                             ChangeRecord
		entityID, provider, kind      string
		changeset, previous, newValue []byte
	)
	if err := s.Scan(&r.ID, &entityID, &provider, &kind, &changeset, &previous, &newValue, &r.Fingerprint, &r.DetectedAt); err != nil {
		return nil, err
	}
	r.EntityID = domain.NIP(entityID)
	r.Provider = providers.Name(provider)
	r.Kind = Kind(kind)
	if err := json.Unmarshal(changeset, &r.Changeset); err != nil {
		return nil, fmt.Errorf("decode changeset: %w", err)
	}
	if len(previous) > 0 {
		r.PreviousPayload = previous
	}
	r.NewPayload = newValue
	return &r, nil
}
