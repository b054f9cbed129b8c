package changes

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
)

// Log is the append-only change log.
type Log interface {
	Append(ctx context.Context, record *ChangeRecord) error
	Get(ctx context.Context, id uuid.UUID) (*ChangeRecord, error)
	// ListByEntity returns the newest records first; limit <= 0 means all.
	ListByEntity(ctx context.Context, entityID domain.NIP, limit int) ([]*ChangeRecord, error)
}

// InMemoryLog keeps change records in process memory.
type InMemoryLog struct {
	mu      sync.RWMutex
	records []*ChangeRecord
	byID    map[uuid.UUID]*ChangeRecord
}

func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{byID: make(map[uuid.UUID]*ChangeRecord)}
}

func (l *InMemoryLog) Append(_ context.Context, record *ChangeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byID[record.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *record
	l.records = append(l.records, &cp)
	l.byID[cp.ID] = &cp
	return nil
}

func (l *InMemoryLog) Get(_ context.Context, id uuid.UUID) (*ChangeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *InMemoryLog) ListByEntity(_ context.Context, entityID domain.NIP, limit int) ([]*ChangeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*ChangeRecord
	for _, r := range slices.Backward(l.records) {
		if r.EntityID != entityID {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
