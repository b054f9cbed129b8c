package snapshot

import (
	"context"
	"sync"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
)

// InMemoryStore keeps snapshots in a map. Expired entries are retained.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]Snapshot)}
}

func (s *InMemoryStore) Get(_ context.Context, entityID domain.NIP, provider providers.Name) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[key(entityID, provider)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := snap
	out.Payload = append([]byte(nil), snap.Payload...)
	return &out, nil
}

func (s *InMemoryStore) Put(_ context.Context, snap *Snapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}
	stored := *snap
	stored.Payload = append([]byte(nil), snap.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key(snap.EntityID, snap.Provider)] = stored
	return nil
}
