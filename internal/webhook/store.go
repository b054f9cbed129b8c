package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"companyhub/pkg/domain"
	"companyhub/pkg/platform/sentinel"
)

// SubscriptionStore is read by the engine; subscriptions are managed elsewhere.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	// ListForEntity returns active subscriptions for entityID or for any entity.
	ListForEntity(ctx context.Context, entityID domain.NIP) ([]*Subscription, error)
}

// TaskStore persists delivery tasks and their attempt history.
type TaskStore interface {
	// Create returns sentinel.ErrConflict when the subscription already has a
	// task for the change record.
	Create(ctx context.Context, task *DeliveryTask) error
	Get(ctx context.Context, id uuid.UUID) (*DeliveryTask, error)
	// ClaimDue moves up to limit pending tasks due at now to in_flight.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*DeliveryTask, error)
	// RequeueStale returns in_flight tasks claimed before cutoff to pending.
	RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error)
	// Update persists the outcome of an in_flight task.
	Update(ctx context.Context, task *DeliveryTask) error
	RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	Attempts(ctx context.Context, taskID uuid.UUID) ([]*DeliveryAttempt, error)
}

// InMemorySubscriptionStore keeps subscriptions in process memory.
type InMemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

func NewInMemorySubscriptionStore() *InMemorySubscriptionStore {
	return &InMemorySubscriptionStore{subs: make(map[uuid.UUID]*Subscription)}
}

func (s *InMemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *InMemorySubscriptionStore) Get(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *InMemorySubscriptionStore) ListActive(_ context.Context) ([]*Subscription, error) {
	return s.list(func(*Subscription) bool { return true }), nil
}

func (s *InMemorySubscriptionStore) ListForEntity(_ context.Context, entityID domain.NIP) ([]*Subscription, error) {
	return s.list(func(sub *Subscription) bool {
		return sub.EntityID == AnyEntity || sub.EntityID == entityID.String()
	}), nil
}

func (s *InMemorySubscriptionStore) list(keep func(*Subscription) bool) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Active && keep(sub) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type taskKey struct {
	subscription uuid.UUID
	change       uuid.UUID
}

// InMemoryTaskStore keeps the delivery queue in process memory.
type InMemoryTaskStore struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*DeliveryTask
	unique   map[taskKey]uuid.UUID
	attempts map[uuid.UUID][]*DeliveryAttempt
}

func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks:    make(map[uuid.UUID]*DeliveryTask),
		unique:   make(map[taskKey]uuid.UUID),
		attempts: make(map[uuid.UUID][]*DeliveryAttempt),
	}
}

func (s *InMemoryTaskStore) Create(_ context.Context, task *DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{subscription: task.SubscriptionID, change: task.ChangeRecordID}
	if _, ok := s.unique[key]; ok {
		return sentinel.ErrConflict
	}
	cp := *task
	s.tasks[task.ID] = &cp
	s.unique[key] = task.ID
	return nil
}

func (s *InMemoryTaskStore) Get(_ context.Context, id uuid.UUID) (*DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryTaskStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]*DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*DeliveryTask
	for _, t := range s.tasks {
		if t.Status == StatusPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*DeliveryTask, 0, len(due))
	for _, t := range due {
		if err := t.claim(now); err != nil {
			return nil, err
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryTaskStore) RequeueStale(_ context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == StatusInFlight && t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			if err := t.requeue(now); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *InMemoryTaskStore) Update(_ context.Context, task *DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != StatusInFlight {
		return sentinel.ErrInvalidState
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *InMemoryTaskStore) RecordAttempt(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.attempts[attempt.TaskID] = append(s.attempts[attempt.TaskID], &cp)
	return nil
}

func (s *InMemoryTaskStore) Attempts(_ context.Context, taskID uuid.UUID) ([]*DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DeliveryAttempt, 0, len(s.attempts[taskID]))
	for _, a := range s.attempts[taskID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
