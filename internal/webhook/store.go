package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
)

// Store persists subscriptions and their delivery counters.
type Store interface {
	ListEnabledForEvent(ctx context.Context, orgID, event string) ([]Subscription, error)
	Get(ctx context.Context, id string) (*Subscription, error)
	Save(ctx context.Context, sub *Subscription) error
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time) error
}

// MemoryStore keeps subscriptions in process. Used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (s *MemoryStore) ListEnabledForEvent(_ context.Context, orgID, event string) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Enabled && sub.OrgID == orgID && sub.Accepts(event) {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, relayerrors.ErrNotFound
	}
	c := clone(sub)
	return &c, nil
}

func (s *MemoryStore) Save(_ context.Context, sub *Subscription) error {
	if sub == nil || sub.ID == "" {
		return relayerrors.ErrInvalidInput
	}
	c := clone(sub)
	s.mu.Lock()
	s.subs[sub.ID] = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(sub *Subscription) {
		sub.SuccessCount++
		sub.LastTriggeredAt = &at
		sub.LastSuccessAt = &at
	})
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(sub *Subscription) {
		sub.FailureCount++
		sub.LastTriggeredAt = &at
		sub.LastFailureAt = &at
	})
}

func (s *MemoryStore) update(id string, fn func(*Subscription)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return relayerrors.ErrNotFound
	}
	fn(sub)
	return nil
}

func clone(sub *Subscription) Subscription {
	c := *sub
	c.EventFilter = append([]string(nil), sub.EventFilter...)
	return c
}
