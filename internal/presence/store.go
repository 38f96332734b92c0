package presence

import (
	"context"
	"sync"
	"time"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/redis"
)

const userEntity = "user"

// Store persists presence records. A missing or expired record reads as OFFLINE.
type Store interface {
	Get(ctx context.Context, userID string) (Record, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]Record, error)
	Set(ctx context.Context, rec Record) error
}

// RedisStore keeps records under relay:presence:user:<id> with a TTL. Writes
// are last-writer-wins.
type RedisStore struct {
	cache *redis.Cache
	ttl   time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = redis.TTLPresence
	}
	return &RedisStore{
		cache: redis.NewCache(client, redis.NamespaceRelay, redis.ContextPresence),
		ttl:   ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context, userID string) (Record, error) {
	var rec Record
	found, err := s.cache.Get(ctx, userEntity, userID, &rec)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return OfflineRecord(userID), nil
	}
	return rec, nil
}

func (s *RedisStore) GetMany(ctx context.Context, userIDs []string) (map[string]Record, error) {
	out := make(map[string]Record, len(userIDs))
	for _, id := range userIDs {
		out[id] = OfflineRecord(id)
	}
	err := s.cache.GetMulti(ctx, userEntity, userIDs, func(id string, data []byte) error {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out[id] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, rec Record) error {
	return s.cache.Set(ctx, userEntity, rec.UserID, rec, s.ttl)
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore is a single-process Store honoring the same TTL.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	records map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = redis.TTLPresence
	}
	return &MemoryStore{ttl: ttl, now: time.Now, records: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(userID), nil
}

func (s *MemoryStore) GetMany(_ context.Context, userIDs []string) (map[string]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(userIDs))
	for _, id := range userIDs {
		out[id] = s.lookup(id)
	}
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = memoryEntry{rec: rec, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) lookup(userID string) Record {
	e, ok := s.records[userID]
	if !ok || !s.now().Before(e.expires) {
		return OfflineRecord(userID)
	}
	return e.rec
}
