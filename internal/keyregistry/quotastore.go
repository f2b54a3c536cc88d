package keyregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InMemoryQuotaStore is the default QuotaStore: process-local, lost on
// restart. Fine for a single-instance deployment (spec §6 names the KV
// store "optional").
type InMemoryQuotaStore struct {
	mu   sync.Mutex
	data map[string]int
}

func NewInMemoryQuotaStore() *InMemoryQuotaStore {
	return &InMemoryQuotaStore{data: make(map[string]int)}
}

func (s *InMemoryQuotaStore) key(provider Provider, keyHash, day string) string {
	return fmt.Sprintf("%s:%s:%s", provider, keyHash, day)
}

func (s *InMemoryQuotaStore) Load(_ context.Context, provider Provider, keyHash, day string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[s.key(provider, keyHash, day)]
	return v, ok, nil
}

func (s *InMemoryQuotaStore) Store(_ context.Context, provider Provider, keyHash, day string, usage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[s.key(provider, keyHash, day)] = usage
	return nil
}

// RedisQuotaStore persists quota counters in Redis so multiple batch
// instances (or a restarted one) share usage accounting (spec §6's optional
// KV store). Grounded on the redis/go-redis/v9 usage pattern found in the
// pack's other_examples (blogspy_predictor's db.go and the distributed task
// queue's main.go use the same client for simple get/set counters).
type RedisQuotaStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisQuotaStore(client *redis.Client, prefix string) *RedisQuotaStore {
	if prefix == "" {
		prefix = "weather-flick-batch:quota"
	}
	return &RedisQuotaStore{client: client, prefix: prefix, ttl: 36 * time.Hour}
}

func (s *RedisQuotaStore) key(provider Provider, keyHash, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, provider, keyHash, day)
}

func (s *RedisQuotaStore) Load(ctx context.Context, provider Provider, keyHash, day string) (int, bool, error) {
	v, err := s.client.Get(ctx, s.key(provider, keyHash, day)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *RedisQuotaStore) Store(ctx context.Context, provider Provider, keyHash, day string, usage int) error {
	return s.client.Set(ctx, s.key(provider, keyHash, day), usage, s.ttl).Err()
}
