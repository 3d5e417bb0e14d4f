package offline

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"

	"retailpos/backend/internal/domain"
)

// RedisStore keeps the queue blob under a single Redis key, for terminals that
// run a local Redis next to the POS backend.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultStorageKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) ([]domain.OfflineTransaction, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.OfflineTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeQueue(raw)
}

func (s *RedisStore) Save(ctx context.Context, txns []domain.OfflineTransaction) error {
	payload, err := encodeQueue(txns)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, payload, 0).Err()
}
