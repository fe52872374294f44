package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborchat/relay-service/internal/config"
	"github.com/harborchat/relay-service/internal/domain"
)

// redisStore implements AttachmentStore on Redis, one string key per
// connection. It is the backend to run when coordinators must be rebuildable
// across machines.
type redisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed attachment store.
func NewRedisStore(cfg config.RedisConfig) (AttachmentStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.AttachmentPrefix
	if prefix == "" {
		prefix = "relay:attach"
	}

	return &redisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.AttachmentTTL,
	}, nil
}

func (s *redisStore) keyFor(connID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, connID)
}

func (s *redisStore) Save(ctx context.Context, connID string, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal attachment: %w", err)
	}
	if err := s.client.Set(ctx, s.keyFor(connID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}
	return nil
}

func (s *redisStore) Load(ctx context.Context, connID string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, s.keyFor(connID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attachment: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("malformed attachment for %s: %w", connID, err)
	}
	return &sess, nil
}

func (s *redisStore) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, s.keyFor(connID)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
