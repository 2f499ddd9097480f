package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/sentinel/config"
)

// RedisStore keeps assessments under <prefix>:assessment:<id> and aliases in
// the <prefix>:aliases hash. A set indexes the stored ids.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *log.Logger
}

func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger *log.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", cfg.Addr(), err)
	}
	if pong != "PONG" {
		client.Close()
		return nil, fmt.Errorf("redis store: expected PONG, got %s", pong)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *log.Logger) *RedisStore {
	if prefix == "" {
		prefix = "sentinel"
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(id string) string { return s.prefix + ":assessment:" + id }
func (s *RedisStore) indexKey() string     { return s.prefix + ":assessments" }
func (s *RedisStore) aliasKey() string     { return s.prefix + ":aliases" }

func (s *RedisStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *RedisStore) Put(ctx context.Context, id string, data []byte) error {
	if err := ValidateKey(id); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(id), data, s.ttl)
		p.SAdd(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: put %s: %w", id, err)
	}
	s.logger.Printf("stored assessment %s (%d bytes)", id, len(data))
	return nil
}

// List drops index entries whose artifact has expired.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) GetAlias(ctx context.Context, alias string) (string, error) {
	id, err := s.client.HGet(ctx, s.aliasKey(), alias).Result()
	if errors.Is(err, redis.Nil) || strings.TrimSpace(id) == "" {
		return "", ErrNotFound
	}
	return id, err
}

func (s *RedisStore) PutAlias(ctx context.Context, alias, id string) error {
	if err := ValidateKey(alias); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.aliasKey(), alias, id).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.client.Close() }
