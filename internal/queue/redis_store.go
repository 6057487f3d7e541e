package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string // key prefix, defaults to "broadcaster:queue"
	DialTimeout time.Duration
}

// RedisStore keeps the queue in Redis. A snapshot is a single SET, which
// replaces the previous value atomically.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis store: address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "broadcaster:queue"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *RedisStore) snapshotKey() string {
	return s.prefix + ":snapshot"
}

func (s *RedisStore) blobKey(key string) string {
	return s.prefix + ":blob:" + key
}

// LoadSnapshot reads the snapshot key, or ErrNoSnapshot when it is unset.
func (s *RedisStore) LoadSnapshot(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.snapshotKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: load snapshot: %w", err)
	}
	return data, nil
}

// SaveSnapshot overwrites the snapshot key. A single SET is atomic.
func (s *RedisStore) SaveSnapshot(ctx context.Context, data []byte) error {
	return s.client.Set(ctx, s.snapshotKey(), data, 0).Err()
}

// PutBlob stores data under the prefixed blob key.
func (s *RedisStore) PutBlob(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.blobKey(key), data, 0).Err()
}

// GetBlob returns the payload under key or ErrBlobNotFound.
func (s *RedisStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.blobKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBlobNotFound
	}
	return data, err
}

// DeleteBlob removes the blob key. Missing keys are ignored.
func (s *RedisStore) DeleteBlob(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.blobKey(key)).Err()
}

// BlobKeys scans for payload keys under the store's prefix.
func (s *RedisStore) BlobKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.blobKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.blobKey("")))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis store: scan blobs: %w", err)
	}
	return keys, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
