package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/config"
	"github.com/aegisshield/entity-correlation/internal/models"
)

// ErrCacheMiss is returned by a Store for absent keys
var ErrCacheMiss = errors.New("cache miss")

// Store is a byte-oriented key/value store with expiry
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore implements Store on go-redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and pings it
func NewRedisStore(ctx context.Context, addr string, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}
	return &RedisStore{client: client}, nil
}

// Get returns ErrCacheMiss when key is absent
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return value, err
}

// Set stores value with ttl
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// RunCache memoizes runs by request digest
type RunCache struct {
	store  Store
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRunCache creates a run cache over store
func NewRunCache(store Store, ttl time.Duration, prefix string, logger *zap.Logger) *RunCache {
	return &RunCache{
		store:  store,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.Named("cache"),
	}
}

// Get returns the run stored for digest
func (c *RunCache) Get(ctx context.Context, digest string) (*models.Run, bool, error) {
	data, err := c.store.Get(ctx, c.key(digest))
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read cached run")
	}

	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode cached run")
	}
	return &run, true, nil
}

// Put stores run under its digest
func (c *RunCache) Put(ctx context.Context, run *models.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "failed to encode run")
	}
	if err := c.store.Set(ctx, c.key(run.Digest), data, c.ttl); err != nil {
		return errors.Wrap(err, "failed to cache run")
	}
	c.logger.Debug("Run cached", zap.String("run_id", run.ID), zap.Duration("ttl", c.ttl))
	return nil
}

func (c *RunCache) key(digest string) string {
	return c.prefix + "run:" + digest
}
