package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskbridge/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisFingerprintStore keeps task fingerprints in Redis so that a restart
// (or a second process instance) does not re-sync every task on its first
// fast cycle.
type RedisFingerprintStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisFingerprintStore(client *redis.Client, ttl time.Duration) *RedisFingerprintStore {
	return &RedisFingerprintStore{client: client, ttl: ttl}
}

func (r *RedisFingerprintStore) Get(ctx context.Context, notesID string) (string, error) {
	if r.client == nil {
		return "", errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, fingerprintKey(notesID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get fingerprint from redis: %w", err)
	}
	return val, nil
}

func (r *RedisFingerprintStore) Set(ctx context.Context, notesID, fingerprint string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Set(ctx, fingerprintKey(notesID), fingerprint, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set fingerprint in redis: %w", err)
	}
	return nil
}

func (r *RedisFingerprintStore) Invalidate(ctx context.Context, notesID string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Del(ctx, fingerprintKey(notesID)).Err(); err != nil {
		return fmt.Errorf("failed to delete fingerprint from redis: %w", err)
	}
	return nil
}

func fingerprintKey(notesID string) string {
	return "fingerprint:" + notesID
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
