package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the remote provider.
type RedisConfig struct {
	ConnectionString string // host:port, optionally redis:// URL
	InstanceName     string // key prefix shared by all gateway instances
	UseSSL           bool
	Password         string
	DB               int
}

// Redis is the remote provider on go-redis. Consistency is whatever the
// backing store guarantees; errors surface to callers who treat them as
// misses.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects a remote provider. The connection itself is lazy;
// IsConnected reports live reachability.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts *redis.Options
	if parsed, err := redis.ParseURL(cfg.ConnectionString); err == nil {
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.ConnectionString,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.UseSSL && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	prefix := cfg.InstanceName
	if prefix != "" {
		prefix += ":"
	}

	return &Redis{
		client: redis.NewClient(opts),
		prefix: prefix,
		logger: logger,
	}, nil
}

func (r *Redis) ProviderType() ProviderType { return ProviderRedis }

func (r *Redis) IsConnected(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		r.logger.Debug("cache get failed", "key", key, "error", err)
		return nil, false, err
	}
	return raw, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.logger.Debug("cache set failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) RefreshExpiration(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.key(key), ttl).Err()
}

// AcquireLock takes a lock via SET NX. The stored value is a per-caller
// nonce; release and extend check it before acting so an expired lock
// reclaimed by another caller is left alone.
func (r *Redis) AcquireLock(ctx context.Context, key string, expiry, waitFor, retry time.Duration) (*Lock, error) {
	nonce := uuid.NewString()
	lockKey := r.key("lock:" + key)
	deadline := time.Now().Add(waitFor)

	for {
		ok, err := r.client.SetNX(ctx, lockKey, nonce, expiry).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{
				key:       lockKey,
				nonce:     nonce,
				expiresAt: time.Now().Add(expiry),
				release:   r.releaseLock,
				extend:    r.extendLock,
			}, nil
		}
		if time.Now().Add(retry).After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (r *Redis) releaseLock(ctx context.Context, key, nonce string) error {
	current, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != nonce {
		return nil
	}
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) extendLock(ctx context.Context, key, nonce string, ttl time.Duration) (time.Time, error) {
	current, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if current != nonce {
		return time.Time{}, nil
	}
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(ttl), nil
}
