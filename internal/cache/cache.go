// Package cache defines the pluggable cache provider contract used across
// the gateway, with an in-process LRU/TTL variant and a Redis variant.
// Cache failures degrade to misses; callers never crash on provider errors.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// ProviderType identifies the backing implementation.
type ProviderType string

const (
	ProviderMemory ProviderType = "memory"
	ProviderRedis  ProviderType = "redis"
)

// Provider is the capability surface handlers depend on. Implementations
// are safe for concurrent use.
type Provider interface {
	// Get returns the stored bytes, or found=false on miss or error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores value with absolute expiry now+ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// RefreshExpiration re-stamps an existing entry's expiry.
	RefreshExpiration(ctx context.Context, key string, ttl time.Duration) error
	// AcquireLock blocks up to waitFor, polling every retry, and returns
	// nil when the lock could not be obtained in time.
	AcquireLock(ctx context.Context, key string, expiry, waitFor, retry time.Duration) (*Lock, error)
	ProviderType() ProviderType
	IsConnected(ctx context.Context) bool
}

// Lock is a held distributed lock. Ownership is tied to a random nonce;
// Release and Extend are no-ops once another holder owns the key.
type Lock struct {
	key       string
	nonce     string
	expiresAt time.Time

	release func(ctx context.Context, key, nonce string) error
	extend  func(ctx context.Context, key, nonce string, ttl time.Duration) (time.Time, error)
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

// ExpiresAt returns the current expiry stamp.
func (l *Lock) ExpiresAt() time.Time { return l.expiresAt }

// IsValid reports whether the lock has not yet expired.
func (l *Lock) IsValid() bool { return time.Now().Before(l.expiresAt) }

// Extend re-stamps the expiry iff this holder still owns the lock.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	expires, err := l.extend(ctx, l.key, l.nonce, ttl)
	if err != nil {
		return err
	}
	if !expires.IsZero() {
		l.expiresAt = expires
	}
	return nil
}

// Release drops the lock. A no-op when the holder's nonce no longer
// matches (the lock expired and was reclaimed).
func (l *Lock) Release(ctx context.Context) error {
	return l.release(ctx, l.key, l.nonce)
}

// GetJSON reads key and unmarshals it into a value of type T.
func GetJSON[T any](ctx context.Context, p Provider, key string) (T, bool, error) {
	var zero T
	raw, found, err := p.Get(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// SetJSON marshals value and stores it under key.
func SetJSON(ctx context.Context, p Provider, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Set(ctx, key, raw, ttl)
}
