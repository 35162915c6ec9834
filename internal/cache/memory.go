package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryEntry holds a cached value with expiration and LRU tracking.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	elem      *list.Element
}

type memoryLock struct {
	nonce     string
	expiresAt time.Time
}

// Memory is the in-process provider: a mutex-guarded LRU with per-entry
// TTL. Expired entries are removed lazily on access and count as misses.
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	lru        *list.List // front = oldest, back = newest
	data       map[string]*memoryEntry
	locks      map[string]memoryLock
}

// NewMemory creates an in-process provider holding at most maxEntries
// values; the least recently used entry is evicted at capacity.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Memory{
		maxEntries: maxEntries,
		lru:        list.New(),
		data:       make(map[string]*memoryEntry),
		locks:      make(map[string]memoryLock),
	}
}

func (m *Memory) ProviderType() ProviderType       { return ProviderMemory }
func (m *Memory) IsConnected(context.Context) bool { return true }

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.data[key]
	if e == nil {
		return nil, false, nil
	}
	if !e.expiresAt.After(time.Now()) {
		m.lru.Remove(e.elem)
		delete(m.data, key)
		return nil, false, nil
	}
	m.lru.MoveToBack(e.elem)
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	expires := time.Now().Add(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.data[key]; existing != nil {
		existing.value = value
		existing.expiresAt = expires
		m.lru.MoveToBack(existing.elem)
		return nil
	}

	e := &memoryEntry{value: value, expiresAt: expires}
	e.elem = m.lru.PushBack(key)
	m.data[key] = e
	m.evictOldest()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.data[key]; e != nil {
		m.lru.Remove(e.elem)
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := m.Get(ctx, key)
	return found, err
}

func (m *Memory) RefreshExpiration(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.data[key]; e != nil && e.expiresAt.After(time.Now()) {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) AcquireLock(ctx context.Context, key string, expiry, waitFor, retry time.Duration) (*Lock, error) {
	nonce := uuid.NewString()
	deadline := time.Now().Add(waitFor)

	for {
		if expires, ok := m.tryLock(key, nonce, expiry); ok {
			return &Lock{
				key:       key,
				nonce:     nonce,
				expiresAt: expires,
				release:   m.releaseLock,
				extend:    m.extendLock,
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

func (m *Memory) tryLock(key, nonce string, expiry time.Duration) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if held, ok := m.locks[key]; ok && held.expiresAt.After(now) {
		return time.Time{}, false
	}
	expires := now.Add(expiry)
	m.locks[key] = memoryLock{nonce: nonce, expiresAt: expires}
	return expires, true
}

func (m *Memory) releaseLock(_ context.Context, key, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[key]; ok && held.nonce == nonce {
		delete(m.locks, key)
	}
	return nil
}

func (m *Memory) extendLock(_ context.Context, key, nonce string, ttl time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[key]
	if !ok || held.nonce != nonce {
		return time.Time{}, nil
	}
	held.expiresAt = time.Now().Add(ttl)
	m.locks[key] = held
	return held.expiresAt, nil
}

// evictOldest removes the oldest entries until under capacity.
func (m *Memory) evictOldest() {
	for len(m.data) > m.maxEntries {
		front := m.lru.Front()
		if front == nil {
			break
		}
		k := front.Value.(string)
		m.lru.Remove(front)
		delete(m.data, k)
	}
}
