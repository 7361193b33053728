package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maristack/pelorus/pkg/logger"
)

// noopValkeyCache provides an in-memory, process-local fallback that satisfies
// Valkey when the external cache is unavailable. It is best-effort and intended
// for development and degraded operation; keys are not shared across replicas
// and are lost on restart, so dedup degrades to per-process semantics.
type noopValkeyCache struct {
	m      map[string]noopEntry
	mu     sync.RWMutex
	logger logger.Logger
}

type noopEntry struct {
	data    []byte
	expires time.Time
}

func NewNoopValkeyCache(log logger.Logger) Valkey {
	log.Warn("Valkey cache unavailable; using in-memory fallback (noop)")
	return &noopValkeyCache{m: make(map[string]noopEntry), logger: log}
}

func (n *noopValkeyCache) Get(ctx context.Context, key string) ([]byte, error) {
	n.mu.RLock()
	e, ok := n.m[key]
	n.mu.RUnlock()
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return e.data, nil
}

func (n *noopValkeyCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	b, err := encodeValue(key, value)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.m[key] = noopEntry{data: b, expires: expiry(ttl)}
	n.mu.Unlock()
	return nil
}

func (n *noopValkeyCache) Delete(ctx context.Context, key string) error {
	n.mu.Lock()
	delete(n.m, key)
	n.mu.Unlock()
	return nil
}

func (n *noopValkeyCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	b, err := encodeValue(key, value)
	if err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.m[key]; ok && (e.expires.IsZero() || time.Now().Before(e.expires)) {
		return false, nil
	}
	n.m[key] = noopEntry{data: b, expires: expiry(ttl)}
	return true, nil
}

func (n *noopValkeyCache) HealthCheck(ctx context.Context) error {
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
