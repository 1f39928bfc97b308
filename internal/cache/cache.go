// Package cache holds the key/value stores used for the schema snapshot and
// query results. Every store is cleared wholesale on mutation.
package cache

import (
	"context"
	"fmt"
	"time"

	"cms-engine/internal/config"
)

// Store is the get/set/clear contract consumed by the engine. Callers treat
// any error as a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
	Clear(ctx context.Context) error
	Close() error
}

// New returns the store configured by cfg. The scope separates the system
// cache (schema) from the data cache inside one backend.
func New(cfg config.CacheConfig, scope string) (Store, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	ttl := time.Duration(cfg.TTL) * time.Second
	namespace := cfg.Namespace
	if scope != "" {
		namespace += ":" + scope
	}

	switch cfg.Store {
	case "", "memory":
		return NewMemory(cfg.Size, ttl), nil
	case "redis":
		return NewRedis(cfg.RedisURL, namespace, ttl), nil
	default:
		return nil, fmt.Errorf("unknown cache store %q", cfg.Store)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte) error         { return nil }
func (Noop) Clear(context.Context) error                       { return nil }
func (Noop) Close() error                                      { return nil }
