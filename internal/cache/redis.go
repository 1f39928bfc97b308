package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

const scanCount = 500

// Redis stores entries under "<namespace>:<key>" so Clear can scan them.
type Redis struct {
	pool      *redis.Pool
	namespace string
	ttl       time.Duration
}

func NewRedis(url, namespace string, ttl time.Duration) *Redis {
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     8,
			IdleTimeout: 240 * time.Second,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialURLContext(ctx, url)
			},
		},
		namespace: namespace,
		ttl:       ttl,
	}
}

func (r *Redis) key(k string) string {
	return r.namespace + ":" + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	val, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", r.key(key)))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	args := redis.Args{r.key(key), val}
	if r.ttl > 0 {
		args = args.Add("PX", r.ttl.Milliseconds())
	}
	if _, err := redis.DoContext(conn, ctx, "SET", args...); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Clear deletes every key in the namespace.
func (r *Redis) Clear(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	cursor := 0
	for {
		reply, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", r.namespace+":*", "COUNT", scanCount))
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		var keys []string
		if _, err := redis.Scan(reply, &cursor, &keys); err != nil {
			return fmt.Errorf("redis scan reply: %w", err)
		}
		if len(keys) > 0 {
			if _, err := redis.DoContext(conn, ctx, "DEL", redis.Args{}.AddFlat(keys)...); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) Close() error {
	return r.pool.Close()
}
