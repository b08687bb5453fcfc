package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores keys in Redis under a namespace so several taskmind
// instances can share one server.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

// NewRedisKV connects to redisURL (redis://[:password@]host:port/db) and
// verifies the connection with a ping.
func NewRedisKV(ctx context.Context, redisURL, namespace string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	slog.Info("redis kv connected", "addr", opts.Addr, "namespace", namespace)
	return NewRedisKVFromClient(client, namespace), nil
}

func NewRedisKVFromClient(client *redis.Client, namespace string) *RedisKV {
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &RedisKV{client: client, namespace: namespace}
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.namespace+key, value, 0).Err()
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.namespace+key).Err()
}

func (r *RedisKV) Scan(ctx context.Context, prefix string) ([]Pair, error) {
	pattern := r.namespace + escapeGlob(prefix) + "*"

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading values: %w", err)
	}

	pairs := make([]Pair, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		pairs = append(pairs, Pair{Key: strings.TrimPrefix(keys[i], r.namespace), Value: []byte(s)})
	}
	return pairs, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
