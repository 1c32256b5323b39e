// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // Namespaces keys, e.g. "skew:"
}

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 512

// RedisDriver stores keys as plain Redis strings.
//
// # Limitations
//
//   - ListKeys uses SCAN, which may return a key twice across batches;
//     results are de-duplicated before returning.
type RedisDriver struct {
	client *redis.Client
	prefix string
}

// NewRedisDriver connects to Redis and verifies the connection with PING.
func NewRedisDriver(ctx context.Context, cfg RedisConfig) (*RedisDriver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis storage requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisDriverFromClient(client, cfg.Prefix), nil
}

// NewRedisDriverFromClient wraps an existing client.
func NewRedisDriverFromClient(client *redis.Client, prefix string) *RedisDriver {
	return &RedisDriver{client: client, prefix: prefix}
}

func (d *RedisDriver) Name() string { return string(TypeRedis) }

func (d *RedisDriver) Has(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (d *RedisDriver) GetRaw(ctx context.Context, key string) ([]byte, error) {
	data, err := d.client.Get(ctx, d.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (d *RedisDriver) SetRaw(ctx context.Context, key string, data []byte) error {
	if err := d.client.Set(ctx, d.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (d *RedisDriver) Remove(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (d *RedisDriver) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(d.prefix+prefix) + "*"
	seen := make(map[string]struct{})
	keys := make([]string, 0)

	iter := d.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), d.prefix)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}
	return keys, nil
}

func (d *RedisDriver) Close() error { return d.client.Close() }

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ Driver = (*RedisDriver)(nil)
