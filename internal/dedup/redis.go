package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces dedup keys.
const DefaultRedisPrefix = "relay:dedup:"

// RedisMirror stores each record under prefix+findingID.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisMirror connects to addr and verifies the connection.
func NewRedisMirror(ctx context.Context, addr, password string, db int, prefix string) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("dedup: connected to redis", "addr", addr)
	return NewRedisMirrorFromClient(rdb, prefix), nil
}

// NewRedisMirrorFromClient wraps an existing client.
func NewRedisMirrorFromClient(rdb *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisMirror{rdb: rdb, prefix: prefix}
}

func (m *RedisMirror) Name() string { return "redis" }

// Append uses SETNX so the first ticket for a finding is kept.
func (m *RedisMirror) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.rdb.SetNX(ctx, m.prefix+rec.FindingID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store dedup record: %w", err)
	}
	return nil
}

// Load walks the keyspace with SCAN.
func (m *RedisMirror) Load(ctx context.Context) ([]Record, error) {
	var recs []Record
	var cursor uint64
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, m.prefix+"*", 500).Result()
		if err != nil {
			return recs, fmt.Errorf("scanning dedup keys: %w", err)
		}
		if len(keys) > 0 {
			vals, err := m.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return recs, fmt.Errorf("reading dedup keys: %w", err)
			}
			for i, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue
				}
				var r Record
				if err := json.Unmarshal([]byte(s), &r); err != nil {
					slog.Warn("dedup: skipping malformed redis value", "key", keys[i])
					continue
				}
				recs = append(recs, r)
			}
		}
		cursor = next
		if cursor == 0 {
			return recs, nil
		}
	}
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
