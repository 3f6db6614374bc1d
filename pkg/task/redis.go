// Copyright 2025 Lucia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "lucia:task:"
	defaultTTL       = 24 * time.Hour
)

// RedisStore keeps task records in Redis. Each task occupies two keys:
// {prefix}{taskId} for the payload and {prefix}{taskId}:etag for the
// concurrency token, written atomically inside a WATCH transaction.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the default "lucia:task:" prefix.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithTTL overrides the default 24h record TTL.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL connects using a redis:// connection string.
func NewRedisStoreFromURL(connectionString string, opts ...RedisStoreOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("invalid redis connection string: %w", err)
	}
	return NewRedisStore(redis.NewClient(redisOpts), opts...), nil
}

func (s *RedisStore) taskKey(taskID string) string {
	return s.keyPrefix + taskID
}

func (s *RedisStore) etagKey(taskID string) string {
	return s.keyPrefix + taskID + ":etag"
}

// Ping checks connectivity, for health reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Load(ctx context.Context, taskID string) (*Record, error) {
	pipe := s.client.Pipeline()
	payloadCmd := pipe.Get(ctx, s.taskKey(taskID))
	etagCmd := pipe.Get(ctx, s.etagKey(taskID))
	ttlCmd := pipe.PTTL(ctx, s.taskKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load failed: %w", err)
	}

	payload, err := payloadCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis load failed: %w", err)
	}

	etag, err := etagCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load failed: %w", err)
	}

	record := &Record{TaskID: taskID, Payload: payload, ETag: etag}
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		record.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	return record, nil
}

func (s *RedisStore) Save(ctx context.Context, taskID string, payload []byte, expectedETag string) (string, error) {
	newETag := uuid.NewString()
	etagKey := s.etagKey(taskID)

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, etagKey).Result()
		if errors.Is(err, redis.Nil) {
			current = ""
		} else if err != nil {
			return err
		}
		if current != expectedETag {
			return ErrETagMismatch
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.taskKey(taskID), payload, s.ttl)
			pipe.Set(ctx, etagKey, newETag, s.ttl)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, etagKey); err != nil {
		if errors.Is(err, ErrETagMismatch) {
			return "", ErrETagMismatch
		}
		// redis.TxFailedErr means the watched key changed mid-transaction,
		// which is the same condition as a stale etag.
		if errors.Is(err, redis.TxFailedErr) {
			return "", ErrETagMismatch
		}
		return "", fmt.Errorf("redis save failed: %w", err)
	}
	return newETag, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.taskKey(taskID), s.etagKey(taskID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
