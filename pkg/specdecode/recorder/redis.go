/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package recorder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

const redisKeyPrefix = "specdecode:step:"

// RedisConfig holds the configuration for the RedisRecorder.
type RedisConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
	// TTL bounds how long a record is kept. Zero keeps records forever.
	TTL time.Duration `json:"ttl,omitempty"`
}

// DefaultRedisConfig returns a default configuration for the RedisRecorder.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address: "redis://127.0.0.1:6379",
		TTL:     24 * time.Hour,
	}
}

// NewRedisRecorder creates a new RedisRecorder instance.
func NewRedisRecorder(config *RedisConfig) (*RedisRecorder, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	address := config.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	redisOpt, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRecorder{
		RedisClient: redisClient,
		ttl:         config.TTL,
	}, nil
}

// RedisRecorder stores msgpack-encoded records in Redis, one key per digest.
type RedisRecorder struct {
	RedisClient *redis.Client
	ttl         time.Duration
}

var _ Recorder = &RedisRecorder{}

func redisKey(digest uint64) string {
	return redisKeyPrefix + strconv.FormatUint(digest, 16)
}

// Record stores rec under its digest with the configured TTL.
func (r *RedisRecorder) Record(ctx context.Context, rec *StepRecord) (uint64, error) {
	digest, err := rec.Digest()
	if err != nil {
		return 0, err
	}

	b, err := encode(rec)
	if err != nil {
		return 0, err
	}

	key := redisKey(digest)
	if err := r.RedisClient.Set(ctx, key, b, r.ttl).Err(); err != nil {
		return 0, fmt.Errorf("failed to store step record: %w", err)
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("recorder.RedisRecorder.Record").
		Info("recorded step", "key", key, "context", rec.ContextID, "ttl", r.ttl)

	return digest, nil
}

// Lookup returns the record stored under digest.
func (r *RedisRecorder) Lookup(ctx context.Context, digest uint64) (*StepRecord, error) {
	b, err := r.RedisClient.Get(ctx, redisKey(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("failed to get step record: %w", err)
	}
	return decode(b)
}

// Close closes the underlying Redis client.
func (r *RedisRecorder) Close() error {
	return r.RedisClient.Close()
}
