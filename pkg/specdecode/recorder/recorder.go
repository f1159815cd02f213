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

// Package recorder keeps verification steps that failed validation so they can
// be inspected after the fact. A failed step usually means the draft or target
// side of the engine produced corrupt ids or shapes.
package recorder

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Lookup when no record exists for a digest.
var ErrNotFound = errors.New("step record not found")

// Config holds the configuration for the step recorder.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// InMemoryConfig holds the configuration for the count-bounded recorder.
	InMemoryConfig *InMemoryConfig `json:"inMemoryConfig"`
	// CostAwareMemoryConfig holds the configuration for the byte-bounded recorder.
	CostAwareMemoryConfig *CostAwareMemoryConfig `json:"costAwareMemoryConfig"`
	// RedisConfig holds the configuration for the Redis recorder.
	RedisConfig *RedisConfig `json:"redisConfig"`
}

// DefaultConfig returns a default configuration for the step recorder.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: DefaultInMemoryConfig(),
	}
}

// New creates a Recorder from the first configured backend.
func New(cfg *Config) (Recorder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		r, err := NewInMemoryRecorder(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory recorder: %w", err)
		}
		return r, nil
	case cfg.CostAwareMemoryConfig != nil:
		r, err := NewCostAwareMemoryRecorder(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware memory recorder: %w", err)
		}
		return r, nil
	case cfg.RedisConfig != nil:
		r, err := NewRedisRecorder(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis recorder: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("no valid recorder configuration provided")
	}
}

// Recorder stores step records keyed by their digest.
//
// Recorder operations are thread-safe and can be performed concurrently.
type Recorder interface {
	// Record stores rec and returns its digest. Recording a step that is
	// identical to a stored one, apart from its timestamp, replaces it.
	Record(ctx context.Context, rec *StepRecord) (uint64, error)
	// Lookup returns the record stored under digest, or ErrNotFound.
	Lookup(ctx context.Context, digest uint64) (*StepRecord, error)
}
