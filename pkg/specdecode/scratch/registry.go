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

// Package scratch owns the per-execution-context working storage used by the
// verifier. An execution context (a device, a shard) is bound exactly once
// through a Registry before its first verification call.
package scratch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ErrAlreadyBound is returned when binding an execution context that is
// already claimed.
var ErrAlreadyBound = errors.New("execution context already bound")

// Config holds the configuration for scratch contexts.
type Config struct {
	// MaxSize caps the storage of a single context.
	// Supports human-readable formats like "512MiB" or "1GB". Empty means no cap.
	MaxSize string `json:"maxSize,omitempty"`
}

// DefaultConfig returns a default configuration for scratch contexts.
func DefaultConfig() *Config {
	return &Config{
		MaxSize: "1GiB",
	}
}

// Registry hands out scratch contexts, one per execution context id.
type Registry struct {
	maxBytes uint64

	mu    sync.Mutex
	bound sets.Set[string]
}

// NewRegistry creates a Registry from a Config.
func NewRegistry(cfg *Config) (*Registry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var maxBytes uint64
	if cfg.MaxSize != "" {
		var err error
		maxBytes, err = humanize.ParseBytes(cfg.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to parse scratch max size: %w", err)
		}
	}

	return &Registry{
		maxBytes: maxBytes,
		bound:    sets.New[string](),
	}, nil
}

// Bind claims the execution context id and returns its scratch Context.
func (r *Registry) Bind(id string) (*Context, error) {
	if id == "" {
		return nil, errors.New("execution context id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, id)
	}
	r.bound.Insert(id)

	return newContext(id, r.maxBytes), nil
}

// Release frees an execution context id so it can be bound again.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound.Delete(id)
}

// Bound returns the claimed ids in sorted order.
func (r *Registry) Bound() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sets.List(r.bound)
}
