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
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

const defaultInMemorySize = 1024

// InMemoryConfig holds the configuration for the InMemoryRecorder.
type InMemoryConfig struct {
	// Size is the maximum number of records kept.
	Size int `json:"size"`
}

// DefaultInMemoryConfig returns a default configuration for the InMemoryRecorder.
func DefaultInMemoryConfig() *InMemoryConfig {
	return &InMemoryConfig{
		Size: defaultInMemorySize,
	}
}

// NewInMemoryRecorder creates a new InMemoryRecorder instance.
func NewInMemoryRecorder(cfg *InMemoryConfig) (*InMemoryRecorder, error) {
	if cfg == nil {
		cfg = DefaultInMemoryConfig()
	}

	cache, err := lru.New[uint64, *StepRecord](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory recorder: %w", err)
	}

	return &InMemoryRecorder{
		data: cache,
	}, nil
}

// InMemoryRecorder keeps the most recent records in an LRU cache.
type InMemoryRecorder struct {
	// data is thread-safe.
	data *lru.Cache[uint64, *StepRecord]
}

var _ Recorder = &InMemoryRecorder{}

// Record stores rec under its digest.
func (m *InMemoryRecorder) Record(ctx context.Context, rec *StepRecord) (uint64, error) {
	digest, err := rec.Digest()
	if err != nil {
		return 0, err
	}

	evicted := m.data.Add(digest, rec)
	klog.FromContext(ctx).V(logging.TRACE).WithName("recorder.InMemoryRecorder.Record").
		Info("recorded step", "digest", digest, "context", rec.ContextID, "evicted", evicted)

	return digest, nil
}

// Lookup returns the record stored under digest.
func (m *InMemoryRecorder) Lookup(_ context.Context, digest uint64) (*StepRecord, error) {
	rec, ok := m.data.Get(digest)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, digest)
	}
	return rec, nil
}

// Len returns the number of records held.
func (m *InMemoryRecorder) Len() int {
	return m.data.Len()
}
