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

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e6 // 1M keys
	defaultBufferItems = 64  // default buffer size for ristretto
	// map entry and slice header overhead per record
	recordOverhead = 64
)

// CostAwareMemoryConfig holds the configuration for the CostAwareMemoryRecorder.
type CostAwareMemoryConfig struct {
	// Size is the maximum memory size that can be used by the recorder.
	// Supports human-readable formats like "64MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareMemoryConfig returns a default configuration for the
// CostAwareMemoryRecorder.
func DefaultCostAwareMemoryConfig() *CostAwareMemoryConfig {
	return &CostAwareMemoryConfig{
		Size: "64MiB",
	}
}

// NewCostAwareMemoryRecorder creates a new CostAwareMemoryRecorder instance.
func NewCostAwareMemoryRecorder(cfg *CostAwareMemoryConfig) (*CostAwareMemoryRecorder, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware recorder: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters:        defaultNumCounters,
		MaxCost:            int64(sizeBytes), // #nosec G115 , maximum cost of cache
		BufferItems:        defaultBufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware recorder: %w", err)
	}

	return &CostAwareMemoryRecorder{
		data: cache,
	}, nil
}

// CostAwareMemoryRecorder keeps msgpack-encoded records in a ristretto cache
// bounded by their encoded size.
type CostAwareMemoryRecorder struct {
	data *ristretto.Cache[uint64, []byte]
}

var _ Recorder = &CostAwareMemoryRecorder{}

// MaxCost returns the byte budget of the recorder.
func (m *CostAwareMemoryRecorder) MaxCost() int64 {
	return m.data.MaxCost()
}

// Record stores rec under its digest, costed by its encoded size.
func (m *CostAwareMemoryRecorder) Record(ctx context.Context, rec *StepRecord) (uint64, error) {
	digest, err := rec.Digest()
	if err != nil {
		return 0, err
	}

	b, err := encode(rec)
	if err != nil {
		return 0, err
	}

	cost := int64(len(b)) + recordOverhead
	admitted := m.data.Set(digest, b, cost)
	m.data.Wait()

	klog.FromContext(ctx).V(logging.TRACE).WithName("recorder.CostAwareMemoryRecorder.Record").
		Info("recorded step", "digest", digest, "context", rec.ContextID,
			"cost", humanize.IBytes(uint64(cost)), "admitted", admitted) //nolint:gosec // cost is positive

	return digest, nil
}

// Lookup returns the record stored under digest.
func (m *CostAwareMemoryRecorder) Lookup(_ context.Context, digest uint64) (*StepRecord, error) {
	b, ok := m.data.Get(digest)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, digest)
	}
	return decode(b)
}
