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
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// StepRecord describes one verification call that failed.
// It is encoded as a msgpack array when stored.
type StepRecord struct {
	_ struct{} `msgpack:",array"`

	ContextID   string
	Timestamp   time.Time
	Batch       int
	K           int
	Vocab       int
	Strategy    string
	DraftTokens []int64
	BonusTokens []int64
	Error       string
}

// Digest returns the xxhash of the record's canonical CBOR encoding.
// The timestamp is left out so repeats of the same step collapse.
func (r *StepRecord) Digest() (uint64, error) {
	payload := []interface{}{
		r.ContextID, r.Batch, r.K, r.Vocab, r.Strategy,
		r.DraftTokens, r.BonusTokens, r.Error,
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return 0, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	b, err := encMode.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal step record to CBOR: %w", err)
	}

	return xxhash.Sum64(b), nil
}

func encode(r *StepRecord) ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode step record: %w", err)
	}
	return b, nil
}

func decode(b []byte) (*StepRecord, error) {
	var r StepRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode step record: %w", err)
	}
	return &r, nil
}
