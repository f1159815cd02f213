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

package specdecode

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/metrics"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
)

type instrumentedVerifier struct {
	next TokenVerifier
}

// NewInstrumentedVerifier wraps a TokenVerifier and emits metrics for
// verification calls.
func NewInstrumentedVerifier(next TokenVerifier) TokenVerifier {
	return &instrumentedVerifier{next: next}
}

func (m *instrumentedVerifier) BindExecutionContext(id string) error {
	return m.next.BindExecutionContext(id)
}

func (m *instrumentedVerifier) Close() {
	m.next.Close()
}

func (m *instrumentedVerifier) Verify(ctx context.Context, targetProbs *tensor.Probs,
	bonusTokens, draftTokens *tensor.Tokens,
) (*tensor.Tokens, error) {
	res, err := m.VerifyRequest(ctx, &Request{
		TargetProbs: targetProbs,
		DraftTokens: draftTokens,
		BonusTokens: bonusTokens,
	})
	if err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

func (m *instrumentedVerifier) VerifyRequest(ctx context.Context, req *Request) (*Result, error) {
	timer := prometheus.NewTimer(metrics.VerifyLatency)
	defer timer.ObserveDuration()

	metrics.VerifyRequests.Inc()

	res, err := m.next.VerifyRequest(ctx, req)
	if err != nil {
		metrics.VerifyErrors.Inc()
		if errors.Is(err, ErrOutOfVocabulary) {
			metrics.BoundsViolations.Inc()
		}
		return nil, err
	}

	metrics.DraftTokens.Add(float64(len(req.DraftTokens.Data)))

	var accepted int
	for _, n := range res.AcceptedCounts {
		accepted += n
	}
	metrics.AcceptedTokens.Add(float64(accepted))

	var emitted int
	for _, id := range res.Tokens.Data {
		if id != tensor.Sentinel {
			emitted++
		}
	}
	metrics.EmittedTokens.Add(float64(emitted))

	return res, nil
}
