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

package acceptance

import (
	"context"
	"fmt"

	"github.com/chewxy/math32"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/scratch"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

// TypicalAcceptanceSampler accepts a draft token when its target probability
// exceeds min(PosteriorThreshold, PosteriorAlpha * exp(-H)), H being the
// entropy of the target row. Near-deterministic rows only admit the dominant
// token; diffuse rows admit almost anything.
type TypicalAcceptanceSampler struct {
	threshold float32
	alpha     float32
}

var _ Strategy = &TypicalAcceptanceSampler{}

// NewTypicalAcceptanceSampler creates a TypicalAcceptanceSampler.
func NewTypicalAcceptanceSampler(config *Config) (*TypicalAcceptanceSampler, error) {
	if config == nil {
		config = DefaultConfig()
	}

	for name, v := range map[string]float32{
		"posterior threshold": config.PosteriorThreshold,
		"posterior alpha":     config.PosteriorAlpha,
	} {
		if v < 0 || math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid %s: %v", name, v)
		}
	}

	return &TypicalAcceptanceSampler{
		threshold: config.PosteriorThreshold,
		alpha:     config.PosteriorAlpha,
	}, nil
}

// Type returns the strategy type: TypicalAcceptance.
func (s *TypicalAcceptanceSampler) Type() StrategyType {
	return TypicalAcceptance
}

// Threshold returns the acceptance threshold for a row with entropy h.
// Unnormalized rows can push h far below zero; the result stays finite.
func (s *TypicalAcceptanceSampler) Threshold(h float32) float32 {
	if s.alpha == 0 || math32.IsNaN(h) {
		return 0
	}
	// exp(-h) may overflow to +Inf, which min clamps to the static ceiling
	return math32.Min(s.threshold, s.alpha*math32.Exp(-h))
}

// Accept implements the typical acceptance test for every position at once.
func (s *TypicalAcceptanceSampler) Accept(ctx context.Context, in *Input, sc *scratch.Context) ([]bool, error) {
	probs, draft := in.TargetProbs, in.DraftTokens
	mask, entropy := sc.Mask(), sc.Entropy()

	err := utils.ParallelRange(probs.Positions(), in.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			row := probs.RowAt(i)
			entropy[i] = tensor.Entropy(row)
			mask[i] = tensor.ProbAt(row, draft.Data[i]) > s.Threshold(entropy[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("acceptance.TypicalAcceptanceSampler.Accept").
		Info("computed mask", "batch", probs.Batch, "k", probs.K, "mask", mask)

	return mask, nil
}
