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
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/scratch"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

var (
	// ErrMissingDraftProbs is returned when rejection sampling is asked to
	// run without the draft distribution.
	ErrMissingDraftProbs = errors.New("rejection sampling requires draft probabilities")
	// ErrMissingRandSource is returned when rejection sampling is asked to
	// run without a random source.
	ErrMissingRandSource = errors.New("rejection sampling requires a random source")
)

// RejectionSampler implements lossless speculative sampling: a draft token is
// accepted with probability min(1, p_target/p_draft), and a rejected position
// is refilled from the residual distribution max(0, p_target - p_draft).
type RejectionSampler struct{}

var (
	_ Strategy  = &RejectionSampler{}
	_ Recoverer = &RejectionSampler{}
)

// NewRejectionSampler creates a RejectionSampler.
func NewRejectionSampler() *RejectionSampler {
	return &RejectionSampler{}
}

// Type returns the strategy type: RejectionSampling.
func (s *RejectionSampler) Type() StrategyType {
	return RejectionSampling
}

func (s *RejectionSampler) check(in *Input) error {
	if in.DraftProbs == nil {
		return ErrMissingDraftProbs
	}
	if in.Rand == nil {
		return ErrMissingRandSource
	}
	if !in.DraftProbs.SameShape(in.TargetProbs) {
		return fmt.Errorf("%w: draft probs %dx%dx%d, target probs %dx%dx%d", tensor.ErrDimensionMismatch,
			in.DraftProbs.Batch, in.DraftProbs.K, in.DraftProbs.Vocab,
			in.TargetProbs.Batch, in.TargetProbs.K, in.TargetProbs.Vocab)
	}
	return in.DraftProbs.Validate()
}

// Accept draws two uniforms per position (acceptance, recovery) from in.Rand
// in row-major order, then evaluates every position in parallel. Results are
// reproducible for a given seed whatever the worker count.
func (s *RejectionSampler) Accept(ctx context.Context, in *Input, sc *scratch.Context) ([]bool, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	uniforms := sc.Uniforms()
	for i := range uniforms {
		uniforms[i] = in.Rand.Float64()
	}

	target, draft, tokens := in.TargetProbs, in.DraftProbs, in.DraftTokens
	mask := sc.Mask()

	err := utils.ParallelRange(target.Positions(), in.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			pt := float64(tensor.ProbAt(target.RowAt(i), tokens.Data[i]))
			pd := float64(max(tensor.ProbAt(draft.RowAt(i), tokens.Data[i]), tensor.Epsilon))
			mask[i] = uniforms[2*i] <= min(1, pt/pd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("acceptance.RejectionSampler.Accept").
		Info("computed mask", "batch", target.Batch, "k", target.K, "mask", mask)

	return mask, nil
}

// Recovered samples a replacement id for every position from the normalized
// residual max(0, p_target - p_draft), by inverse CDF on the second uniform
// drawn in Accept. Rows with no residual mass fall back to the target arg-max.
func (s *RejectionSampler) Recovered(_ context.Context, in *Input, sc *scratch.Context) ([]int64, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	target, draft := in.TargetProbs, in.DraftProbs
	uniforms, recovered := sc.Uniforms(), sc.Recovered()

	err := utils.ParallelRange(target.Positions(), in.Workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			recovered[i] = sampleResidual(target.RowAt(i), draft.RowAt(i), uniforms[2*i+1])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return recovered, nil
}

func sampleResidual(target, draft []float32, u float64) int64 {
	var mass float64
	for v := range target {
		if d := target[v] - draft[v]; d > 0 {
			mass += float64(d)
		}
	}
	if mass <= 0 {
		return int64(tensor.Argmax(target))
	}

	r := u * mass
	var cum float64
	pick := -1
	for v := range target {
		d := target[v] - draft[v]
		if d <= 0 {
			continue
		}
		cum += float64(d)
		pick = v
		if r < cum {
			break
		}
	}

	return int64(pick)
}
