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

// Package acceptance implements the per-position decision of whether a
// draft token is admissible under the target distribution.
package acceptance

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/scratch"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
)

// StrategyType names an acceptance strategy.
type StrategyType string

const (
	// TypicalAcceptance accepts tokens whose target probability clears an
	// entropy-scaled threshold.
	TypicalAcceptance StrategyType = "typical"
	// RejectionSampling accepts tokens with probability min(1, p_target/p_draft).
	RejectionSampling StrategyType = "rejection"
)

const (
	defaultPosteriorThreshold = 0.09
	defaultPosteriorAlpha     = 0.3
)

// Config holds the configuration for the acceptance strategy.
type Config struct {
	// Strategy selects the acceptance strategy.
	Strategy StrategyType `json:"strategy"`
	// PosteriorThreshold is the static ceiling of the typical acceptance threshold.
	PosteriorThreshold float32 `json:"posteriorThreshold"`
	// PosteriorAlpha scales exp(-entropy) in the typical acceptance threshold.
	PosteriorAlpha float32 `json:"posteriorAlpha"`
}

// DefaultConfig returns the default configuration for the acceptance strategy.
func DefaultConfig() *Config {
	return &Config{
		Strategy:           TypicalAcceptance,
		PosteriorThreshold: defaultPosteriorThreshold,
		PosteriorAlpha:     defaultPosteriorAlpha,
	}
}

// Input is one verification step as seen by a strategy.
type Input struct {
	// TargetProbs is the batch x k x vocab target distribution.
	TargetProbs *tensor.Probs
	// DraftTokens is the batch x k matrix of proposed ids.
	DraftTokens *tensor.Tokens
	// DraftProbs is the draft model's distribution, same shape as TargetProbs.
	// Only rejection sampling reads it.
	DraftProbs *tensor.Probs
	// Rand is the random source for rejection sampling.
	Rand *rand.Rand
	// Workers bounds the number of row shards processed concurrently.
	Workers int
}

// Strategy defines the interface for implementing an acceptance strategy.
type Strategy interface {
	// Type returns the strategy type.
	Type() StrategyType
	// Accept computes the batch*k acceptance mask into sc and returns it.
	// The mask aliases scratch storage and is valid until the next call on sc.
	Accept(ctx context.Context, in *Input, sc *scratch.Context) ([]bool, error)
}

// Recoverer is implemented by strategies that draw their own replacement
// token at a rejected position instead of the greedy fallback.
type Recoverer interface {
	// Recovered fills the batch*k table of replacement ids into sc and returns
	// it. It must follow Accept on the same scratch context.
	Recovered(ctx context.Context, in *Input, sc *scratch.Context) ([]int64, error)
}

// NewStrategy creates a new Strategy based on the provided configuration.
func NewStrategy(config *Config) (Strategy, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Strategy {
	case TypicalAcceptance, "":
		return NewTypicalAcceptanceSampler(config)
	case RejectionSampling:
		return NewRejectionSampler(), nil
	default:
		return nil, fmt.Errorf("unsupported acceptance strategy: %s", config.Strategy)
	}
}
