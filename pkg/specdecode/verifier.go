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

// Package specdecode implements the verification stage of speculative
// decoding: given the target model's distributions over k drafted positions,
// it decides for every sequence of a batch which prefix of draft tokens to
// keep, which token replaces the first rejected one, and whether the bonus
// token may follow.
package specdecode

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/acceptance"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/metrics"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/recorder"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/scratch"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

// minParallelWork is the number of probability entries below which a call
// runs on the calling goroutine.
const minParallelWork = 1 << 16

// ErrNotBound is returned by Verify when no execution context was bound.
var ErrNotBound = errors.New("verifier is not bound to an execution context")

// Config holds the configuration for the verifier.
// The configuration covers the different components used by the verifier.
type Config struct {
	AcceptanceConfig *acceptance.Config `json:"acceptanceConfig"`
	ScratchConfig    *scratch.Config    `json:"scratchConfig"`
	// RecorderConfig enables recording of failed steps when set.
	RecorderConfig *recorder.Config `json:"recorderConfig,omitempty"`

	// DisableBonusTokens suppresses the bonus column even for fully
	// accepted rows.
	DisableBonusTokens bool `json:"disableBonusTokens"`
	// StrictMode validates draft and bonus ids against the vocabulary before
	// any indexing.
	StrictMode bool `json:"strictMode"`
	// Parallelism bounds the number of row shards run concurrently.
	// Zero means GOMAXPROCS.
	Parallelism int `json:"parallelism"`

	// EnableMetrics toggles whether verification metrics are recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// NewDefaultConfig returns a default configuration for the verifier.
func NewDefaultConfig() *Config {
	return &Config{
		AcceptanceConfig:   acceptance.DefaultConfig(),
		ScratchConfig:      scratch.DefaultConfig(),
		DisableBonusTokens: true,
		StrictMode:         false,
	}
}

// Request is one verification step.
type Request struct {
	// TargetProbs is the batch x k x vocab target distribution.
	TargetProbs *tensor.Probs
	// DraftTokens is the batch x k matrix of proposed ids.
	DraftTokens *tensor.Tokens
	// BonusTokens is the batch x 1 matrix of bonus ids. It may be nil when
	// bonus tokens are disabled.
	BonusTokens *tensor.Tokens
	// DraftProbs and Rand are only read by rejection sampling.
	DraftProbs *tensor.Probs
	Rand       *rand.Rand
}

// Result is the outcome of one verification step.
type Result struct {
	// Tokens is the batch x (k+1) output, owned by the caller.
	Tokens *tensor.Tokens
	// AcceptedCounts holds, per sequence, how many draft tokens were kept.
	AcceptedCounts []int
}

// TokenVerifier verifies draft tokens against the target distribution.
type TokenVerifier interface {
	// BindExecutionContext claims the scratch storage of an execution context.
	// It must be called once before the first Verify.
	BindExecutionContext(id string) error
	// Verify returns the batch x (k+1) output for one step.
	Verify(ctx context.Context, targetProbs *tensor.Probs, bonusTokens, draftTokens *tensor.Tokens) (*tensor.Tokens, error)
	// VerifyRequest is Verify with the optional inputs and per-row counts.
	VerifyRequest(ctx context.Context, req *Request) (*Result, error)
	// Close releases the bound execution context.
	Close()
}

// Verifier is the concrete implementation of TokenVerifier.
type Verifier struct {
	config *Config

	strategy  acceptance.Strategy
	recoverer acceptance.Recoverer // nil unless the strategy draws its own replacements
	bounds    BoundsValidator
	recorder  recorder.Recorder // nil when recording is disabled

	registry *scratch.Registry
	mu       sync.Mutex
	sc       *scratch.Context
}

var _ TokenVerifier = &Verifier{}

// New creates a TokenVerifier given a Config, wrapping it with metrics when
// enabled. A nil registry gets a private one built from the scratch config.
func New(ctx context.Context, config *Config, registry *scratch.Registry) (TokenVerifier, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	v, err := NewVerifier(config, registry)
	if err != nil {
		return nil, err
	}

	if !config.EnableMetrics {
		return v, nil
	}

	metrics.Register()
	if config.MetricsLoggingInterval > 0 {
		// this is non-blocking
		metrics.StartMetricsLogging(ctx, config.MetricsLoggingInterval)
	}

	return NewInstrumentedVerifier(v), nil
}

// NewVerifier creates a Verifier given a Config.
func NewVerifier(config *Config, registry *scratch.Registry) (*Verifier, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	strategy, err := acceptance.NewStrategy(config.AcceptanceConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create acceptance strategy: %w", err)
	}

	if registry == nil {
		registry, err = scratch.NewRegistry(config.ScratchConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch registry: %w", err)
		}
	}

	var rec recorder.Recorder
	if config.RecorderConfig != nil {
		rec, err = recorder.New(config.RecorderConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create step recorder: %w", err)
		}
	}

	recoverer, _ := strategy.(acceptance.Recoverer)

	return &Verifier{
		config:    config,
		strategy:  strategy,
		recoverer: recoverer,
		recorder:  rec,
		registry:  registry,
	}, nil
}

// Strategy returns the acceptance strategy used by the Verifier.
func (v *Verifier) Strategy() acceptance.Strategy {
	return v.strategy
}

// Recorder returns the step recorder, or nil when recording is disabled.
func (v *Verifier) Recorder() recorder.Recorder {
	return v.recorder
}

// BindExecutionContext claims the scratch context of id from the registry.
func (v *Verifier) BindExecutionContext(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sc != nil {
		return fmt.Errorf("%w: verifier already holds %s", scratch.ErrAlreadyBound, v.sc.ID())
	}

	sc, err := v.registry.Bind(id)
	if err != nil {
		return fmt.Errorf("failed to bind execution context: %w", err)
	}
	v.sc = sc

	return nil
}

// Close releases the bound execution context, if any.
func (v *Verifier) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sc == nil {
		return
	}
	v.registry.Release(v.sc.ID())
	v.sc = nil
}

func (v *Verifier) scratchContext() *scratch.Context {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sc
}

// Verify runs one verification step. See VerifyRequest.
func (v *Verifier) Verify(ctx context.Context, targetProbs *tensor.Probs,
	bonusTokens, draftTokens *tensor.Tokens,
) (*tensor.Tokens, error) {
	res, err := v.VerifyRequest(ctx, &Request{
		TargetProbs: targetProbs,
		DraftTokens: draftTokens,
		BonusTokens: bonusTokens,
	})
	if err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// VerifyRequest runs one verification step:
//  1. validate shapes, and draft/bonus ids in strict mode
//  2. compute the acceptance mask with the configured strategy
//  3. find the first rejection of every row with a prefix scan
//  4. gather the replacement table (greedy, or recovered when the strategy
//     supplies one)
//  5. assemble the batch x (k+1) output
//
// Replacements are the arg-max of the target row only under typical
// acceptance; rejection sampling draws them from the residual distribution.
// The output is freshly allocated. Calls on the same bound context must not
// overlap; an overlapping call fails with scratch.ErrContextBusy.
func (v *Verifier) VerifyRequest(ctx context.Context, req *Request) (*Result, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("specdecode.Verifier.VerifyRequest")

	sc := v.scratchContext()
	if sc == nil {
		return nil, ErrNotBound
	}

	if err := sc.Acquire(); err != nil {
		return nil, err
	}
	defer sc.Done()

	// 1. validate
	if err := v.validate(req); err != nil {
		v.recordFailure(ctx, sc.ID(), req, err)
		return nil, err
	}

	probs := req.TargetProbs
	batch, k, vocab := probs.Batch, probs.K, probs.Vocab
	workers := v.workers(len(probs.Data))

	if err := sc.Ensure(ctx, batch, k, vocab); err != nil {
		return nil, fmt.Errorf("failed to prepare scratch context: %w", err)
	}

	in := &acceptance.Input{
		TargetProbs: probs,
		DraftTokens: req.DraftTokens,
		DraftProbs:  req.DraftProbs,
		Rand:        req.Rand,
		Workers:     workers,
	}

	// 2. mask
	mask, err := v.strategy.Accept(ctx, in, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to compute acceptance mask: %w", err)
	}

	// 3. first rejection
	firstRejection := sc.FirstRejection()
	if err := scanFirstRejection(mask, sc.Prefix(), firstRejection, k, workers); err != nil {
		return nil, fmt.Errorf("failed to scan acceptance mask: %w", err)
	}

	// 4. replacement table
	var table []int64
	if v.recoverer != nil {
		table, err = v.recoverer.Recovered(ctx, in, sc)
		if err != nil {
			return nil, fmt.Errorf("failed to recover replacement tokens: %w", err)
		}
	} else {
		table = sc.Greedy()
		if err := greedyTable(probs, table, workers); err != nil {
			return nil, fmt.Errorf("failed to compute greedy tokens: %w", err)
		}
	}

	// 5. assemble
	out, err := assemble(req.DraftTokens, req.BonusTokens, firstRejection, table, k,
		!v.config.DisableBonusTokens, workers)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble output: %w", err)
	}

	res := &Result{
		Tokens:         out,
		AcceptedCounts: append(make([]int, 0, batch), firstRejection...),
	}
	traceLogger.Info("verified step", "context", sc.ID(), "strategy", v.strategy.Type(),
		"batch", batch, "k", k, "vocab", vocab, "accepted", res.AcceptedCounts)

	return res, nil
}

func (v *Verifier) validate(req *Request) error {
	if err := validateShapes(req, !v.config.DisableBonusTokens); err != nil {
		return err
	}

	if v.config.StrictMode {
		return v.bounds.Validate(req.TargetProbs.Vocab, req.DraftTokens, req.BonusTokens)
	}

	return nil
}

// validateShapes checks that all inputs agree on batch and k. Bonus tokens
// are required only when they can be emitted.
func validateShapes(req *Request, needBonus bool) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", tensor.ErrDimensionMismatch)
	case req.TargetProbs == nil:
		return fmt.Errorf("%w: missing target probabilities", tensor.ErrDimensionMismatch)
	case req.DraftTokens == nil:
		return fmt.Errorf("%w: missing draft tokens", tensor.ErrDimensionMismatch)
	case req.BonusTokens == nil && needBonus:
		return fmt.Errorf("%w: missing bonus tokens", tensor.ErrDimensionMismatch)
	}

	probs, draft, bonus := req.TargetProbs, req.DraftTokens, req.BonusTokens
	if err := probs.Validate(); err != nil {
		return err
	}
	if err := draft.Validate(); err != nil {
		return err
	}
	if draft.Rows != probs.Batch || draft.Cols != probs.K {
		return fmt.Errorf("%w: draft tokens are %dx%d, target probs are %dx%dx%d", tensor.ErrDimensionMismatch,
			draft.Rows, draft.Cols, probs.Batch, probs.K, probs.Vocab)
	}

	if bonus == nil {
		return nil
	}
	if err := bonus.Validate(); err != nil {
		return err
	}
	if bonus.Rows != probs.Batch || bonus.Cols != 1 {
		return fmt.Errorf("%w: bonus tokens are %dx%d, expected %dx1", tensor.ErrDimensionMismatch,
			bonus.Rows, bonus.Cols, probs.Batch)
	}

	return nil
}

func (v *Verifier) workers(work int) int {
	if work < minParallelWork {
		return 1
	}
	return v.config.Parallelism
}

// recordFailure hands a rejected step to the recorder. Recording errors are
// logged and otherwise ignored.
func (v *Verifier) recordFailure(ctx context.Context, contextID string, req *Request, cause error) {
	if v.recorder == nil {
		return
	}

	rec := &recorder.StepRecord{
		ContextID: contextID,
		Timestamp: time.Now(),
		Strategy:  string(v.strategy.Type()),
		Error:     cause.Error(),
	}
	if req != nil {
		if req.TargetProbs != nil {
			rec.Batch, rec.K, rec.Vocab = req.TargetProbs.Batch, req.TargetProbs.K, req.TargetProbs.Vocab
		}
		if req.DraftTokens != nil {
			rec.DraftTokens = append([]int64(nil), req.DraftTokens.Data...)
		}
		if req.BonusTokens != nil {
			rec.BonusTokens = append([]int64(nil), req.BonusTokens.Data...)
		}
	}

	logger := klog.FromContext(ctx).WithName("specdecode.Verifier.recordFailure")
	digest, err := v.recorder.Record(ctx, rec)
	if err != nil {
		logger.Error(err, "failed to record step", "context", contextID)
		return
	}
	logger.V(logging.DEBUG).Info("recorded failed step", "context", contextID, "digest", digest, "cause", cause)
}
