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

package specdecode_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/acceptance"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/recorder"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/scratch"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
)

func newBoundVerifier(t *testing.T, mutate func(cfg *specdecode.Config)) *specdecode.Verifier {
	t.Helper()

	cfg := specdecode.NewDefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	v, err := specdecode.NewVerifier(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, v.BindExecutionContext("test"))
	t.Cleanup(v.Close)

	return v
}

func enableBonus(cfg *specdecode.Config) {
	cfg.DisableBonusTokens = false
}

// oneHot builds probs where row (seq, pos) puts all mass on hot[seq][pos].
func oneHot(batch, k, vocab int, hot [][]int64) *tensor.Probs {
	p := tensor.NewProbs(batch, k, vocab)
	for seq := range batch {
		for pos := range k {
			p.Row(seq, pos)[hot[seq][pos]] = 1
		}
	}
	return p
}

func tokens(t *testing.T, rows [][]int64) *tensor.Tokens {
	t.Helper()
	tok, err := tensor.TokensFromRows(rows)
	require.NoError(t, err)
	return tok
}

func TestScenarios(t *testing.T) {
	cases := []struct {
		name   string
		k      int
		vocab  int
		hot    []int64
		draft  []int64
		bonus  int64
		expect []int64
	}{
		{
			name: "rejected single position is replaced by the arg-max",
			k:    1, vocab: 4,
			hot: []int64{2}, draft: []int64{0}, bonus: 3,
			expect: []int64{2, tensor.Sentinel},
		},
		{
			name: "accepted single position emits the bonus",
			k:    1, vocab: 4,
			hot: []int64{2}, draft: []int64{2}, bonus: 3,
			expect: []int64{2, 3},
		},
		{
			name: "rejection at position two discards the tail",
			k:    5, vocab: 8,
			hot: []int64{1, 2, 3, 4, 5}, draft: []int64{1, 2, 0, 0, 0}, bonus: 7,
			expect: []int64{1, 2, 3, tensor.Sentinel, tensor.Sentinel, tensor.Sentinel},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newBoundVerifier(t, enableBonus)

			out, err := v.Verify(t.Context(),
				oneHot(1, tc.k, tc.vocab, [][]int64{tc.hot}),
				tokens(t, [][]int64{{tc.bonus}}),
				tokens(t, [][]int64{tc.draft}))
			require.NoError(t, err)
			assert.Equal(t, [][]int64{tc.expect}, out.ToRows())
		})
	}
}

func TestBonusDisabledByDefault(t *testing.T) {
	v := newBoundVerifier(t, nil)

	out, err := v.Verify(t.Context(),
		oneHot(1, 1, 4, [][]int64{{2}}),
		tokens(t, [][]int64{{3}}),
		tokens(t, [][]int64{{2}}))
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{2, tensor.Sentinel}}, out.ToRows())

	// bonus tokens may be omitted when they can never be emitted
	out, err = v.Verify(t.Context(), oneHot(1, 1, 4, [][]int64{{2}}), nil, tokens(t, [][]int64{{2}}))
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{2, tensor.Sentinel}}, out.ToRows())
}

func TestMixedBatch(t *testing.T) {
	v := newBoundVerifier(t, enableBonus)

	hot := [][]int64{{1, 1, 1}, {2, 2, 2}, {3, 3, 3}}
	res, err := v.VerifyRequest(t.Context(), &specdecode.Request{
		TargetProbs: oneHot(3, 3, 5, hot),
		DraftTokens: tokens(t, [][]int64{{1, 1, 1}, {0, 2, 2}, {3, 3, 0}}),
		BonusTokens: tokens(t, [][]int64{{4}, {4}, {4}}),
	})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 0, 2}, res.AcceptedCounts)
	assert.Equal(t, [][]int64{
		{1, 1, 1, 4},
		{2, -1, -1, -1},
		{3, 3, 3, -1},
	}, res.Tokens.ToRows())
}

func TestEmptyBatch(t *testing.T) {
	v := newBoundVerifier(t, enableBonus)

	out, err := v.Verify(t.Context(), tensor.NewProbs(0, 3, 4), tensor.NewTokens(0, 1), tensor.NewTokens(0, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Rows)
	assert.Equal(t, 4, out.Cols)
	assert.Empty(t, out.Data)
}

func TestDimensionMismatch(t *testing.T) {
	probs := oneHot(2, 2, 4, [][]int64{{0, 1}, {2, 3}})

	cases := map[string]*specdecode.Request{
		"nil request": nil,
		"missing probs": {
			DraftTokens: tensor.NewTokens(2, 2), BonusTokens: tensor.NewTokens(2, 1),
		},
		"missing draft": {
			TargetProbs: probs, BonusTokens: tensor.NewTokens(2, 1),
		},
		"missing bonus": {
			TargetProbs: probs, DraftTokens: tensor.NewTokens(2, 2),
		},
		"draft batch": {
			TargetProbs: probs, DraftTokens: tensor.NewTokens(3, 2), BonusTokens: tensor.NewTokens(2, 1),
		},
		"draft depth": {
			TargetProbs: probs, DraftTokens: tensor.NewTokens(2, 3), BonusTokens: tensor.NewTokens(2, 1),
		},
		"bonus batch": {
			TargetProbs: probs, DraftTokens: tensor.NewTokens(2, 2), BonusTokens: tensor.NewTokens(1, 1),
		},
		"bonus width": {
			TargetProbs: probs, DraftTokens: tensor.NewTokens(2, 2), BonusTokens: tensor.NewTokens(2, 2),
		},
		"probs buffer": {
			TargetProbs: &tensor.Probs{Batch: 2, K: 2, Vocab: 4, Data: make([]float32, 15)},
			DraftTokens: tensor.NewTokens(2, 2), BonusTokens: tensor.NewTokens(2, 1),
		},
		"zero depth": {
			TargetProbs: tensor.NewProbs(2, 0, 4), DraftTokens: tensor.NewTokens(2, 0),
			BonusTokens: tensor.NewTokens(2, 1),
		},
		"zero vocab": {
			TargetProbs: tensor.NewProbs(2, 2, 0), DraftTokens: tensor.NewTokens(2, 2),
			BonusTokens: tensor.NewTokens(2, 1),
		},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			v := newBoundVerifier(t, enableBonus)

			res, err := v.VerifyRequest(t.Context(), req)
			assert.ErrorIs(t, err, tensor.ErrDimensionMismatch)
			assert.Nil(t, res)
		})
	}
}

func TestStrictMode(t *testing.T) {
	const vocab = 4
	probs := func() *tensor.Probs { return oneHot(2, 2, vocab, [][]int64{{0, 1}, {2, 3}}) }

	cases := []struct {
		name  string
		draft [][]int64
		bonus [][]int64
		input string
	}{
		{"draft above vocabulary", [][]int64{{0, 1}, {2, vocab}}, [][]int64{{0}, {0}}, "draft"},
		{"draft below zero", [][]int64{{-1, 1}, {2, 3}}, [][]int64{{0}, {0}}, "draft"},
		{"bonus above vocabulary", [][]int64{{0, 1}, {2, 3}}, [][]int64{{0}, {vocab}}, "bonus"},
		{"bonus below zero", [][]int64{{0, 1}, {2, 3}}, [][]int64{{-1}, {0}}, "bonus"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newBoundVerifier(t, func(cfg *specdecode.Config) {
				cfg.StrictMode = true
				cfg.DisableBonusTokens = false
			})

			out, err := v.Verify(t.Context(), probs(), tokens(t, tc.bonus), tokens(t, tc.draft))
			require.Error(t, err)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, specdecode.ErrOutOfVocabulary)

			var oov *specdecode.OutOfVocabularyError
			require.True(t, errors.As(err, &oov))
			assert.Equal(t, tc.input, oov.Input)
			assert.Equal(t, vocab, oov.Vocab)
		})
	}

	t.Run("in range passes", func(t *testing.T) {
		v := newBoundVerifier(t, func(cfg *specdecode.Config) { cfg.StrictMode = true })

		_, err := v.Verify(t.Context(), probs(), tokens(t, [][]int64{{0}, {3}}),
			tokens(t, [][]int64{{0, 1}, {2, 3}}))
		assert.NoError(t, err)
	})
}

func TestNonStrictOutOfRangeIsReplaced(t *testing.T) {
	v := newBoundVerifier(t, enableBonus)

	out, err := v.Verify(t.Context(),
		oneHot(2, 2, 4, [][]int64{{0, 1}, {2, 3}}),
		tokens(t, [][]int64{{0}, {0}}),
		tokens(t, [][]int64{{0, 99}, {-5, 3}}))
	require.NoError(t, err)
	assert.Equal(t, [][]int64{
		{0, 1, -1},
		{2, -1, -1},
	}, out.ToRows())
}

func TestVerifyRandomBatches(t *testing.T) {
	const vocab = 16
	rng := rand.New(rand.NewPCG(7, 11))
	typical, err := acceptance.NewTypicalAcceptanceSampler(nil)
	require.NoError(t, err)

	v := newBoundVerifier(t, enableBonus)

	for k := 1; k <= 5; k++ {
		for batch := 1; batch <= 31; batch++ {
			probs := tensor.NewProbs(batch, k, vocab)
			for i := range probs.Data {
				probs.Data[i] = rng.Float32() * 3 // unnormalized
			}
			draft := tensor.NewTokens(batch, k)
			for i := range draft.Data {
				draft.Data[i] = rng.Int64N(vocab)
			}
			bonus := tensor.NewTokens(batch, 1)
			for i := range bonus.Data {
				bonus.Data[i] = rng.Int64N(vocab)
			}

			res, err := v.VerifyRequest(t.Context(), &specdecode.Request{
				TargetProbs: probs, DraftTokens: draft, BonusTokens: bonus,
			})
			require.NoError(t, err, "k=%d batch=%d", k, batch)
			require.Equal(t, batch, res.Tokens.Rows)
			require.Equal(t, k+1, res.Tokens.Cols)

			for seq := range batch {
				want := 0
				for want < k {
					row := probs.Row(seq, want)
					if tensor.ProbAt(row, draft.At(seq, want)) <= typical.Threshold(tensor.Entropy(row)) {
						break
					}
					want++
				}

				fr := res.AcceptedCounts[seq]
				require.Equal(t, want, fr, "k=%d batch=%d seq=%d", k, batch, seq)

				for j := range k {
					got := res.Tokens.At(seq, j)
					switch {
					case j < fr:
						assert.Equal(t, draft.At(seq, j), got)
					case j == fr:
						assert.Equal(t, int64(tensor.Argmax(probs.Row(seq, j))), got)
						assert.NotEqual(t, tensor.Sentinel, got)
					default:
						assert.Equal(t, tensor.Sentinel, got)
					}
				}

				if fr == k {
					assert.Equal(t, bonus.At(seq, 0), res.Tokens.At(seq, k))
				} else {
					assert.Equal(t, tensor.Sentinel, res.Tokens.At(seq, k))
				}
			}
		}
	}
}

func TestDegenerateRows(t *testing.T) {
	v := newBoundVerifier(t, nil)

	probs := tensor.NewProbs(1, 2, 8) // all-zero rows

	out, err := v.Verify(t.Context(), probs, nil, tokens(t, [][]int64{{3, 3}}))
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{0, -1, -1}}, out.ToRows())
}

func TestZeroAlphaUnnormalizedRows(t *testing.T) {
	v := newBoundVerifier(t, func(cfg *specdecode.Config) {
		cfg.AcceptanceConfig = &acceptance.Config{
			Strategy:           acceptance.TypicalAcceptance,
			PosteriorThreshold: 0.09,
			PosteriorAlpha:     0,
		}
	})

	probs := tensor.NewProbs(1, 1, 4)
	copy(probs.Row(0, 0), []float32{100, 100, 100, 100})

	out, err := v.Verify(t.Context(), probs, nil, tokens(t, [][]int64{{1}}))
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, -1}}, out.ToRows())
}

func TestOutputDoesNotAliasScratch(t *testing.T) {
	v := newBoundVerifier(t, enableBonus)
	probs := oneHot(1, 1, 4, [][]int64{{2}})
	bonus := tokens(t, [][]int64{{3}})

	first, err := v.Verify(t.Context(), probs, bonus, tokens(t, [][]int64{{0}}))
	require.NoError(t, err)

	second, err := v.Verify(t.Context(), probs, bonus, tokens(t, [][]int64{{2}}))
	require.NoError(t, err)

	assert.Equal(t, [][]int64{{2, -1}}, first.ToRows())
	assert.Equal(t, [][]int64{{2, 3}}, second.ToRows())

	first.Data[0] = 42
	assert.Equal(t, int64(2), second.Data[0])
}

func TestParallelismDoesNotChangeResults(t *testing.T) {
	const batch, k, vocab = 64, 4, 512
	rng := rand.New(rand.NewPCG(1, 2))

	probs := tensor.NewProbs(batch, k, vocab)
	for i := range probs.Data {
		probs.Data[i] = rng.Float32()
	}
	draft := tensor.NewTokens(batch, k)
	for i := range draft.Data {
		draft.Data[i] = rng.Int64N(vocab)
	}

	var outputs [][][]int64
	for _, workers := range []int{1, 4, 0} {
		v := newBoundVerifier(t, func(cfg *specdecode.Config) { cfg.Parallelism = workers })
		out, err := v.Verify(t.Context(), probs, nil, draft)
		require.NoError(t, err)
		outputs = append(outputs, out.ToRows())
		v.Close()
	}

	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[0], outputs[2])
}

func TestBinding(t *testing.T) {
	registry, err := scratch.NewRegistry(nil)
	require.NoError(t, err)

	v, err := specdecode.NewVerifier(nil, registry)
	require.NoError(t, err)

	_, err = v.Verify(t.Context(), oneHot(1, 1, 4, [][]int64{{2}}), nil, tokens(t, [][]int64{{2}}))
	assert.ErrorIs(t, err, specdecode.ErrNotBound)

	require.NoError(t, v.BindExecutionContext("gpu-0"))
	assert.ErrorIs(t, v.BindExecutionContext("gpu-1"), scratch.ErrAlreadyBound)

	other, err := specdecode.NewVerifier(nil, registry)
	require.NoError(t, err)
	assert.ErrorIs(t, other.BindExecutionContext("gpu-0"), scratch.ErrAlreadyBound)

	v.Close()
	assert.Empty(t, registry.Bound())
	require.NoError(t, other.BindExecutionContext("gpu-0"))
	other.Close()
}

func TestScratchLimit(t *testing.T) {
	v := newBoundVerifier(t, func(cfg *specdecode.Config) {
		cfg.ScratchConfig = &scratch.Config{MaxSize: "1KiB"}
	})

	_, err := v.Verify(t.Context(), tensor.NewProbs(31, 5, 4), nil, tensor.NewTokens(31, 5))
	assert.ErrorIs(t, err, scratch.ErrScratchLimit)

	// a small call still fits
	_, err = v.Verify(t.Context(), oneHot(1, 1, 4, [][]int64{{2}}), nil, tokens(t, [][]int64{{2}}))
	assert.NoError(t, err)
}

func TestRejectionStrategy(t *testing.T) {
	v := newBoundVerifier(t, func(cfg *specdecode.Config) {
		cfg.AcceptanceConfig = &acceptance.Config{Strategy: acceptance.RejectionSampling}
		cfg.DisableBonusTokens = false
	})
	assert.Equal(t, acceptance.RejectionSampling, v.Strategy().Type())

	target := oneHot(1, 2, 4, [][]int64{{1, 2}})
	draftProbs := oneHot(1, 2, 4, [][]int64{{1, 0}})

	res, err := v.VerifyRequest(t.Context(), &specdecode.Request{
		TargetProbs: target,
		DraftTokens: tokens(t, [][]int64{{1, 0}}),
		BonusTokens: tokens(t, [][]int64{{3}}),
		DraftProbs:  draftProbs,
		Rand:        rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.AcceptedCounts)
	assert.Equal(t, [][]int64{{1, 2, -1}}, res.Tokens.ToRows())

	_, err = v.VerifyRequest(t.Context(), &specdecode.Request{
		TargetProbs: target,
		DraftTokens: tokens(t, [][]int64{{1, 0}}),
		BonusTokens: tokens(t, [][]int64{{3}}),
		DraftProbs:  draftProbs,
	})
	assert.ErrorIs(t, err, acceptance.ErrMissingRandSource)
}

func TestFailedStepsAreRecorded(t *testing.T) {
	v := newBoundVerifier(t, func(cfg *specdecode.Config) {
		cfg.StrictMode = true
		cfg.RecorderConfig = recorder.DefaultConfig()
	})
	rec, ok := v.Recorder().(*recorder.InMemoryRecorder)
	require.True(t, ok)

	_, err := v.Verify(t.Context(), oneHot(1, 1, 4, [][]int64{{2}}), nil, tokens(t, [][]int64{{2}}))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Len())

	_, err = v.Verify(t.Context(), oneHot(1, 1, 4, [][]int64{{2}}), nil, tokens(t, [][]int64{{9}}))
	require.ErrorIs(t, err, specdecode.ErrOutOfVocabulary)
	assert.Equal(t, 1, rec.Len())

	_, err = v.Verify(t.Context(), oneHot(1, 1, 4, [][]int64{{2}}), nil, tensor.NewTokens(2, 1))
	require.ErrorIs(t, err, tensor.ErrDimensionMismatch)
	assert.Equal(t, 2, rec.Len())
}

func TestNewWithMetrics(t *testing.T) {
	cfg := specdecode.NewDefaultConfig()
	cfg.EnableMetrics = true

	v, err := specdecode.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	assert.Implements(t, (*specdecode.TokenVerifier)(nil), v)
	_, isPlain := v.(*specdecode.Verifier)
	assert.False(t, isPlain)

	cfg.EnableMetrics = false
	v, err = specdecode.New(t.Context(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &specdecode.Verifier{}, v)

	_, err = specdecode.New(t.Context(), &specdecode.Config{
		AcceptanceConfig: &acceptance.Config{Strategy: "speculative"},
	}, nil)
	assert.Error(t, err)
}
