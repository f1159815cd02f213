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

package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
)

type distribution string

const (
	// every target row is one-hot; half the draft ids hit the hot id
	distOneHot distribution = "onehot"
	// every target row is flat
	distUniform distribution = "uniform"
	// random positive rows, normalized
	distMixed distribution = "mixed"
)

func parseDistribution(s string) (distribution, error) {
	switch d := distribution(s); d {
	case distOneHot, distUniform, distMixed:
		return d, nil
	default:
		return "", fmt.Errorf("unknown distribution %q", s)
	}
}

// generator builds synthetic verification steps from a seeded source.
type generator struct {
	rng   *rand.Rand
	seed  uint64
	dist  distribution
	batch int
	k     int
	vocab int
}

func newGenerator(seed uint64, dist distribution, batch, k, vocab int) *generator {
	return &generator{
		rng:   rand.New(rand.NewPCG(seed, 0)), //nolint:gosec // synthetic data
		seed:  seed,
		dist:  dist,
		batch: batch,
		k:     k,
		vocab: vocab,
	}
}

func (g *generator) fill(p *tensor.Probs, hot []int64) {
	for i := range p.Positions() {
		row := p.RowAt(i)
		switch g.dist {
		case distOneHot:
			row[hot[i]] = 1
		case distUniform:
			for v := range row {
				row[v] = 1 / float32(len(row))
			}
		default:
			var sum float32
			for v := range row {
				row[v] = g.rng.Float32()
				sum += row[v]
			}
			for v := range row {
				row[v] /= sum
			}
		}
	}
}

// request builds one step. With draftProbs set it also fills the draft
// distribution and a per-step random source for rejection sampling.
func (g *generator) request(draftProbs bool, step uint64) *specdecode.Request {
	vocab := int64(g.vocab)

	hot := make([]int64, g.batch*g.k)
	draft := tensor.NewTokens(g.batch, g.k)
	for i := range hot {
		hot[i] = g.rng.Int64N(vocab)
		draft.Data[i] = hot[i]
		if g.rng.IntN(2) == 0 {
			draft.Data[i] = g.rng.Int64N(vocab)
		}
	}

	bonus := tensor.NewTokens(g.batch, 1)
	for i := range bonus.Data {
		bonus.Data[i] = g.rng.Int64N(vocab)
	}

	target := tensor.NewProbs(g.batch, g.k, g.vocab)
	g.fill(target, hot)

	req := &specdecode.Request{
		TargetProbs: target,
		DraftTokens: draft,
		BonusTokens: bonus,
	}
	if draftProbs {
		req.DraftProbs = tensor.NewProbs(g.batch, g.k, g.vocab)
		g.fill(req.DraftProbs, draft.Data)
		req.Rand = rand.New(rand.NewPCG(g.seed, step+1)) //nolint:gosec // reproducible sampling
	}

	return req
}
