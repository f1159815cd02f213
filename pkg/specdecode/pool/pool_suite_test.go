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

package pool_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/pool"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
)

const (
	suiteK     = 4
	suiteVocab = 32
)

// PoolSuite runs real verifiers behind the pool.
type PoolSuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc
	config *pool.Config
	pool   *pool.Pool
}

// SetupTest builds and starts a three-context pool before each test.
func (s *PoolSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.config = pool.DefaultConfig()
	s.config.Contexts = 3
	s.config.VerifierConfig.DisableBonusTokens = false
	s.config.VerifierConfig.StrictMode = true

	var err error
	s.pool, err = pool.NewPool(s.ctx, s.config)
	s.Require().NoError(err)
	s.pool.Start(s.ctx)
}

// TearDownTest shuts the pool down after each test.
func (s *PoolSuite) TearDownTest() {
	s.pool.Shutdown(s.ctx)
	s.cancel()
}

// request builds a batch whose target rows are one-hot at draft ids, except
// the position at reject, which puts its mass elsewhere.
func (s *PoolSuite) request(rng *rand.Rand, batch, reject int) *specdecode.Request {
	probs := tensor.NewProbs(batch, suiteK, suiteVocab)
	draft := tensor.NewTokens(batch, suiteK)
	bonus := tensor.NewTokens(batch, 1)

	for seq := range batch {
		for pos := range suiteK {
			id := rng.Int64N(suiteVocab)
			draft.Set(seq, pos, id)
			hot := id
			if pos == reject {
				hot = (id + 1) % suiteVocab
			}
			probs.Row(seq, pos)[hot] = 1
		}
		bonus.Set(seq, 0, rng.Int64N(suiteVocab))
	}

	return &specdecode.Request{TargetProbs: probs, DraftTokens: draft, BonusTokens: bonus}
}

func (s *PoolSuite) TestContextsAreBound() {
	s.Equal([]string{"ctx-0", "ctx-1", "ctx-2"}, s.pool.Contexts())
}

func (s *PoolSuite) TestVerifyRoutesByKey() {
	rng := rand.New(rand.NewPCG(3, 5))

	for i := range 12 {
		key := fmt.Sprintf("group-%d", i)
		done, err := s.pool.Submit(s.ctx, key, s.request(rng, 2, suiteK))
		s.Require().NoError(err)

		out := <-done
		s.Require().NoError(out.Err)
		s.Equal(s.pool.ContextFor(key), out.ContextID)
		s.Equal([]int{suiteK, suiteK}, out.Result.AcceptedCounts)
	}
}

func (s *PoolSuite) TestConcurrentCallsOnOneKeyAreSerialized() {
	const callers = 32

	var wg sync.WaitGroup
	errs := make([]error, callers)
	results := make([]*specdecode.Result, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(i), 1)) //nolint:gosec // test seed
			results[i], errs[i] = s.pool.Verify(s.ctx, "hot-key", s.request(rng, 4, i%suiteK))
		}()
	}
	wg.Wait()

	for i := range callers {
		s.Require().NoError(errs[i])
		s.Equal([]int{i % suiteK, i % suiteK, i % suiteK, i % suiteK}, results[i].AcceptedCounts)
		for seq := range 4 {
			s.Equal(tensor.Sentinel, results[i].Tokens.At(seq, suiteK))
		}
	}
}

func (s *PoolSuite) TestStrictModeErrorsReachTheCaller() {
	rng := rand.New(rand.NewPCG(9, 9))
	req := s.request(rng, 1, suiteK)
	req.DraftTokens.Set(0, 0, suiteVocab)

	_, err := s.pool.Verify(s.ctx, "bad", req)
	s.ErrorIs(err, specdecode.ErrOutOfVocabulary)
}

func (s *PoolSuite) TestSubmitAfterShutdown() {
	s.pool.Shutdown(s.ctx)

	_, err := s.pool.Submit(s.ctx, "late", &specdecode.Request{})
	s.ErrorIs(err, pool.ErrPoolClosed)
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}
