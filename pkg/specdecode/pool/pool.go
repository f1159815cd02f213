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

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/scratch"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("verification pool is shut down")

// Config holds the configuration for the verification pool.
type Config struct {
	// Contexts is the number of execution contexts, each served by one worker.
	Contexts int `json:"contexts"`
	// ContextPrefix names the contexts "<prefix>-<index>".
	ContextPrefix string `json:"contextPrefix"`
	// VerifierConfig configures every per-context verifier.
	VerifierConfig *specdecode.Config `json:"verifierConfig"`
}

// DefaultConfig returns a default configuration for the verification pool.
func DefaultConfig() *Config {
	return &Config{
		Contexts:       4,
		ContextPrefix:  "ctx",
		VerifierConfig: specdecode.NewDefaultConfig(),
	}
}

// Outcome is delivered once per submitted task.
type Outcome struct {
	Result *specdecode.Result
	// ContextID is the execution context that served the task.
	ContextID string
	Err       error
}

// task is one queued verification call.
type task struct {
	ctx  context.Context //nolint:containedctx // carries the caller's logger to the worker
	req  *specdecode.Request
	done chan Outcome
}

type shard struct {
	id       string
	verifier specdecode.TokenVerifier
	queue    workqueue.TypedRateLimitingInterface[*task]
}

// Pool is a sharded worker pool with one execution context per shard.
// It ensures that calls routed with the same key are processed in order on
// the same context.
type Pool struct {
	shards []*shard
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewPool creates a Pool, building and binding one verifier per context.
// All contexts share one scratch registry.
func NewPool(ctx context.Context, cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Contexts < 1 {
		return nil, fmt.Errorf("pool needs at least one execution context, got %d", cfg.Contexts)
	}

	verifierConfig := cfg.VerifierConfig
	if verifierConfig == nil {
		verifierConfig = specdecode.NewDefaultConfig()
	}

	registry, err := scratch.NewRegistry(verifierConfig.ScratchConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch registry: %w", err)
	}

	ids := make([]string, cfg.Contexts)
	verifiers := make([]specdecode.TokenVerifier, cfg.Contexts)
	for i := range verifiers {
		ids[i] = fmt.Sprintf("%s-%d", cfg.ContextPrefix, i)

		v, err := specdecode.New(ctx, contextConfig(verifierConfig, i), registry)
		if err != nil {
			closeAll(verifiers[:i])
			return nil, fmt.Errorf("failed to create verifier for %s: %w", ids[i], err)
		}
		if err := v.BindExecutionContext(ids[i]); err != nil {
			closeAll(verifiers[:i])
			return nil, err
		}
		verifiers[i] = v
	}

	return newPool(ids, verifiers), nil
}

// contextConfig returns the verifier config for the i-th context. The metrics
// are process-wide, so only the first context logs them.
func contextConfig(base *specdecode.Config, i int) *specdecode.Config {
	if i == 0 || base.MetricsLoggingInterval == 0 {
		return base
	}

	cfg := *base
	cfg.MetricsLoggingInterval = 0
	return &cfg
}

func newPool(ids []string, verifiers []specdecode.TokenVerifier) *Pool {
	p := &Pool{
		shards: make([]*shard, len(verifiers)),
	}

	for i, v := range verifiers {
		p.shards[i] = &shard{
			id:       ids[i],
			verifier: v,
			queue:    workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*task]()),
		}
	}

	return p
}

func closeAll(verifiers []specdecode.TokenVerifier) {
	for _, v := range verifiers {
		v.Close()
	}
}

// Start begins the workers. It is non-blocking.
// The pool shuts down when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.Info("Starting verification pool", "contexts", p.Contexts())

	p.wg.Add(len(p.shards))
	for _, s := range p.shards {
		// Each worker owns one shard and its execution context.
		go p.worker(ctx, s)
	}

	go func() {
		<-ctx.Done()
		p.Shutdown(context.WithoutCancel(ctx))
	}()
}

// Shutdown stops accepting tasks, lets the workers drain their queues and
// releases every execution context. It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) {
	p.once.Do(func() {
		logger := klog.FromContext(ctx)
		logger.Info("Shutting down verification pool...")

		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		for _, s := range p.shards {
			s.queue.ShutDown()
		}
		p.wg.Wait()

		for _, s := range p.shards {
			s.verifier.Close()
		}
		logger.Info("verification pool shut down.")
	})
}

// Contexts returns the execution context ids in shard order.
func (p *Pool) Contexts() []string {
	ids := make([]string, len(p.shards))
	for i, s := range p.shards {
		ids[i] = s.id
	}
	return ids
}

// ContextFor returns the execution context a key is routed to.
func (p *Pool) ContextFor(key string) string {
	return p.route(key).id
}

func (p *Pool) route(key string) *shard {
	return p.shards[xxhash.Sum64String(key)%uint64(len(p.shards))]
}

// Submit queues req on the context key routes to and returns a channel that
// receives exactly one Outcome.
func (p *Pool) Submit(ctx context.Context, key string, req *specdecode.Request) (<-chan Outcome, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	t := &task{
		ctx:  ctx,
		req:  req,
		done: make(chan Outcome, 1),
	}
	s := p.route(key)
	s.queue.Add(t)

	klog.FromContext(ctx).V(logging.TRACE).WithName("pool.Pool.Submit").
		Info("queued verification", "key", key, "context", s.id)

	return t.done, nil
}

// Verify submits req and waits for its outcome or for ctx to be done.
// A queued call still runs to completion when ctx ends first.
func (p *Pool) Verify(ctx context.Context, key string, req *specdecode.Request) (*specdecode.Result, error) {
	done, err := p.Submit(ctx, key, req)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker is the main processing loop for a single shard.
func (p *Pool) worker(ctx context.Context, s *shard) {
	defer p.wg.Done()
	for {
		t, shutdown := s.queue.Get()
		if shutdown {
			return
		}

		// Use a nested func to ensure Done is always called.
		func(t *task) {
			defer s.queue.Done(t)
			p.process(ctx, s, t)
			s.queue.Forget(t)
		}(t)
	}
}

func (p *Pool) process(ctx context.Context, s *shard, t *task) {
	taskCtx := t.ctx
	if taskCtx == nil {
		taskCtx = ctx
	}

	res, err := s.verifier.VerifyRequest(taskCtx, t.req)
	if err != nil {
		klog.FromContext(taskCtx).V(logging.DEBUG).WithName("pool.Pool.process").
			Info("verification failed", "context", s.id, "error", err)
	}

	t.done <- Outcome{Result: res, ContextID: s.id, Err: err}
}
