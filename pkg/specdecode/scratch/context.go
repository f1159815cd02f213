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

package scratch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

var (
	// ErrContextBusy is returned when a second call tries to use a context
	// that is already serving one.
	ErrContextBusy = errors.New("scratch context is serving another call")
	// ErrScratchLimit is returned when growing a context would exceed the
	// configured size limit.
	ErrScratchLimit = errors.New("scratch size limit exceeded")
)

// bytes held per (sequence, position) slot: mask and prefix flags, greedy and
// recovered ids, two uniforms and one entropy value.
const bytesPerPosition = 1 + 1 + 8 + 8 + 2*8 + 4

// Context is the working storage owned by one execution context. Buffers are
// sized to the largest batch seen so far and are never shrunk. A Context is
// not reentrant: callers bracket every use with Acquire and Done.
type Context struct {
	id       string
	maxBytes uint64
	inUse    atomic.Bool

	mask           []bool
	prefix         []bool
	firstRejection []int
	greedy         []int64
	recovered      []int64
	uniforms       []float64
	entropy        []float32

	// current call shape
	batch, k, vocab int
	// high-water marks
	maxBatch, maxK, maxVocab int
}

func newContext(id string, maxBytes uint64) *Context {
	return &Context{
		id:       id,
		maxBytes: maxBytes,
	}
}

// ID returns the execution context identifier this scratch is bound to.
func (c *Context) ID() string {
	return c.id
}

// Acquire marks the context as serving a call.
func (c *Context) Acquire() error {
	if !c.inUse.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrContextBusy, c.id)
	}
	return nil
}

// Done releases a context taken with Acquire.
func (c *Context) Done() {
	c.inUse.Store(false)
}

// Ensure sizes the buffers for a batch x k x vocab call and clears the
// regions the call will use, so nothing from a previous (possibly failed)
// call is observable.
func (c *Context) Ensure(ctx context.Context, batch, k, vocab int) error {
	positions := batch * k
	if positions > cap(c.mask) || batch > cap(c.firstRejection) {
		need := footprint(max(positions, cap(c.mask)), max(batch, cap(c.firstRejection)))
		if c.maxBytes > 0 && need > c.maxBytes {
			return fmt.Errorf("%w: %s needs %s for batch=%d k=%d, limit is %s", ErrScratchLimit,
				c.id, humanize.IBytes(need), batch, k, humanize.IBytes(c.maxBytes))
		}

		c.grow(positions, batch)
		klog.FromContext(ctx).V(logging.DEBUG).WithName("scratch.Context.Ensure").Info("grew scratch",
			"context", c.id, "batch", batch, "k", k, "size", humanize.IBytes(need))
	}

	c.batch, c.k, c.vocab = batch, k, vocab
	c.maxBatch, c.maxK, c.maxVocab = max(c.maxBatch, batch), max(c.maxK, k), max(c.maxVocab, vocab)

	c.mask = c.mask[:positions]
	c.prefix = c.prefix[:positions]
	c.firstRejection = c.firstRejection[:batch]
	c.greedy = c.greedy[:positions]
	c.recovered = c.recovered[:positions]
	c.uniforms = c.uniforms[:2*positions]
	c.entropy = c.entropy[:positions]

	clear(c.mask)
	clear(c.prefix)
	clear(c.firstRejection)
	clear(c.greedy)
	clear(c.recovered)
	clear(c.uniforms)
	clear(c.entropy)

	return nil
}

func (c *Context) grow(positions, batch int) {
	positions = max(positions, cap(c.mask))
	batch = max(batch, cap(c.firstRejection))

	c.mask = make([]bool, positions)
	c.prefix = make([]bool, positions)
	c.firstRejection = make([]int, batch)
	c.greedy = make([]int64, positions)
	c.recovered = make([]int64, positions)
	c.uniforms = make([]float64, 2*positions)
	c.entropy = make([]float32, positions)
}

func footprint(positions, batch int) uint64 {
	return uint64(positions)*bytesPerPosition + uint64(batch)*8 //nolint:gosec // sizes are non-negative
}

// Footprint returns the bytes currently reserved by the context.
func (c *Context) Footprint() uint64 {
	return footprint(cap(c.mask), cap(c.firstRejection))
}

// Shape returns the shape of the current call.
func (c *Context) Shape() (batch, k, vocab int) {
	return c.batch, c.k, c.vocab
}

// HighWater returns the largest batch, k and vocab the context has served.
func (c *Context) HighWater() (batch, k, vocab int) {
	return c.maxBatch, c.maxK, c.maxVocab
}

// Mask is the batch*k acceptance mask of the current call.
func (c *Context) Mask() []bool { return c.mask }

// Prefix is the batch*k running logical AND of the mask.
func (c *Context) Prefix() []bool { return c.prefix }

// FirstRejection is the per-sequence index of the first rejected position.
func (c *Context) FirstRejection() []int { return c.firstRejection }

// Greedy is the batch*k arg-max table of the target distribution.
func (c *Context) Greedy() []int64 { return c.greedy }

// Recovered is the batch*k table of resampled replacement tokens.
func (c *Context) Recovered() []int64 { return c.recovered }

// Uniforms holds two draws per position, row-major.
func (c *Context) Uniforms() []float64 { return c.uniforms }

// Entropy holds the per-position entropy of the target distribution.
func (c *Context) Entropy() []float32 { return c.entropy }
