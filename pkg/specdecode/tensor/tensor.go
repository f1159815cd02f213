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

// Package tensor holds the dense row-major batch types exchanged between the
// decoding-step orchestrator and the verifier.
package tensor

import (
	"errors"
	"fmt"
)

// Sentinel marks an output position where no token was produced.
// Consumers treat it as the end of the speculated run, never as a vocabulary id.
const Sentinel int64 = -1

// ErrDimensionMismatch is returned when batch, speculation depth or vocabulary
// sizes disagree across inputs, or when a buffer does not match its shape.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Probs is a batch x k x vocab probability tensor stored row-major.
// Each (sequence, position) pair owns one contiguous vocab-sized row.
type Probs struct {
	Batch int
	K     int
	Vocab int
	Data  []float32
}

// NewProbs allocates a zeroed batch x k x vocab tensor.
func NewProbs(batch, k, vocab int) *Probs {
	return &Probs{
		Batch: batch,
		K:     k,
		Vocab: vocab,
		Data:  make([]float32, batch*k*vocab),
	}
}

// ProbsFromRows builds a tensor from nested [batch][k][vocab] slices.
func ProbsFromRows(rows [][][]float32) (*Probs, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: probs need at least one sequence and one position", ErrDimensionMismatch)
	}

	batch, k, vocab := len(rows), len(rows[0]), len(rows[0][0])
	p := NewProbs(batch, k, vocab)
	for seq, positions := range rows {
		if len(positions) != k {
			return nil, fmt.Errorf("%w: sequence %d has %d positions, expected %d",
				ErrDimensionMismatch, seq, len(positions), k)
		}
		for pos, row := range positions {
			if len(row) != vocab {
				return nil, fmt.Errorf("%w: row (%d,%d) has %d entries, expected %d",
					ErrDimensionMismatch, seq, pos, len(row), vocab)
			}
			copy(p.Row(seq, pos), row)
		}
	}

	return p, nil
}

// Positions returns batch*k, the number of probability rows.
func (p *Probs) Positions() int {
	return p.Batch * p.K
}

// Row returns the vocab-sized row of (seq, pos). The slice aliases Data.
func (p *Probs) Row(seq, pos int) []float32 {
	return p.RowAt(seq*p.K + pos)
}

// RowAt returns the i-th row in flattened (seq*k + pos) order.
func (p *Probs) RowAt(i int) []float32 {
	off := i * p.Vocab
	return p.Data[off : off+p.Vocab : off+p.Vocab]
}

// Validate checks the declared shape against the backing buffer.
func (p *Probs) Validate() error {
	switch {
	case p.Batch < 0:
		return fmt.Errorf("%w: negative batch size %d", ErrDimensionMismatch, p.Batch)
	case p.K < 1:
		return fmt.Errorf("%w: speculation depth must be at least 1, got %d", ErrDimensionMismatch, p.K)
	case p.Vocab < 1:
		return fmt.Errorf("%w: vocabulary size must be at least 1, got %d", ErrDimensionMismatch, p.Vocab)
	case len(p.Data) != p.Batch*p.K*p.Vocab:
		return fmt.Errorf("%w: probs buffer holds %d values, shape %dx%dx%d needs %d",
			ErrDimensionMismatch, len(p.Data), p.Batch, p.K, p.Vocab, p.Batch*p.K*p.Vocab)
	}

	return nil
}

// SameShape reports whether two tensors share batch, k and vocab.
func (p *Probs) SameShape(o *Probs) bool {
	return p.Batch == o.Batch && p.K == o.K && p.Vocab == o.Vocab
}

// Tokens is a rows x cols matrix of token ids stored row-major.
type Tokens struct {
	Rows int
	Cols int
	Data []int64
}

// NewTokens allocates a zeroed rows x cols matrix.
func NewTokens(rows, cols int) *Tokens {
	return &Tokens{
		Rows: rows,
		Cols: cols,
		Data: make([]int64, rows*cols),
	}
}

// TokensFromRows builds a matrix from nested [rows][cols] slices.
func TokensFromRows(rows [][]int64) (*Tokens, error) {
	if len(rows) == 0 {
		return NewTokens(0, 0), nil
	}

	cols := len(rows[0])
	t := NewTokens(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: row %d has %d ids, expected %d", ErrDimensionMismatch, r, len(row), cols)
		}
		copy(t.Row(r), row)
	}

	return t, nil
}

// At returns the id at (row, col).
func (t *Tokens) At(row, col int) int64 {
	return t.Data[row*t.Cols+col]
}

// Set writes the id at (row, col).
func (t *Tokens) Set(row, col int, id int64) {
	t.Data[row*t.Cols+col] = id
}

// Row returns one row. The slice aliases Data.
func (t *Tokens) Row(row int) []int64 {
	off := row * t.Cols
	return t.Data[off : off+t.Cols : off+t.Cols]
}

// Column returns a copy of one column.
func (t *Tokens) Column(col int) []int64 {
	out := make([]int64, t.Rows)
	for r := range out {
		out[r] = t.At(r, col)
	}
	return out
}

// ToRows returns a nested copy of the matrix.
func (t *Tokens) ToRows() [][]int64 {
	out := make([][]int64, t.Rows)
	for r := range out {
		out[r] = append([]int64(nil), t.Row(r)...)
	}
	return out
}

// Validate checks the declared shape against the backing buffer.
func (t *Tokens) Validate() error {
	if t.Rows < 0 || t.Cols < 0 || len(t.Data) != t.Rows*t.Cols {
		return fmt.Errorf("%w: token buffer holds %d ids, shape %dx%d needs %d",
			ErrDimensionMismatch, len(t.Data), t.Rows, t.Cols, t.Rows*t.Cols)
	}
	return nil
}

// MinMax returns the smallest and largest id in ids. ids must be non-empty.
func MinMax(ids []int64) (lo, hi int64) {
	lo, hi = ids[0], ids[0]
	for _, id := range ids[1:] {
		lo = min(lo, id)
		hi = max(hi, id)
	}
	return lo, hi
}
