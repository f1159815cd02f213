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

package tensor

import (
	"github.com/chewxy/math32"
	"gorgonia.org/vecf32"
)

// Epsilon is the floor applied to probabilities before taking their log.
const Epsilon float32 = 1e-5

// Entropy returns -sum(p * log(max(p, Epsilon))) over a row. Exact zeros
// contribute nothing, so all-zero rows yield 0 rather than NaN.
func Entropy(row []float32) float32 {
	var h float32
	for _, p := range row {
		h -= p * math32.Log(math32.Max(p, Epsilon))
	}
	return h
}

// Argmax returns the index of the largest entry of a non-empty row,
// preferring the lowest index on ties.
func Argmax(row []float32) int {
	return vecf32.Argmax(row)
}

// ProbAt returns row[id], reading ids outside the row as probability 0.
func ProbAt(row []float32, id int64) float32 {
	if id < 0 || id >= int64(len(row)) {
		return 0
	}
	return row[id]
}
