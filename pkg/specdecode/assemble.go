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

package specdecode

import (
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils"
)

// scanFirstRejection computes, per sequence, the number of leading accepted
// positions: prefix[j] = prefix[j-1] && mask[j], firstRejection = sum(prefix).
// Every position is visited; there is no early exit.
func scanFirstRejection(mask, prefix []bool, firstRejection []int, k, workers int) error {
	return utils.ParallelRange(len(firstRejection), workers, func(lo, hi int) error {
		for seq := lo; seq < hi; seq++ {
			off := seq * k
			run := true
			count := 0
			for j := 0; j < k; j++ {
				run = run && mask[off+j]
				prefix[off+j] = run
				if run {
					count++
				}
			}
			firstRejection[seq] = count
		}
		return nil
	})
}

// greedyTable fills table with the arg-max id of every target row.
func greedyTable(probs *tensor.Probs, table []int64, workers int) error {
	return utils.ParallelRange(probs.Positions(), workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			table[i] = int64(tensor.Argmax(probs.RowAt(i)))
		}
		return nil
	})
}

// assemble builds the batch x (k+1) output. Positions before the first
// rejection copy the draft, the first rejected position takes the
// replacement from table, later positions hold the sentinel. The last column
// holds the bonus token only for fully accepted rows when emitBonus is set.
func assemble(draft, bonus *tensor.Tokens, firstRejection []int, table []int64, k int,
	emitBonus bool, workers int,
) (*tensor.Tokens, error) {
	out := tensor.NewTokens(len(firstRejection), k+1)

	err := utils.ParallelRange(len(firstRejection), workers, func(lo, hi int) error {
		for seq := lo; seq < hi; seq++ {
			fr := firstRejection[seq]
			row := out.Row(seq)
			for j := 0; j < k; j++ {
				switch {
				case j < fr:
					row[j] = draft.At(seq, j)
				case j == fr:
					row[j] = table[seq*k+j]
				default:
					row[j] = tensor.Sentinel
				}
			}

			row[k] = tensor.Sentinel
			if fr == k && emitBonus && bonus != nil {
				row[k] = bonus.At(seq, 0)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
