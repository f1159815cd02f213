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
	"errors"
	"fmt"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/tensor"
)

// ErrOutOfVocabulary is returned in strict mode when a draft or bonus id lies
// outside [0, vocab).
var ErrOutOfVocabulary = errors.New("token id out of vocabulary")

// OutOfVocabularyError names the input holding an out-of-range id and the
// observed extremes.
type OutOfVocabularyError struct {
	// Input is "draft" or "bonus".
	Input string
	Min   int64
	Max   int64
	Vocab int
}

func (e *OutOfVocabularyError) Error() string {
	return fmt.Sprintf("%s token ids span [%d, %d], outside vocabulary [0, %d)", e.Input, e.Min, e.Max, e.Vocab)
}

// Is makes errors.Is(err, ErrOutOfVocabulary) hold.
func (e *OutOfVocabularyError) Is(target error) bool {
	return target == ErrOutOfVocabulary
}

// BoundsValidator checks that every draft and bonus id indexes the target
// distribution. It only looks at the extremes of each input.
type BoundsValidator struct{}

// Validate returns an *OutOfVocabularyError for the first input whose min or
// max falls outside [0, vocab). Empty or nil inputs pass.
func (BoundsValidator) Validate(vocab int, draft, bonus *tensor.Tokens) error {
	for _, in := range []struct {
		name   string
		tokens *tensor.Tokens
	}{
		{"draft", draft},
		{"bonus", bonus},
	} {
		if in.tokens == nil || len(in.tokens.Data) == 0 {
			continue
		}

		lo, hi := tensor.MinMax(in.tokens.Data)
		if lo < 0 || hi >= int64(vocab) {
			return &OutOfVocabularyError{Input: in.name, Min: lo, Max: hi, Vocab: vocab}
		}
	}

	return nil
}
