// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"context"
	"fmt"
)

// StopReason says why a decode loop terminated.
type StopReason string

const (
	// StopEndToken: the decoder produced EOS.
	StopEndToken StopReason = "end_token"
	// StopMaxLength: the step budget ran out before EOS.
	StopMaxLength StopReason = "max_length"
)

// DecoderStepFunc is called once per decoding step with the full current
// sequence (BOS included) and returns the logits row for the last position.
type DecoderStepFunc func(ctx context.Context, inputIDs []int32) ([]float32, error)

// GenerateResult holds the outcome of one greedy decode.
type GenerateResult struct {
	// TokenIDs is the sequence including the leading BOS id, never EOS.
	TokenIDs []int32
	// Reason records which terminal condition fired.
	Reason StopReason
}

// Generator runs the greedy autoregressive loop. Decoding is fully
// deterministic for fixed encoder features and weights: the single
// highest-scoring token is selected each step, first maximum winning ties.
//
// Each step reprocesses the whole growing sequence; there is no key/value
// cache. Quadratic in sequence length, acceptable while MaxNewTokens stays
// small.
type Generator struct {
	Config *DecoderConfig
}

// NewGenerator creates a Generator. A nil config uses defaults.
func NewGenerator(config *DecoderConfig) *Generator {
	if config == nil {
		config = DefaultDecoderConfig()
	}
	return &Generator{Config: config}
}

// Generate decodes starting from [BOS], calling stepFn once per step and
// appending the argmax token until EOS or the step budget. EOS is never
// appended to the returned sequence.
func (g *Generator) Generate(ctx context.Context, stepFn DecoderStepFunc) (*GenerateResult, error) {
	seq := make([]int32, 1, 1+g.Config.MaxNewTokens)
	seq[0] = g.Config.BOSTokenID

	for step := 0; step < g.Config.MaxNewTokens; step++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		logits, err := stepFn(ctx, seq)
		if err != nil {
			return nil, err
		}
		if len(logits) == 0 {
			return nil, fmt.Errorf("empty logits at step %d", step)
		}

		next := Argmax(logits)
		if next == g.Config.EOSTokenID {
			return &GenerateResult{TokenIDs: seq, Reason: StopEndToken}, nil
		}
		seq = append(seq, next)
	}

	return &GenerateResult{TokenIDs: seq, Reason: StopMaxLength}, nil
}

// Argmax returns the index of the maximum value. Stable: the first maximum
// encountered wins, so equal scores resolve to the lowest token id.
func Argmax(values []float32) int32 {
	maxIdx := 0
	maxVal := values[0]
	for i, v := range values[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return int32(maxIdx)
}
