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

// Package pipelines implements the caption inference pipeline: vision
// encoding, greedy autoregressive decoding, and WordPiece detokenization
// over two backend sessions.
package pipelines

import (
	"fmt"

	"github.com/antflydb/snapcap/pkg/snapcap/lib/backends"
)

// Tensor naming contract of the exported caption graphs.
const (
	pixelValuesInput         = "pixel_values"
	inputIDsInput            = "input_ids"
	attentionMaskInput       = "attention_mask"
	encoderHiddenStatesInput = "encoder_hidden_states"
)

// EncoderOutput holds the vision encoder's token embeddings, flattened
// token-major: all features of token 0 precede all features of token 1.
type EncoderOutput struct {
	// HiddenStates has length exactly Tokens*Width.
	HiddenStates []float32

	// Tokens is the number of image tokens T.
	Tokens int

	// Width is the per-token feature width D.
	Width int
}

// CaptionModel owns the vision encoder and text decoder sessions of one
// caption checkpoint. Sessions are exclusive resources: callers must not
// issue concurrent EncodeImage/DecodeStep calls against the same model.
type CaptionModel struct {
	config *CaptionModelConfig

	encoderSession backends.Session
	decoderSession backends.Session
}

// NewCaptionModel wraps already-created sessions. Used by tests to inject
// stub sessions.
func NewCaptionModel(config *CaptionModelConfig, encoder, decoder backends.Session) *CaptionModel {
	return &CaptionModel{
		config:         config,
		encoderSession: encoder,
		decoderSession: decoder,
	}
}

// LoadCaptionModel discovers the graphs in modelPath and creates both
// sessions through the given factory.
func LoadCaptionModel(modelPath string, factory backends.SessionFactory, opts ...backends.SessionOption) (*CaptionModel, error) {
	config, err := LoadCaptionModelConfig(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading model config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", backends.ErrModelLoad, err)
	}

	encoderSession, err := factory.CreateSession(config.EncoderPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}

	decoderSession, err := factory.CreateSession(config.DecoderPath, opts...)
	if err != nil {
		_ = encoderSession.Close()
		return nil, fmt.Errorf("creating decoder session: %w", err)
	}

	return &CaptionModel{
		config:         config,
		encoderSession: encoderSession,
		decoderSession: decoderSession,
	}, nil
}

// Config returns the model's parsed configuration.
func (m *CaptionModel) Config() *CaptionModelConfig {
	return m.config
}

// EncodeImage feeds a normalized CHW pixel tensor through the vision
// encoder. pixels must have length exactly 3*size*size. The sole output is
// expected with shape [1, T, D] and is flattened dropping the batch
// dimension: element i maps to token i/D, feature i%D.
func (m *CaptionModel) EncodeImage(pixels []float32, size int) (*EncoderOutput, error) {
	if len(pixels) != 3*size*size {
		return nil, fmt.Errorf("%w: pixel tensor has %d elements, want %d",
			backends.ErrShapeMismatch, len(pixels), 3*size*size)
	}

	outputs, err := m.encoderSession.Run([]backends.NamedTensor{{
		Name:  pixelValuesInput,
		Shape: []int64{1, 3, int64(size), int64(size)},
		Data:  pixels,
	}})
	if err != nil {
		return nil, fmt.Errorf("running vision encoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no encoder output", backends.ErrRuntimeFault)
	}

	output := outputs[0]
	if len(output.Shape) != 3 || output.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: encoder output shape %v, want [1,T,D]",
			backends.ErrShapeMismatch, output.Shape)
	}

	hiddenStates, ok := output.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: encoder output is not float32", backends.ErrShapeMismatch)
	}

	tokens, width := int(output.Shape[1]), int(output.Shape[2])
	if width <= 0 || len(hiddenStates)%width != 0 || len(hiddenStates) != tokens*width {
		return nil, fmt.Errorf("%w: encoder output has %d elements for shape %v",
			backends.ErrShapeMismatch, len(hiddenStates), output.Shape)
	}
	if m.config != nil && m.config.DecoderConfig != nil {
		if want := m.config.DecoderConfig.HiddenSize; want > 0 && width != want {
			return nil, fmt.Errorf("%w: encoder feature width %d, decoder expects %d",
				backends.ErrShapeMismatch, width, want)
		}
	}

	return &EncoderOutput{
		HiddenStates: hiddenStates,
		Tokens:       tokens,
		Width:        width,
	}, nil
}

// DecodeStep runs one decoder invocation over the full growing sequence.
// inputIDs is the current token sequence (BOS included); encoderOutput is
// re-supplied unchanged every step. Returns the logits row for the last
// position, width V.
func (m *CaptionModel) DecodeStep(inputIDs []int32, encoderOutput *EncoderOutput) ([]float32, error) {
	seqLen := len(inputIDs)
	if seqLen == 0 {
		return nil, fmt.Errorf("%w: empty input sequence", backends.ErrShapeMismatch)
	}

	flatIDs := make([]int64, seqLen)
	mask := make([]int64, seqLen)
	for i, id := range inputIDs {
		flatIDs[i] = int64(id)
		mask[i] = 1 // no padding is ever used
	}

	outputs, err := m.decoderSession.Run([]backends.NamedTensor{
		{
			Name:  inputIDsInput,
			Shape: []int64{1, int64(seqLen)},
			Data:  flatIDs,
		},
		{
			Name:  attentionMaskInput,
			Shape: []int64{1, int64(seqLen)},
			Data:  mask,
		},
		{
			Name:  encoderHiddenStatesInput,
			Shape: []int64{1, int64(encoderOutput.Tokens), int64(encoderOutput.Width)},
			Data:  encoderOutput.HiddenStates,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("running text decoder: %w", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no decoder output", backends.ErrRuntimeFault)
	}

	logitsOutput := outputs[0]
	logitsData, ok := logitsOutput.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: logits tensor is not float32", backends.ErrShapeMismatch)
	}

	shape := logitsOutput.Shape
	if len(shape) != 3 || shape[0] != 1 || int(shape[1]) != seqLen {
		return nil, fmt.Errorf("%w: logits shape %v, want [1,%d,V]",
			backends.ErrShapeMismatch, shape, seqLen)
	}
	vocabSize := int(shape[2])
	if vocabSize <= 0 || len(logitsData) != seqLen*vocabSize {
		return nil, fmt.Errorf("%w: logits have %d elements for shape %v",
			backends.ErrShapeMismatch, len(logitsData), shape)
	}
	if m.config != nil && m.config.DecoderConfig != nil {
		if want := m.config.DecoderConfig.VocabSize; want > 0 && vocabSize != want {
			return nil, fmt.Errorf("%w: logits width %d, vocabulary has %d entries",
				backends.ErrShapeMismatch, vocabSize, want)
		}
	}

	// Logits row at the last position
	last := make([]float32, vocabSize)
	copy(last, logitsData[(seqLen-1)*vocabSize:seqLen*vocabSize])
	return last, nil
}

// Close releases both sessions, decoder first. Idempotent.
func (m *CaptionModel) Close() error {
	var errs []error

	if m.decoderSession != nil {
		if err := m.decoderSession.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing decoder: %w", err))
		}
		m.decoderSession = nil
	}

	if m.encoderSession != nil {
		if err := m.encoderSession.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing encoder: %w", err))
		}
		m.encoderSession = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing model: %v", errs)
	}
	return nil
}
