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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/snapcap/pkg/snapcap/lib/preprocess"
)

// DecoderConfig holds the token ids and bounds that drive greedy decoding.
// BOS/EOS ids are checkpoint-family-specific and always come from
// configuration, never from compiled-in constants.
type DecoderConfig struct {
	// BOSTokenID starts every decoded sequence.
	BOSTokenID int32

	// EOSTokenID terminates decoding; it is never appended to the output.
	EOSTokenID int32

	// MaxNewTokens bounds the number of appended tokens per caption.
	MaxNewTokens int

	// VocabSize, when non-zero, is checked against the logits width.
	VocabSize int

	// HiddenSize, when non-zero, is checked against the encoder's
	// per-token feature width.
	HiddenSize int
}

// DefaultDecoderConfig returns the ids for the bundled BLIP-base checkpoint
// (BERT-style vocabulary: [CLS] starts, [SEP] stops).
func DefaultDecoderConfig() *DecoderConfig {
	return &DecoderConfig{
		BOSTokenID:   101,
		EOSTokenID:   102,
		MaxNewTokens: 30,
	}
}

// CaptionModelConfig holds everything needed to open a caption model
// directory: graph paths, vocabulary path, preprocessing and decoding
// parameters.
type CaptionModelConfig struct {
	ModelPath string

	EncoderPath string
	DecoderPath string
	VocabPath   string

	DecoderConfig *DecoderConfig
	ImageConfig   *preprocess.ImageConfig
}

// encoderFilenames and decoderFilenames are tried in order when discovering
// graphs in a model directory.
var (
	encoderFilenames = []string{
		"blip_vision_encoder.onnx",
		"vision_encoder.onnx",
		"encoder_model.onnx",
		"encoder.onnx",
	}
	decoderFilenames = []string{
		"blip_text_decoder.onnx",
		"text_decoder.onnx",
		"decoder_model.onnx",
		"decoder.onnx",
	}
)

// FindONNXFile returns the first of the candidate filenames that exists in
// dir, or "" when none do.
func FindONNXFile(dir string, candidates []string) string {
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// rawModelConfig represents the optional config.json in a model directory.
type rawModelConfig struct {
	BOSTokenID   int32 `json:"bos_token_id"`
	EOSTokenID   any   `json:"eos_token_id"` // int or []int
	MaxLength    int   `json:"max_length"`
	VocabSize    int   `json:"vocab_size"`
	HiddenSize   int   `json:"hidden_size"`
	VisionConfig *struct {
		ImageSize int `json:"image_size"`
	} `json:"vision_config"`
}

// rawPreprocessorConfig represents the optional preprocessor_config.json.
type rawPreprocessorConfig struct {
	ImageMean []float32 `json:"image_mean"`
	ImageStd  []float32 `json:"image_std"`
	Size      any       `json:"size"`
}

// LoadCaptionModelConfig discovers graphs and parses the optional JSON
// configs of a caption model directory. JSON values override the bundled
// checkpoint's defaults.
func LoadCaptionModelConfig(modelPath string) (*CaptionModelConfig, error) {
	cfg := &CaptionModelConfig{
		ModelPath:     modelPath,
		EncoderPath:   FindONNXFile(modelPath, encoderFilenames),
		DecoderPath:   FindONNXFile(modelPath, decoderFilenames),
		DecoderConfig: DefaultDecoderConfig(),
		ImageConfig:   preprocess.DefaultImageConfig(),
	}

	vocabPath := filepath.Join(modelPath, "vocab.txt")
	if _, err := os.Stat(vocabPath); err == nil {
		cfg.VocabPath = vocabPath
	}

	if raw := loadRawModelConfig(modelPath); raw != nil {
		if raw.BOSTokenID != 0 {
			cfg.DecoderConfig.BOSTokenID = raw.BOSTokenID
		}
		if eos, ok := extractTokenID(raw.EOSTokenID); ok {
			cfg.DecoderConfig.EOSTokenID = eos
		}
		if raw.MaxLength > 0 {
			cfg.DecoderConfig.MaxNewTokens = raw.MaxLength
		}
		cfg.DecoderConfig.VocabSize = raw.VocabSize
		cfg.DecoderConfig.HiddenSize = raw.HiddenSize
		if raw.VisionConfig != nil && raw.VisionConfig.ImageSize > 0 {
			cfg.ImageConfig.Size = raw.VisionConfig.ImageSize
		}
	}

	if preproc := loadPreprocessorConfig(modelPath); preproc != nil {
		if len(preproc.ImageMean) == 3 {
			copy(cfg.ImageConfig.Mean[:], preproc.ImageMean)
		}
		if len(preproc.ImageStd) == 3 {
			copy(cfg.ImageConfig.Std[:], preproc.ImageStd)
		}
		if size := extractImageSize(preproc.Size); size > 0 {
			cfg.ImageConfig.Size = size
		}
	}

	return cfg, nil
}

// loadRawModelConfig loads config.json if it exists.
func loadRawModelConfig(path string) *rawModelConfig {
	data, err := os.ReadFile(filepath.Join(path, "config.json"))
	if err != nil {
		return nil
	}
	var config rawModelConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil
	}
	return &config
}

// loadPreprocessorConfig loads preprocessor_config.json if it exists.
func loadPreprocessorConfig(path string) *rawPreprocessorConfig {
	data, err := os.ReadFile(filepath.Join(path, "preprocessor_config.json"))
	if err != nil {
		return nil
	}
	var config rawPreprocessorConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil
	}
	return &config
}

// extractTokenID handles eos_token_id being either an int or a list.
func extractTokenID(v any) (int32, bool) {
	switch val := v.(type) {
	case float64:
		return int32(val), true
	case []interface{}:
		if len(val) > 0 {
			if f, ok := val[0].(float64); ok {
				return int32(f), true
			}
		}
	}
	return 0, false
}

// extractImageSize extracts an integer size from various JSON formats.
func extractImageSize(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case map[string]interface{}:
		// Handle {height: N, width: N} or {shortest_edge: N}
		if h, ok := val["height"].(float64); ok {
			return int(h)
		}
		if se, ok := val["shortest_edge"].(float64); ok {
			return int(se)
		}
	}
	return 0
}

// Validate reports a missing graph or vocabulary as an error.
func (c *CaptionModelConfig) Validate() error {
	if c.EncoderPath == "" {
		return fmt.Errorf("vision encoder ONNX file not found in %s", c.ModelPath)
	}
	if c.DecoderPath == "" {
		return fmt.Errorf("text decoder ONNX file not found in %s", c.ModelPath)
	}
	if c.VocabPath == "" {
		return fmt.Errorf("vocab.txt not found in %s", c.ModelPath)
	}
	return nil
}
