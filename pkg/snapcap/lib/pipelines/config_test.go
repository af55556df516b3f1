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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeModelDir lays out a fake model directory with the named files.
func writeModelDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadCaptionModelConfigDiscovery(t *testing.T) {
	dir := writeModelDir(t, map[string]string{
		"blip_vision_encoder.onnx": "x",
		"blip_text_decoder.onnx":   "x",
		"vocab.txt":                "[PAD]\n",
	})

	cfg, err := LoadCaptionModelConfig(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, filepath.Join(dir, "blip_vision_encoder.onnx"), cfg.EncoderPath)
	require.Equal(t, filepath.Join(dir, "blip_text_decoder.onnx"), cfg.DecoderPath)
	require.Equal(t, filepath.Join(dir, "vocab.txt"), cfg.VocabPath)

	// Bundled checkpoint defaults apply without JSON configs
	require.Equal(t, int32(101), cfg.DecoderConfig.BOSTokenID)
	require.Equal(t, int32(102), cfg.DecoderConfig.EOSTokenID)
	require.Equal(t, 30, cfg.DecoderConfig.MaxNewTokens)
	require.Equal(t, 384, cfg.ImageConfig.Size)
}

func TestLoadCaptionModelConfigAlternateFilenames(t *testing.T) {
	dir := writeModelDir(t, map[string]string{
		"encoder_model.onnx": "x",
		"decoder_model.onnx": "x",
		"vocab.txt":          "a\n",
	})

	cfg, err := LoadCaptionModelConfig(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, filepath.Join(dir, "encoder_model.onnx"), cfg.EncoderPath)
	require.Equal(t, filepath.Join(dir, "decoder_model.onnx"), cfg.DecoderPath)
}

func TestLoadCaptionModelConfigJSONOverrides(t *testing.T) {
	dir := writeModelDir(t, map[string]string{
		"vision_encoder.onnx": "x",
		"text_decoder.onnx":   "x",
		"vocab.txt":           "a\n",
		"config.json": `{
			"bos_token_id": 3,
			"eos_token_id": [4, 5],
			"max_length": 20,
			"vocab_size": 30524,
			"hidden_size": 768,
			"vision_config": {"image_size": 224}
		}`,
		"preprocessor_config.json": `{
			"image_mean": [0.5, 0.5, 0.5],
			"image_std": [0.25, 0.25, 0.25],
			"size": {"height": 256, "width": 256}
		}`,
	})

	cfg, err := LoadCaptionModelConfig(dir)
	require.NoError(t, err)
	require.Equal(t, int32(3), cfg.DecoderConfig.BOSTokenID)
	require.Equal(t, int32(4), cfg.DecoderConfig.EOSTokenID, "first id of an eos list wins")
	require.Equal(t, 20, cfg.DecoderConfig.MaxNewTokens)
	require.Equal(t, 30524, cfg.DecoderConfig.VocabSize)
	require.Equal(t, 768, cfg.DecoderConfig.HiddenSize)

	// preprocessor_config.json wins over vision_config.image_size
	require.Equal(t, 256, cfg.ImageConfig.Size)
	require.Equal(t, [3]float32{0.5, 0.5, 0.5}, cfg.ImageConfig.Mean)
	require.Equal(t, [3]float32{0.25, 0.25, 0.25}, cfg.ImageConfig.Std)
}

func TestLoadCaptionModelConfigScalarOverrides(t *testing.T) {
	dir := writeModelDir(t, map[string]string{
		"vision_encoder.onnx":      "x",
		"text_decoder.onnx":        "x",
		"vocab.txt":                "a\n",
		"config.json":              `{"eos_token_id": 102}`,
		"preprocessor_config.json": `{"size": 384}`,
	})

	cfg, err := LoadCaptionModelConfig(dir)
	require.NoError(t, err)
	require.Equal(t, int32(102), cfg.DecoderConfig.EOSTokenID)
	require.Equal(t, 384, cfg.ImageConfig.Size)
}

func TestLoadCaptionModelConfigMalformedJSONIgnored(t *testing.T) {
	dir := writeModelDir(t, map[string]string{
		"vision_encoder.onnx": "x",
		"text_decoder.onnx":   "x",
		"vocab.txt":           "a\n",
		"config.json":         `{not json`,
	})

	cfg, err := LoadCaptionModelConfig(dir)
	require.NoError(t, err)
	require.Equal(t, int32(101), cfg.DecoderConfig.BOSTokenID)
}

func TestValidateMissingFiles(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "no encoder",
			files: map[string]string{"text_decoder.onnx": "x", "vocab.txt": "a\n"},
			want:  "vision encoder",
		},
		{
			name:  "no decoder",
			files: map[string]string{"vision_encoder.onnx": "x", "vocab.txt": "a\n"},
			want:  "text decoder",
		},
		{
			name:  "no vocab",
			files: map[string]string{"vision_encoder.onnx": "x", "text_decoder.onnx": "x"},
			want:  "vocab.txt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeModelDir(t, tt.files)
			cfg, err := LoadCaptionModelConfig(dir)
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFindONNXFilePrecedence(t *testing.T) {
	dir := writeModelDir(t, map[string]string{
		"blip_vision_encoder.onnx": "x",
		"vision_encoder.onnx":      "x",
	})

	got := FindONNXFile(dir, encoderFilenames)
	require.Equal(t, filepath.Join(dir, "blip_vision_encoder.onnx"), got)

	require.Empty(t, FindONNXFile(dir, decoderFilenames))
}
