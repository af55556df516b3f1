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

// Package preprocess turns an arbitrary bitmap into the normalized
// channel-planar float tensor the vision encoder expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var (
	// ErrDecode is returned when the input image cannot be read.
	ErrDecode = errors.New("image decode failed")

	// ErrInvalidDimension is returned for a non-positive target size.
	ErrInvalidDimension = errors.New("invalid target dimension")
)

// CLIP-style normalization constants, matching the checkpoint's processor.
var (
	DefaultMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	DefaultStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// ImageConfig holds preprocessing parameters.
type ImageConfig struct {
	// Size is the target edge length; the image is resized to Size x Size
	// discarding aspect ratio.
	Size int

	// Mean and Std are per-channel (RGB) normalization constants.
	Mean [3]float32
	Std  [3]float32
}

// DefaultImageConfig returns the configuration for the bundled checkpoint.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Size: 384,
		Mean: DefaultMean,
		Std:  DefaultStd,
	}
}

// Processor converts images into normalized CHW float tensors.
type Processor struct {
	Config *ImageConfig
}

// NewProcessor creates a Processor. A nil config uses defaults.
func NewProcessor(config *ImageConfig) *Processor {
	if config == nil {
		config = DefaultImageConfig()
	}
	return &Processor{Config: config}
}

// Process resizes the image to Size x Size and returns a channel-planar
// float32 tensor of length exactly 3*Size*Size: the full R plane row-major,
// then G, then B, each value (px/255 - mean[c]) / std[c].
//
// The output is deterministic: the same bitmap yields bit-identical floats.
func (p *Processor) Process(img image.Image) ([]float32, error) {
	size := p.Config.Size
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, size)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrDecode)
	}

	// Lanczos resampling, stretching to the exact target square
	resized := imaging.Resize(img, size, size, imaging.Lanczos)

	mean, std := p.Config.Mean, p.Config.Std
	plane := size * size
	tensor := make([]float32, 3*plane)

	// imaging.Resize always returns *image.NRGBA with 4 bytes per pixel
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			r := float32(row[x*4]) / 255.0
			g := float32(row[x*4+1]) / 255.0
			b := float32(row[x*4+2]) / 255.0

			idx := y*size + x
			tensor[idx] = (r - mean[0]) / std[0]
			tensor[plane+idx] = (g - mean[1]) / std[1]
			tensor[2*plane+idx] = (b - mean[2]) / std[2]
		}
	}

	return tensor, nil
}

// ProcessBytes decodes an encoded image (JPEG, PNG, ...) and processes it.
func (p *Processor) ProcessBytes(data []byte) ([]float32, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return p.Process(img)
}
