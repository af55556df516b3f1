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

// Package snapcap captions photographs with a local two-stage
// vision-language model: an ONNX vision encoder plus an autoregressive text
// decoder, greedy-decoded token by token. No network involved.
package snapcap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/snapcap/pkg/snapcap/lib/backends"
	"github.com/antflydb/snapcap/pkg/snapcap/lib/pipelines"
	"github.com/antflydb/snapcap/pkg/snapcap/lib/preprocess"
	"github.com/antflydb/snapcap/pkg/snapcap/lib/vocab"
)

var (
	// ErrBusy is returned when a caption request is already in flight.
	// Sessions are exclusive resources; callers serialize or queue.
	ErrBusy = errors.New("caption request already in progress")

	// ErrClosed is returned for requests after Close.
	ErrClosed = errors.New("captioner is closed")
)

// Events receives the tri-state notification stream of one caption request.
// Progress carries free-form stage labels; exactly one of Success or Error
// follows. An abandoned (cancelled) request emits nothing further.
type Events interface {
	Progress(stage string)
	Success(caption string, elapsed time.Duration)
	Error(message string)
}

// Config holds captioner configuration.
type Config struct {
	// ModelPath is the model directory: ONNX graphs, vocab.txt, and
	// optional config.json / preprocessor_config.json.
	ModelPath string

	// MaxNewTokens overrides the decode step budget when > 0.
	MaxNewTokens int

	// NumThreads for inference (0 = auto).
	NumThreads int

	// GPU selects the acceleration mode: auto, cuda, off.
	GPU string
}

// Result is the outcome of a successful caption request.
type Result struct {
	Caption string
	Elapsed time.Duration
}

// Captioner owns the loaded model sessions and vocabulary for one caption
// checkpoint. Loading is lazy: the first request pays for session creation,
// later requests reuse it, and a failed load is retried from scratch.
//
// At most one caption request runs at a time; concurrent requests fail fast
// with ErrBusy.
type Captioner struct {
	cfg     Config
	logger  *zap.Logger
	factory backends.SessionFactory

	inflight *semaphore.Weighted

	// loaded state, nil until the first successful init
	model      *pipelines.CaptionModel
	vocabulary *vocab.Vocabulary
	processor  *preprocess.Processor
	generator  *pipelines.Generator

	closed bool
}

// New creates a Captioner over the ONNX Runtime backend. Nothing is loaded
// until the first caption request.
func New(cfg Config, logger *zap.Logger) *Captioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Captioner{
		cfg:      cfg,
		logger:   logger,
		factory:  backends.NewONNXFactory(backends.GPUMode(cfg.GPU)),
		inflight: semaphore.NewWeighted(1),
	}
}

// NewFromModel assembles a Captioner from already-built parts. Used by
// tests and by hosts that manage sessions themselves.
func NewFromModel(model *pipelines.CaptionModel, vocabulary *vocab.Vocabulary, cfg Config, logger *zap.Logger) *Captioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Captioner{
		cfg:        cfg,
		logger:     logger,
		inflight:   semaphore.NewWeighted(1),
		model:      model,
		vocabulary: vocabulary,
	}
	c.finishInit()
	return c
}

// finishInit derives the processor and generator from the loaded model.
// Caller holds the request slot (or is the constructor).
func (c *Captioner) finishInit() {
	imageConfig := preprocess.DefaultImageConfig()
	decoderConfig := pipelines.DefaultDecoderConfig()
	if mc := c.model.Config(); mc != nil {
		if mc.ImageConfig != nil {
			imageConfig = mc.ImageConfig
		}
		if mc.DecoderConfig != nil {
			decoderConfig = mc.DecoderConfig
		}
	}
	if c.cfg.MaxNewTokens > 0 {
		decoderConfig.MaxNewTokens = c.cfg.MaxNewTokens
	}
	c.processor = preprocess.NewProcessor(imageConfig)
	c.generator = pipelines.NewGenerator(decoderConfig)
}

// ensureLoaded lazily creates the sessions and vocabulary. Called with the
// request slot held, so at most one initialization runs at a time. On
// failure nothing is cached: the next request retries from scratch.
func (c *Captioner) ensureLoaded() error {
	if c.model != nil {
		return nil
	}

	c.logger.Info("Loading caption model", zap.String("path", c.cfg.ModelPath))
	start := time.Now()

	var sessionOpts []backends.SessionOption
	if c.cfg.NumThreads > 0 {
		sessionOpts = append(sessionOpts, backends.WithSessionThreads(c.cfg.NumThreads))
	}

	model, err := pipelines.LoadCaptionModel(c.cfg.ModelPath, c.factory, sessionOpts...)
	if err != nil {
		return fmt.Errorf("loading caption model: %w", err)
	}

	v, err := vocab.Load(model.Config().VocabPath)
	if err != nil {
		_ = model.Close()
		return fmt.Errorf("loading vocabulary: %w", err)
	}

	c.model = model
	c.vocabulary = v
	c.finishInit()

	c.logger.Info("Caption model ready",
		zap.Int("vocab_size", v.Size()),
		zap.Duration("load_time", time.Since(start)))
	return nil
}

// Caption runs the full pipeline for one image: normalize, encode, greedy
// decode, detokenize. Stage progress, the final caption with elapsed time,
// or a single error are reported through events (which may be nil). Any
// stage failure short-circuits the rest; a partial caption is never
// surfaced.
func (c *Captioner) Caption(ctx context.Context, img image.Image, events Events) (*Result, error) {
	if !c.inflight.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer c.inflight.Release(1)

	if c.closed {
		return nil, ErrClosed
	}

	res, err := c.caption(ctx, img, events)
	if err != nil {
		captionErrors.Inc()
		c.logger.Warn("Caption request failed", zap.Error(err))
		c.notifyError(ctx, events, err)
		return nil, err
	}

	captionsTotal.Inc()
	captionDuration.Observe(res.Elapsed.Seconds())
	c.logger.Info("Caption generated",
		zap.String("caption", res.Caption),
		zap.Duration("elapsed", res.Elapsed))
	if events != nil && ctx.Err() == nil {
		events.Success(res.Caption, res.Elapsed)
	}
	return res, nil
}

func (c *Captioner) caption(ctx context.Context, img image.Image, events Events) (*Result, error) {
	start := time.Now()

	c.notifyProgress(ctx, events, "loading model")
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}

	c.notifyProgress(ctx, events, "preparing image")
	pixels, err := c.processor.Process(img)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.notifyProgress(ctx, events, "analyzing image")
	encoded, err := c.model.EncodeImage(pixels, c.processor.Config.Size)
	if err != nil {
		return nil, err
	}

	c.notifyProgress(ctx, events, "generating caption")
	gen, err := c.generator.Generate(ctx, func(ctx context.Context, inputIDs []int32) ([]float32, error) {
		return c.model.DecodeStep(inputIDs, encoded)
	})
	if err != nil {
		return nil, err
	}

	// Drop the leading BOS before detokenizing
	caption := pipelines.Detokenize(gen.TokenIDs[1:], c.vocabulary)

	return &Result{Caption: caption, Elapsed: time.Since(start)}, nil
}

func (c *Captioner) notifyProgress(ctx context.Context, events Events, stage string) {
	if events == nil || ctx.Err() != nil {
		return
	}
	events.Progress(stage)
}

func (c *Captioner) notifyError(ctx context.Context, events Events, err error) {
	if events == nil || ctx.Err() != nil {
		return
	}
	events.Error(err.Error())
}

// Close releases the sessions and the runtime environment in
// reverse-acquisition order. Idempotent: safe to call repeatedly and safe
// with nothing loaded.
func (c *Captioner) Close() error {
	// Wait for an in-flight request to finish
	_ = c.inflight.Acquire(context.Background(), 1)
	defer c.inflight.Release(1)

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.model != nil {
		if err := c.model.Close(); err != nil {
			errs = append(errs, err)
		}
		c.model = nil
	}
	if c.factory != nil {
		if err := c.factory.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("closing captioner: %v", errs)
	}
	return nil
}
