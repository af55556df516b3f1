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

package snapcap

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/snapcap/pkg/snapcap/lib/backends"
	"github.com/antflydb/snapcap/pkg/snapcap/lib/pipelines"
	"github.com/antflydb/snapcap/pkg/snapcap/lib/preprocess"
	"github.com/antflydb/snapcap/pkg/snapcap/lib/vocab"
)

const (
	testImageSize = 4
	testVocabSize = 16
	testBOS       = 1
	testEOS       = 2
)

// testTokens: id = line index. Ids 7 and 8 spell a two-word caption.
var testTokens = []string{
	"[PAD]", "[CLS]", "[SEP]", "[UNK]", "the", "and", "of",
	"sunset", "beach", "##es", "sky", "water", "sand", "blue", "warm", "light",
}

func testVocabulary(t *testing.T) *vocab.Vocabulary {
	t.Helper()
	v, err := vocab.LoadReader(strings.NewReader(strings.Join(testTokens, "\n") + "\n"))
	require.NoError(t, err)
	return v
}

// testImage is a 100x100 solid gray bitmap.
func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

// fakeEncoder produces constant features [1, tokens, width].
type fakeEncoder struct {
	tokens, width int
}

func (f *fakeEncoder) Run([]backends.NamedTensor) ([]backends.NamedTensor, error) {
	return []backends.NamedTensor{{
		Shape: []int64{1, int64(f.tokens), int64(f.width)},
		Data:  make([]float32, f.tokens*f.width),
	}}, nil
}

func (f *fakeEncoder) InputInfo() []backends.TensorInfo  { return nil }
func (f *fakeEncoder) OutputInfo() []backends.TensorInfo { return nil }
func (f *fakeEncoder) Close() error                      { return nil }

// fakeDecoder emits the scripted token ids one per step, then EOS forever.
// Each Run returns full-sequence logits [1, seqLen, V] with only the last
// position carrying the scripted choice.
type fakeDecoder struct {
	script []int32
	step   int

	// startedCh, when set, is signalled on entry to each step
	startedCh chan struct{}
	// blockCh, when set, is received from before each step returns
	blockCh chan struct{}
}

func (f *fakeDecoder) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	if f.startedCh != nil {
		f.startedCh <- struct{}{}
	}
	if f.blockCh != nil {
		<-f.blockCh
	}
	next := int32(testEOS)
	if f.step < len(f.script) {
		next = f.script[f.step]
	}
	f.step++

	seqLen := int(inputs[0].Shape[1])
	logits := make([]float32, seqLen*testVocabSize)
	logits[(seqLen-1)*testVocabSize+int(next)] = 10
	return []backends.NamedTensor{{
		Shape: []int64{1, int64(seqLen), testVocabSize},
		Data:  logits,
	}}, nil
}

func (f *fakeDecoder) InputInfo() []backends.TensorInfo  { return nil }
func (f *fakeDecoder) OutputInfo() []backends.TensorInfo { return nil }
func (f *fakeDecoder) Close() error                      { return nil }

// recordingEvents captures the notification stream of one request.
type recordingEvents struct {
	mu       sync.Mutex
	stages   []string
	captions []string
	errors   []string
}

func (r *recordingEvents) Progress(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recordingEvents) Success(caption string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captions = append(r.captions, caption)
}

func (r *recordingEvents) Error(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func testCaptioner(t *testing.T, decoder backends.Session) *Captioner {
	t.Helper()
	config := &pipelines.CaptionModelConfig{
		DecoderConfig: &pipelines.DecoderConfig{
			BOSTokenID:   testBOS,
			EOSTokenID:   testEOS,
			MaxNewTokens: 30,
		},
		ImageConfig: &preprocess.ImageConfig{
			Size: testImageSize,
			Mean: preprocess.DefaultMean,
			Std:  preprocess.DefaultStd,
		},
	}
	model := pipelines.NewCaptionModel(config, &fakeEncoder{tokens: 3, width: 5}, decoder)
	return NewFromModel(model, testVocabulary(t), Config{}, zaptest.NewLogger(t))
}

func TestCaptionScriptedTokens(t *testing.T) {
	c := testCaptioner(t, &fakeDecoder{script: []int32{7, 8}})
	defer c.Close()

	events := &recordingEvents{}
	res, err := c.Caption(context.Background(), testImage(), events)
	require.NoError(t, err)
	require.Equal(t, "sunset beach", res.Caption)
	require.Greater(t, res.Elapsed, time.Duration(0))

	require.Equal(t, []string{"loading model", "preparing image", "analyzing image", "generating caption"}, events.stages)
	require.Equal(t, []string{"sunset beach"}, events.captions)
	require.Empty(t, events.errors)
}

func TestCaptionContinuationMerge(t *testing.T) {
	// ids 8 ("beach") + 9 ("##es") merge into one word
	c := testCaptioner(t, &fakeDecoder{script: []int32{8, 9}})
	defer c.Close()

	res, err := c.Caption(context.Background(), testImage(), nil)
	require.NoError(t, err)
	require.Equal(t, "beaches", res.Caption)
}

func TestCaptionImmediateEOSFallback(t *testing.T) {
	c := testCaptioner(t, &fakeDecoder{})
	defer c.Close()

	res, err := c.Caption(context.Background(), testImage(), nil)
	require.NoError(t, err)
	require.Equal(t, pipelines.FallbackCaption, res.Caption)
}

func TestCaptionDecoderError(t *testing.T) {
	boom := errors.New("decoder exploded")
	c := testCaptioner(t, &stubErrSession{err: boom})
	defer c.Close()

	events := &recordingEvents{}
	_, err := c.Caption(context.Background(), testImage(), events)
	require.ErrorIs(t, err, boom)
	require.Empty(t, events.captions)
	require.Len(t, events.errors, 1)
	require.Contains(t, events.errors[0], "decoder exploded")
}

type stubErrSession struct{ err error }

func (s *stubErrSession) Run([]backends.NamedTensor) ([]backends.NamedTensor, error) {
	return nil, s.err
}
func (s *stubErrSession) InputInfo() []backends.TensorInfo  { return nil }
func (s *stubErrSession) OutputInfo() []backends.TensorInfo { return nil }
func (s *stubErrSession) Close() error                      { return nil }

func TestCaptionBusy(t *testing.T) {
	decoder := &fakeDecoder{
		script:    []int32{7},
		startedCh: make(chan struct{}, 8),
		blockCh:   make(chan struct{}),
	}
	c := testCaptioner(t, decoder)
	defer c.Close()

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Caption(context.Background(), testImage(), nil)
		firstDone <- err
	}()

	// Wait until the first request is inside the decoder
	<-decoder.startedCh

	_, err := c.Caption(context.Background(), testImage(), nil)
	require.ErrorIs(t, err, ErrBusy)

	close(decoder.blockCh)
	require.NoError(t, <-firstDone)

	// Slot is free again
	_, err = c.Caption(context.Background(), testImage(), nil)
	require.NoError(t, err)
}

func TestCaptionCancelledEmitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	decoder := &fakeDecoder{
		script:    []int32{7, 8},
		startedCh: make(chan struct{}, 8),
		blockCh:   make(chan struct{}, 1),
	}
	c := testCaptioner(t, decoder)
	defer c.Close()

	// Let the first decode step through, cancel while the second is blocked
	decoder.blockCh <- struct{}{}
	go func() {
		<-decoder.startedCh
		<-decoder.startedCh
		cancel()
		close(decoder.blockCh)
	}()

	events := &recordingEvents{}
	_, err := c.Caption(ctx, testImage(), events)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, events.captions)
	require.Empty(t, events.errors, "abandoned requests stay silent")
}

func TestCaptionMaxTokensOverride(t *testing.T) {
	config := &pipelines.CaptionModelConfig{
		DecoderConfig: &pipelines.DecoderConfig{
			BOSTokenID:   testBOS,
			EOSTokenID:   testEOS,
			MaxNewTokens: 30,
		},
		ImageConfig: &preprocess.ImageConfig{
			Size: testImageSize,
			Mean: preprocess.DefaultMean,
			Std:  preprocess.DefaultStd,
		},
	}
	// Decoder never emits EOS on its own within 3 steps
	decoder := &fakeDecoder{script: []int32{7, 8, 7, 8, 7, 8, 7, 8}}
	model := pipelines.NewCaptionModel(config, &fakeEncoder{tokens: 3, width: 5}, decoder)
	c := NewFromModel(model, testVocabulary(t), Config{MaxNewTokens: 3}, zaptest.NewLogger(t))
	defer c.Close()

	res, err := c.Caption(context.Background(), testImage(), nil)
	require.NoError(t, err)
	require.Equal(t, "sunset beach sunset", res.Caption)
}

func TestCloseIdempotent(t *testing.T) {
	c := testCaptioner(t, &fakeDecoder{})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Caption(context.Background(), testImage(), nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseWithoutLoad(t *testing.T) {
	c := New(Config{ModelPath: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, c.Close())
}

func TestLazyLoadFailureRetried(t *testing.T) {
	// Empty model directory: every request fails at load, none is cached
	c := New(Config{ModelPath: t.TempDir()}, zaptest.NewLogger(t))
	defer c.Close()

	for i := 0; i < 2; i++ {
		events := &recordingEvents{}
		_, err := c.Caption(context.Background(), testImage(), events)
		require.ErrorIs(t, err, backends.ErrModelLoad)
		require.Len(t, events.errors, 1)
	}
}
