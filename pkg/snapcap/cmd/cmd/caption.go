// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/snapcap/pkg/snapcap"
	"github.com/antflydb/snapcap/pkg/snapcap/lib/logging"
)

var captionCmd = &cobra.Command{
	Use:   "caption <image>",
	Short: "Caption a single image file",
	Long:  `Load the caption model and generate a caption for one image file.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCaption,
}

func init() {
	rootCmd.AddCommand(captionCmd)

	captionCmd.Flags().Int("max-tokens", 30, "maximum number of caption tokens to generate")
	captionCmd.Flags().Int("threads", 0, "inference threads (0 = auto)")
	captionCmd.Flags().String("gpu", "auto", "GPU acceleration mode (auto, cuda, off)")
	mustBindPFlag("max_tokens", captionCmd.Flags().Lookup("max-tokens"))
	mustBindPFlag("threads", captionCmd.Flags().Lookup("threads"))
	mustBindPFlag("gpu", captionCmd.Flags().Lookup("gpu"))
}

func runCaption(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	imagePath := args[0]
	img, err := imaging.Open(imagePath)
	if err != nil {
		return fmt.Errorf("opening image %s: %w", imagePath, err)
	}

	captioner := snapcap.New(snapcap.Config{
		ModelPath:    viper.GetString("models_dir"),
		MaxNewTokens: viper.GetInt("max_tokens"),
		NumThreads:   viper.GetInt("threads"),
		GPU:          viper.GetString("gpu"),
	}, logger)
	defer func() {
		_ = captioner.Close()
	}()

	result, err := captioner.Caption(ctx, img, &logEvents{logger: logger})
	if err != nil {
		return err
	}

	fmt.Println(result.Caption)
	fmt.Printf("(%s)\n", result.Elapsed.Round(time.Millisecond))
	return nil
}

// logEvents forwards pipeline notifications to the logger.
type logEvents struct {
	logger *zap.Logger
}

func (e *logEvents) Progress(stage string) {
	e.logger.Debug("Caption progress", zap.String("stage", stage))
}

func (e *logEvents) Success(caption string, elapsed time.Duration) {
	e.logger.Debug("Caption complete", zap.Duration("elapsed", elapsed))
}

func (e *logEvents) Error(message string) {
	e.logger.Error("Caption failed", zap.String("message", message))
}
