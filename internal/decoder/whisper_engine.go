//go:build whisper_cpp

package decoder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// whisperEngine runs whisper.cpp in-process. One model is shared across
// segments; access is serialized because concurrent whisper contexts over the
// same model are not safe.
type whisperEngine struct {
	model      whisperpkg.Model
	language   string
	threads    uint
	sampleRate int
	minSamples int
	log        *slog.Logger
	mu         sync.Mutex
}

func newWhisperEngine(cfg config.DecoderConfig, sampleRate int, log *slog.Logger) (Engine, error) {
	model, err := whisperpkg.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	language := cfg.Language
	if language == "" {
		language = "auto"
	}
	log.Info("whisper model loaded",
		slog.String("model", cfg.ModelPath),
		slog.String("language", language))
	return &whisperEngine{
		model:      model,
		language:   language,
		threads:    uint(runtime.NumCPU()),
		sampleRate: sampleRate,
		minSamples: sampleRate / 10, // skip sub-100ms audio
		log:        log.With(slog.String("component", "whisper")),
	}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, samples []float32, final bool) (Result, error) {
	if len(samples) < e.minSamples {
		return Result{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wctx, err := e.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}
	wctx.SetThreads(e.threads)
	_ = wctx.SetLanguage(e.language)
	wctx.SetSplitOnWord(true)
	wctx.SetMaxSegmentLength(0)
	wctx.SetMaxTokensPerSegment(0)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if err != io.EOF {
				e.log.Warn("error reading whisper segment", slog.String("error", err.Error()))
			}
			break
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return Result{Text: strings.TrimSpace(strings.Join(parts, " "))}, nil
}

func (e *whisperEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}
