package decoder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// Result captures one engine transcription pass over a segment's audio.
type Result struct {
	Text       string
	Confidence float64
}

// Engine abstracts ASR backends. Transcribe receives the full audio
// accumulated for one segment so far; partial passes may be approximate,
// the final pass is authoritative. Implementations may block on model
// compute and must honor ctx cancellation.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, final bool) (Result, error)
	Close() error
}

// NewEngine builds the configured ASR backend.
func NewEngine(cfg config.DecoderConfig, sampleRate int, log *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(sampleRate), nil
	case "exec":
		return NewExecEngine(cfg, sampleRate)
	case "whisper":
		return newWhisperEngine(cfg, sampleRate, log)
	default:
		return nil, fmt.Errorf("unknown decoder mode %q", cfg.Mode)
	}
}
