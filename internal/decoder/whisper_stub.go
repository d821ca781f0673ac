//go:build !whisper_cpp

package decoder

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newWhisperEngine(_ config.DecoderConfig, _ int, _ *slog.Logger) (Engine, error) {
	return nil, errors.New("decoder mode whisper requires building with -tags whisper_cpp")
}
