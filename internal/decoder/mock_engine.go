package decoder

import (
	"context"
	"fmt"
)

type mockEngine struct {
	sampleRate int
}

// NewMockEngine returns an engine that reports the audio span it was given.
// Useful for wiring checks without a model.
func NewMockEngine(sampleRate int) Engine {
	return &mockEngine{sampleRate: sampleRate}
}

func (m *mockEngine) Transcribe(_ context.Context, samples []float32, final bool) (Result, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	ms := 0
	if m.sampleRate > 0 {
		ms = len(samples) * 1000 / m.sampleRate
	}
	return Result{Text: fmt.Sprintf("[%s transcript %dms]", mode, ms)}, nil
}

func (m *mockEngine) Close() error { return nil }
