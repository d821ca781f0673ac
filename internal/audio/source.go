package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

// ErrDeviceUnavailable reports that the capture device disappeared while a
// session was active. It is fatal to the session but not to the pipeline.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Source produces Frames into a Ring while started. Implementations must
// deliver frames at the device cadence and report capture failures on
// Errors() instead of blocking or panicking.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Errors() <-chan error
}

// NewSource builds a capture source for the configured mode.
func NewSource(cfg config.AudioConfig, ring *Ring, log *slog.Logger) (Source, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSource(cfg, ring), nil
	case "exec":
		return NewExecSource(cfg, ring, log)
	default:
		return nil, fmt.Errorf("unknown audio mode %q", cfg.Mode)
	}
}

// MockSource synthesizes frames at the configured cadence. The generator
// defaults to silence; tests and demos install their own.
type MockSource struct {
	cfg      config.AudioConfig
	ring     *Ring
	generate func(seq uint64, samples []float32)
	cancel   context.CancelFunc
	errs     chan error
	done     chan struct{}
}

func NewMockSource(cfg config.AudioConfig, ring *Ring) *MockSource {
	return &MockSource{
		cfg:  cfg,
		ring: ring,
		errs: make(chan error, 1),
	}
}

// SetGenerator installs a sample generator invoked once per frame before the
// frame is pushed. Must be called before Start.
func (s *MockSource) SetGenerator(gen func(seq uint64, samples []float32)) {
	s.generate = gen
}

func (s *MockSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	frameSamples := s.cfg.SampleRate * s.cfg.FrameDurationMS / 1000
	interval := time.Duration(s.cfg.FrameDurationMS) * time.Millisecond

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				samples := make([]float32, frameSamples)
				if s.generate != nil {
					s.generate(seq, samples)
				}
				s.ring.Push(Frame{Seq: seq, Samples: samples, Captured: time.Now()})
				seq++
			}
		}
	}()
	return nil
}

func (s *MockSource) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *MockSource) Errors() <-chan error {
	return s.errs
}

// Tone writes a sine burst into samples; useful for wiring checks.
func Tone(freq float64, sampleRate int, amplitude float64, seq uint64, samples []float32) {
	offset := float64(seq) * float64(len(samples))
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*freq*(offset+float64(i))/float64(sampleRate)))
	}
}
